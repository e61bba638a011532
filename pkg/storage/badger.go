package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode          = byte(0x01) // node:nodeID -> NodeRow
	prefixAttribute     = byte(0x02) // attr:nodeID:ns:name -> AttributeRow
	prefixAssociation   = byte(0x03) // assoc:assocID -> AssociationRow
	prefixAssocUnique   = byte(0x04) // uniq:userID:ns:src:dest:key -> assocID
	prefixOutgoingIndex = byte(0x05) // outgoing:src:assocID -> []byte{}
	prefixIncomingIndex = byte(0x06) // incoming:dest:assocID -> []byte{}
	prefixUserNodeIndex = byte(0x07) // user:userID:type:nodeID -> []byte{}
	prefixMeta          = byte(0x08) // meta:name -> uint64
)

var metaAssocSeq = []byte("assoc_seq")

// BadgerStore emulates the Nodes, Attributes and Associations tables on
// BadgerDB.
//
// Features:
//   - Every Store.Update is one Badger read-write transaction
//   - Unique constraints enforced through dedicated index keys
//   - Outgoing/incoming indexes so deletes can cascade without scans
//   - Safe for concurrent use
//
// Key Structure (ids are fixed-width big-endian, so keys sort numerically):
//   - Nodes: 0x01 + nodeID -> JSON(NodeRow)
//   - Attributes: 0x02 + nodeID + namespace + name -> JSON(AttributeRow)
//   - Associations: 0x03 + assocID -> JSON(AssociationRow)
//   - Unique Index: 0x04 + userID + namespace + src + dest + key -> assocID
//   - Outgoing Index: 0x05 + src + assocID -> empty
//   - Incoming Index: 0x06 + dest + assocID -> empty
//   - User Index: 0x07 + userID + type + nodeID -> empty
//
// Example:
//
//	st, err := storage.NewBadgerStore("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
//
//	if err := st.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// ELI12:
//
// A key-value store only knows "name -> box". To pretend it has tables, every
// box name starts with a one-letter tag saying which table it belongs to, and
// a few extra empty boxes act like the index cards at the back of a book:
// "context 1001 has an arrow number 7", so nobody has to open every box to
// find it.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is disabled.
	Logger badger.Logger
}

// NewBadgerStore creates a persistent store with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreInMemory creates an in-memory store for testing.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions creates a BadgerStore with custom configuration.
//
// The memory settings are the small-footprint profile: one user's graph is
// tiny compared to what Badger's defaults are tuned for.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func appendUint64(key []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(v))
}

func nodeKey(id int64) []byte {
	return appendUint64([]byte{prefixNode}, id)
}

func attributePrefix(nodeID int64) []byte {
	return appendUint64([]byte{prefixAttribute}, nodeID)
}

// attributeKey: prefix + nodeID + namespace + name
func attributeKey(nodeID, ns int64, name string) []byte {
	key := appendUint64(attributePrefix(nodeID), ns)
	return append(key, name...)
}

func associationKey(id int64) []byte {
	return appendUint64([]byte{prefixAssociation}, id)
}

// associationUniqueKey: prefix + userID + namespace + src + dest + key
func associationUniqueKey(userID, ns, src, dest int64, key string) []byte {
	k := appendUint64([]byte{prefixAssocUnique}, userID)
	k = appendUint64(k, ns)
	k = appendUint64(k, src)
	k = appendUint64(k, dest)
	return append(k, key...)
}

func outgoingIndexPrefix(nodeID int64) []byte {
	return appendUint64([]byte{prefixOutgoingIndex}, nodeID)
}

func outgoingIndexKey(nodeID, assocID int64) []byte {
	return appendUint64(outgoingIndexPrefix(nodeID), assocID)
}

func incomingIndexPrefix(nodeID int64) []byte {
	return appendUint64([]byte{prefixIncomingIndex}, nodeID)
}

func incomingIndexKey(nodeID, assocID int64) []byte {
	return appendUint64(incomingIndexPrefix(nodeID), assocID)
}

func userNodePrefix(userID int64, typ NodeType) []byte {
	k := appendUint64([]byte{prefixUserNodeIndex}, userID)
	return append(k, typ[0])
}

func userNodeKey(userID int64, typ NodeType, nodeID int64) []byte {
	return appendUint64(userNodePrefix(userID, typ), nodeID)
}

func metaKey(name []byte) []byte {
	return append([]byte{prefixMeta}, name...)
}

// extractTrailingID returns the id stored in the last 8 bytes of an index key.
func extractTrailingID(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// ============================================================================
// Row access inside a transaction
// ============================================================================

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// scanKeys collects every key under prefix. Values are not fetched.
func scanKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// scanIDs collects the trailing id of every key under prefix.
func scanIDs(txn *badger.Txn, prefix []byte) []int64 {
	keys := scanKeys(txn, prefix)
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, extractTrailingID(k))
	}
	return ids
}

func scanAttributes(txn *badger.Txn, nodeID int64) ([]AttributeRow, error) {
	prefix := attributePrefix(nodeID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []AttributeRow
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var row AttributeRow
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func maxNodeID(txn *badger.Txn) int64 {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek past the largest possible node key, then step back.
	seek := append([]byte{prefixNode}, bytes.Repeat([]byte{0xFF}, 9)...)
	it.Seek(seek)
	if !it.ValidForPrefix([]byte{prefixNode}) {
		return 0
	}
	return extractTrailingID(it.Item().Key())
}

func nextSequence(txn *badger.Txn, name []byte) (int64, error) {
	key := metaKey(name)
	var cur uint64
	item, err := txn.Get(key)
	switch {
	case err == badger.ErrKeyNotFound:
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				cur = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return 0, err
		}
	}
	cur++
	if err := txn.Set(key, binary.BigEndian.AppendUint64(nil, cur)); err != nil {
		return 0, err
	}
	return int64(cur), nil
}

// ============================================================================
// Store
// ============================================================================

func (b *BadgerStore) check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Init is a no-op beyond the closed check: Badger needs no schema.
func (b *BadgerStore) Init(ctx context.Context) error {
	return b.check()
}

// Update runs fn inside one Badger read-write transaction.
func (b *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// ContextRows mirrors the SQL LEFT JOIN: one row per visible attribute, or a
// single bare row for a context without visible attributes.
func (b *BadgerStore) ContextRows(ctx context.Context, userID int64, namespaces []int64) ([]ContextRow, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []ContextRow
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range scanIDs(txn, userNodePrefix(userID, NodeContext)) {
			var node NodeRow
			if err := getJSON(txn, nodeKey(id), &node); err != nil {
				return fmt.Errorf("failed to read context %d: %w", id, err)
			}
			attrs, err := scanAttributes(txn, id)
			if err != nil {
				return err
			}
			matched := false
			for _, a := range attrs {
				if !namespaceAllowed(a.NamespaceID, namespaces) {
					continue
				}
				matched = true
				out = append(out, ContextRow{Node: node, HasAttribute: true, Attribute: a})
			}
			if !matched {
				out = append(out, ContextRow{Node: node})
			}
		}
		return nil
	})
	return out, err
}

// AssociationRows returns associations whose source is one of sourceIDs,
// ordered by association id.
func (b *BadgerStore) AssociationRows(ctx context.Context, userID int64, sourceIDs []int64) ([]AssociationRow, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(sourceIDs))
	var out []AssociationRow
	err := b.db.View(func(txn *badger.Txn) error {
		for _, src := range sourceIDs {
			if _, dup := seen[src]; dup {
				continue
			}
			seen[src] = struct{}{}
			for _, assocID := range scanIDs(txn, outgoingIndexPrefix(src)) {
				var row AssociationRow
				if err := getJSON(txn, associationKey(assocID), &row); err != nil {
					return fmt.Errorf("failed to read association %d: %w", assocID, err)
				}
				if row.UserID == userID {
					out = append(out, row)
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// AllAssociationRows returns every association owned by the user.
func (b *BadgerStore) AllAssociationRows(ctx context.Context, userID int64) ([]AssociationRow, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []AssociationRow
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixAssociation}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row AssociationRow
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row.UserID == userID {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

// PointRows mirrors the SQL point join.
func (b *BadgerStore) PointRows(ctx context.Context, f PointFilter) ([]PointRow, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []PointRow
	err := b.db.View(func(txn *badger.Txn) error {
		var ids []int64
		if f.PointID != 0 {
			ids = []int64{f.PointID}
		} else {
			ids = scanIDs(txn, userNodePrefix(f.UserID, NodePoint))
		}

		for _, id := range ids {
			var node NodeRow
			err := getJSON(txn, nodeKey(id), &node)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if node.Type != NodePoint || node.UserID != f.UserID {
				continue
			}
			if f.AnchorTime != nil && node.Timestamp > *f.AnchorTime {
				continue
			}
			if f.EndTime != nil && node.Timestamp < *f.EndTime {
				continue
			}

			var parents []int64
			for _, assocID := range scanIDs(txn, outgoingIndexPrefix(id)) {
				var a AssociationRow
				if err := getJSON(txn, associationKey(assocID), &a); err != nil {
					return err
				}
				if a.Key != "up" {
					continue
				}
				if len(f.ContextIDs) > 0 && !containsID(f.ContextIDs, a.DestID) {
					continue
				}
				parents = append(parents, a.DestID)
			}
			if len(parents) == 0 {
				continue
			}

			attrs, err := scanAttributes(txn, id)
			if err != nil {
				return err
			}
			for _, parent := range parents {
				matched := false
				for _, a := range attrs {
					if !namespaceAllowed(a.NamespaceID, f.Namespaces) {
						continue
					}
					matched = true
					out = append(out, PointRow{
						NodeID: id, Timestamp: node.Timestamp, ContextID: parent,
						HasAttribute: true, Attribute: a,
					})
				}
				if !matched {
					out = append(out, PointRow{NodeID: id, Timestamp: node.Timestamp, ContextID: parent})
				}
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, err
}

// Node returns a node row by id.
func (b *BadgerStore) Node(ctx context.Context, id int64) (NodeRow, error) {
	if err := b.check(); err != nil {
		return NodeRow{}, err
	}
	var row NodeRow
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(id), &row)
	})
	return row, err
}

// Attributes returns every attribute row of a node.
func (b *BadgerStore) Attributes(ctx context.Context, nodeID int64) ([]AttributeRow, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []AttributeRow
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scanAttributes(txn, nodeID)
		return err
	})
	return out, err
}

// MaxNodeID returns the largest node id, 0 for an empty store.
func (b *BadgerStore) MaxNodeID(ctx context.Context) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	var id int64
	err := b.db.View(func(txn *badger.Txn) error {
		id = maxNodeID(txn)
		return nil
	})
	return id, err
}

// Stats returns row counts for one user.
func (b *BadgerStore) Stats(ctx context.Context, userID int64) (Stats, error) {
	if err := b.check(); err != nil {
		return Stats{}, err
	}
	var st Stats
	err := b.db.View(func(txn *badger.Txn) error {
		contexts := scanIDs(txn, userNodePrefix(userID, NodeContext))
		points := scanIDs(txn, userNodePrefix(userID, NodePoint))
		st.Contexts = int64(len(contexts))
		st.Points = int64(len(points))
		for _, ids := range [][]int64{contexts, points} {
			for _, id := range ids {
				st.Attributes += int64(len(scanKeys(txn, attributePrefix(id))))
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	assocs, err := b.AllAssociationRows(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	st.Associations = int64(len(assocs))
	return st, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// ============================================================================
// Transaction
// ============================================================================

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) InsertNode(ctx context.Context, row NodeRow) (int64, error) {
	if row.Type != NodeContext && row.Type != NodePoint {
		return 0, fmt.Errorf("%w: node type %q", ErrInvalidRow, row.Type)
	}
	if row.ID == 0 {
		row.ID = maxNodeID(t.txn) + 1
	} else {
		found, err := exists(t.txn, nodeKey(row.ID))
		if err != nil {
			return 0, err
		}
		if found {
			return 0, fmt.Errorf("%w: node %d", ErrDuplicateID, row.ID)
		}
	}

	if err := setJSON(t.txn, nodeKey(row.ID), row); err != nil {
		return 0, err
	}
	if err := t.txn.Set(userNodeKey(row.UserID, row.Type, row.ID), []byte{}); err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (t *badgerTx) updateNode(id int64, fn func(*NodeRow)) error {
	var row NodeRow
	if err := getJSON(t.txn, nodeKey(id), &row); err != nil {
		return err
	}
	fn(&row)
	return setJSON(t.txn, nodeKey(id), row)
}

func (t *badgerTx) SetNodeLabel(ctx context.Context, id int64, label string) error {
	return t.updateNode(id, func(r *NodeRow) { r.Label = label })
}

func (t *badgerTx) SetNodeTimestamp(ctx context.Context, id int64, ts int64) error {
	return t.updateNode(id, func(r *NodeRow) { r.Timestamp = ts })
}

func (t *badgerTx) DeleteNode(ctx context.Context, userID, id int64, typ NodeType) error {
	var row NodeRow
	if err := getJSON(t.txn, nodeKey(id), &row); err != nil {
		return err
	}
	if row.UserID != userID || row.Type != typ {
		return ErrNotFound
	}

	for _, key := range scanKeys(t.txn, attributePrefix(id)) {
		if err := t.txn.Delete(key); err != nil {
			return err
		}
	}

	assocIDs := scanIDs(t.txn, outgoingIndexPrefix(id))
	assocIDs = append(assocIDs, scanIDs(t.txn, incomingIndexPrefix(id))...)
	for _, assocID := range assocIDs {
		// A self-loop shows up in both indexes.
		if err := t.deleteAssociation(userID, assocID); err != nil && err != ErrNotFound {
			return err
		}
	}

	if err := t.txn.Delete(userNodeKey(row.UserID, row.Type, id)); err != nil {
		return err
	}
	return t.txn.Delete(nodeKey(id))
}

func (t *badgerTx) InsertAssociation(ctx context.Context, row AssociationRow) (int64, error) {
	if row.Key == "" {
		return 0, fmt.Errorf("%w: empty association key", ErrInvalidRow)
	}
	if row.NamespaceID == 0 {
		row.NamespaceID = DefaultNamespace
	}

	uniq := associationUniqueKey(row.UserID, row.NamespaceID, row.SourceID, row.DestID, row.Key)
	found, err := exists(t.txn, uniq)
	if err != nil {
		return 0, err
	}
	if found {
		return 0, fmt.Errorf("%w: association %d-%s->%d already exists", ErrConstraint, row.SourceID, row.Key, row.DestID)
	}

	id, err := nextSequence(t.txn, metaAssocSeq)
	if err != nil {
		return 0, err
	}
	row.ID = id

	if err := setJSON(t.txn, associationKey(id), row); err != nil {
		return 0, err
	}
	if err := t.txn.Set(uniq, binary.BigEndian.AppendUint64(nil, uint64(id))); err != nil {
		return 0, err
	}
	if err := t.txn.Set(outgoingIndexKey(row.SourceID, id), []byte{}); err != nil {
		return 0, err
	}
	if err := t.txn.Set(incomingIndexKey(row.DestID, id), []byte{}); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *badgerTx) FindAssociation(ctx context.Context, userID, namespaceID, sourceID, destID int64, key string) (int64, error) {
	if namespaceID == 0 {
		namespaceID = DefaultNamespace
	}
	item, err := t.txn.Get(associationUniqueKey(userID, namespaceID, sourceID, destID, key))
	if err == badger.ErrKeyNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var id int64
	err = item.Value(func(val []byte) error {
		id = extractTrailingID(val)
		return nil
	})
	return id, err
}

func (t *badgerTx) DeleteAssociation(ctx context.Context, userID, id int64) error {
	return t.deleteAssociation(userID, id)
}

func (t *badgerTx) deleteAssociation(userID, id int64) error {
	var row AssociationRow
	if err := getJSON(t.txn, associationKey(id), &row); err != nil {
		return err
	}
	if row.UserID != userID {
		return ErrNotFound
	}
	for _, key := range [][]byte{
		associationUniqueKey(row.UserID, row.NamespaceID, row.SourceID, row.DestID, row.Key),
		outgoingIndexKey(row.SourceID, id),
		incomingIndexKey(row.DestID, id),
		associationKey(id),
	} {
		if err := t.txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) InsertAttribute(ctx context.Context, row AttributeRow) error {
	if row.Name == "" {
		return fmt.Errorf("%w: empty attribute name", ErrInvalidRow)
	}
	key := attributeKey(row.NodeID, row.NamespaceID, row.Name)
	found, err := exists(t.txn, key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: attribute %d__%s on node %d", ErrConstraint, row.NamespaceID, row.Name, row.NodeID)
	}
	return setJSON(t.txn, key, row)
}

func (t *badgerTx) UpsertAttribute(ctx context.Context, row AttributeRow) error {
	if row.Name == "" {
		return fmt.Errorf("%w: empty attribute name", ErrInvalidRow)
	}
	return setJSON(t.txn, attributeKey(row.NodeID, row.NamespaceID, row.Name), row)
}
