// Package graph holds the in-memory model of one user's context forest.
//
// A Graph mirrors the Nodes/Attributes/Associations tables of a storage.Store:
// it is loaded once, eagerly, and afterwards patched by every mutation. All
// mutations persist first and touch memory only after the store transaction
// committed, so a failed write never leaves the two views apart.
//
// The Graph is not safe for concurrent use. benomedb confines it to the
// command queue worker; nothing else may hold a reference.
//
// Example:
//
//	g := graph.New(st, graph.Options{
//		UserID:     1,
//		RootID:     1000,
//		Namespaces: []int64{1, 2001},
//		Logger:     log,
//	})
//	if err := g.Load(ctx); err != nil {
//		return err
//	}
//
//	work, err := g.AddContext(ctx, 1000, "Work", nil, 0)
//	if err != nil {
//		return err
//	}
//	_, err = g.AddPoint(ctx, work.ID, graph.Attributes{
//		graph.CoreNamespace: {"Time": graph.Int(now), "Duration": graph.Int(30)},
//	}, 0)
//
// Structure:
//
// Contexts and Associations live in two arenas keyed by id. A Context only
// holds the ids of its outgoing and incoming associations; the Graph owns
// the *Association values. Points are never held in memory: GetPoints
// assembles them from the store on demand.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/storage"
)

// Structural association keys.
const (
	KeyUp   = "up"
	KeyDown = "down"
)

// Errors returned by graph operations. Store failures are wrapped so that
// both the graph sentinel and the storage sentinel match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrReadOnly        = errors.New("graph is read-only")
	ErrMissingEndpoint = errors.New("association endpoint missing")
	ErrInvalidArgument = errors.New("invalid argument")
)

// QueryCache caches GetPoints results. *cache.QueryCache implements it.
type QueryCache interface {
	Key(query string, params map[string]any) uint64
	Get(key uint64) (any, bool)
	Put(key uint64, value any)
	Clear()
}

// Context is a category node.
type Context struct {
	ID        int64
	Label     string
	Timestamp int64

	// Attributes excludes the core Label and Timestamp fields, which live on
	// the node row itself.
	Attributes Attributes

	// Metadata caches derived values (scores). It is never persisted.
	Metadata map[string]any

	out map[int64]struct{}
	in  map[int64]struct{}
}

func newContext(id int64, label string, ts int64, attrs Attributes) *Context {
	if attrs == nil {
		attrs = make(Attributes)
	}
	return &Context{
		ID:         id,
		Label:      label,
		Timestamp:  ts,
		Attributes: attrs,
		Metadata:   make(map[string]any),
		out:        make(map[int64]struct{}),
		in:         make(map[int64]struct{}),
	}
}

// Out returns the ids of outgoing associations in ascending order.
func (c *Context) Out() []int64 { return sortedIDs(c.out) }

// In returns the ids of incoming associations in ascending order.
func (c *Context) In() []int64 { return sortedIDs(c.in) }

// Association is a directed, keyed edge between two contexts.
type Association struct {
	ID          int64
	SourceID    int64
	DestID      int64
	Key         string
	NamespaceID int64
}

// RecordID is the external id form "src|key|dest".
func (a *Association) RecordID() string {
	return fmt.Sprintf("%d|%s|%d", a.SourceID, a.Key, a.DestID)
}

// Options configures a Graph.
type Options struct {
	UserID     int64
	RootID     int64
	Namespaces []int64

	// StrictAssociations rejects associations whose endpoints are not loaded
	// contexts. When false they are persisted (or skipped during Load) with
	// a warning.
	StrictAssociations bool

	Logger *zap.Logger
	Cache  QueryCache

	// Now overrides the clock used for default timestamps.
	Now func() time.Time
}

// Graph is the in-memory mirror of one user's contexts and associations.
type Graph struct {
	userID     int64
	rootID     int64
	namespaces []int64
	strict     bool

	contexts     map[int64]*Context
	associations map[int64]*Association

	store storage.Store
	cache QueryCache
	log   *zap.Logger
	now   func() time.Time

	// Set on graphs produced by PruneToRoot.
	readOnly bool
	scope    []int64
}

// New creates an empty graph backed by st. Call Load to populate it.
func New(st storage.Store, opts Options) *Graph {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Graph{
		userID:       opts.UserID,
		rootID:       opts.RootID,
		namespaces:   append([]int64(nil), opts.Namespaces...),
		strict:       opts.StrictAssociations,
		contexts:     make(map[int64]*Context),
		associations: make(map[int64]*Association),
		store:        st,
		cache:        opts.Cache,
		log:          log.With(zap.Int64("user_id", opts.UserID)),
		now:          now,
	}
}

// UserID returns the owning user.
func (g *Graph) UserID() int64 { return g.userID }

// RootID returns the root context id.
func (g *Graph) RootID() int64 { return g.rootID }

// Namespaces returns the namespace filter the graph was loaded with.
func (g *Graph) Namespaces() []int64 { return append([]int64(nil), g.namespaces...) }

// ReadOnly reports whether the graph is a pruned copy.
func (g *Graph) ReadOnly() bool { return g.readOnly }

// Store returns the backing store.
func (g *Graph) Store() storage.Store { return g.store }

// Load replaces the in-memory state with the user's persisted contexts and
// the associations leaving them.
func (g *Graph) Load(ctx context.Context) error {
	if g.readOnly {
		return ErrReadOnly
	}
	rows, err := g.store.ContextRows(ctx, g.userID, g.namespaces)
	if err != nil {
		return fmt.Errorf("failed to load contexts: %w", err)
	}

	contexts := make(map[int64]*Context)
	var ids []int64
	for _, r := range rows {
		c, ok := contexts[r.Node.ID]
		if !ok {
			c = newContext(r.Node.ID, r.Node.Label, r.Node.Timestamp, nil)
			contexts[c.ID] = c
			ids = append(ids, c.ID)
		}
		if !r.HasAttribute {
			continue
		}
		a := r.Attribute
		if a.NamespaceID == CoreNamespace && (a.Name == AttrLabel || a.Name == AttrTimestamp) {
			continue
		}
		c.Attributes.Set(a.NamespaceID, a.Name, DecodeValue(a.Value, a.Properties))
	}

	assocRows, err := g.store.AssociationRows(ctx, g.userID, ids)
	if err != nil {
		return fmt.Errorf("failed to load associations: %w", err)
	}

	prevContexts, prevAssociations := g.contexts, g.associations
	g.contexts = contexts
	g.associations = make(map[int64]*Association, len(assocRows))
	skipped := 0
	for _, r := range assocRows {
		a := associationFromRow(r)
		if err := g.attach(a); err != nil {
			if g.strict {
				g.contexts, g.associations = prevContexts, prevAssociations
				return fmt.Errorf("failed to load association %d: %w", a.ID, err)
			}
			skipped++
			g.log.Warn("skipping association with missing endpoint",
				zap.Int64("assoc_id", a.ID),
				zap.Int64("source_id", a.SourceID),
				zap.Int64("dest_id", a.DestID),
				zap.String("key", a.Key))
		}
	}
	g.invalidate()

	g.log.Info("graph loaded",
		zap.Int("contexts", len(g.contexts)),
		zap.Int("associations", len(g.associations)),
		zap.Int("skipped", skipped))
	return nil
}

func associationFromRow(r storage.AssociationRow) *Association {
	ns := r.NamespaceID
	if ns == 0 {
		ns = storage.DefaultNamespace
	}
	return &Association{ID: r.ID, SourceID: r.SourceID, DestID: r.DestID, Key: r.Key, NamespaceID: ns}
}

// attach wires a into the flat index and both endpoint indexes. Nothing is
// changed when an endpoint is missing.
func (g *Graph) attach(a *Association) error {
	src, ok := g.contexts[a.SourceID]
	if !ok {
		return fmt.Errorf("%w: source %d", ErrMissingEndpoint, a.SourceID)
	}
	dst, ok := g.contexts[a.DestID]
	if !ok {
		return fmt.Errorf("%w: destination %d", ErrMissingEndpoint, a.DestID)
	}
	g.associations[a.ID] = a
	src.out[a.ID] = struct{}{}
	dst.in[a.ID] = struct{}{}
	return nil
}

// detach removes an association from every index it appears in.
func (g *Graph) detach(id int64) {
	a, ok := g.associations[id]
	if !ok {
		return
	}
	if src, ok := g.contexts[a.SourceID]; ok {
		delete(src.out, id)
	}
	if dst, ok := g.contexts[a.DestID]; ok {
		delete(dst.in, id)
	}
	delete(g.associations, id)
}

func (g *Graph) invalidate() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

// ============================================================================
// Structural queries
// ============================================================================

// Context returns a context by id.
func (g *Graph) Context(id int64) (*Context, bool) {
	c, ok := g.contexts[id]
	return c, ok
}

// Root returns the root context.
func (g *Graph) Root() (*Context, bool) { return g.Context(g.rootID) }

// Contexts returns every context ordered by id.
func (g *Graph) Contexts() []*Context {
	out := make([]*Context, 0, len(g.contexts))
	for _, id := range sortedIDs(g.contexts) {
		out = append(out, g.contexts[id])
	}
	return out
}

// ContextIDs returns every context id in ascending order.
func (g *Graph) ContextIDs() []int64 { return sortedIDs(g.contexts) }

// Len returns the number of contexts.
func (g *Graph) Len() int { return len(g.contexts) }

// Association returns an association by id.
func (g *Graph) Association(id int64) (*Association, bool) {
	a, ok := g.associations[id]
	return a, ok
}

// Associations returns every association ordered by id.
func (g *Graph) Associations() []*Association {
	out := make([]*Association, 0, len(g.associations))
	for _, id := range sortedIDs(g.associations) {
		out = append(out, g.associations[id])
	}
	return out
}

// OutEdges returns the outgoing associations of id with the given key, or
// all of them when key is empty.
func (g *Graph) OutEdges(id int64, key string) []*Association {
	c, ok := g.contexts[id]
	if !ok {
		return nil
	}
	return g.edges(c.out, key)
}

// InEdges returns the incoming associations of id with the given key, or
// all of them when key is empty.
func (g *Graph) InEdges(id int64, key string) []*Association {
	c, ok := g.contexts[id]
	if !ok {
		return nil
	}
	return g.edges(c.in, key)
}

func (g *Graph) edges(set map[int64]struct{}, key string) []*Association {
	var out []*Association
	for _, aid := range sortedIDs(set) {
		a := g.associations[aid]
		if key == "" || a.Key == key {
			out = append(out, a)
		}
	}
	return out
}

// OutKeys returns the distinct keys of id's outgoing associations.
func (g *Graph) OutKeys(id int64) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, a := range g.OutEdges(id, "") {
		if _, ok := seen[a.Key]; ok {
			continue
		}
		seen[a.Key] = struct{}{}
		keys = append(keys, a.Key)
	}
	sort.Strings(keys)
	return keys
}

// Children returns the destinations of id's "down" edges.
func (g *Graph) Children(id int64) []int64 {
	var out []int64
	for _, a := range g.OutEdges(id, KeyDown) {
		out = append(out, a.DestID)
	}
	return out
}

// Parents returns the destinations of id's "up" edges.
func (g *Graph) Parents(id int64) []int64 {
	var out []int64
	for _, a := range g.OutEdges(id, KeyUp) {
		out = append(out, a.DestID)
	}
	return out
}

// Parent returns the first parent of id.
func (g *Graph) Parent(id int64) (int64, bool) {
	parents := g.Parents(id)
	if len(parents) == 0 {
		return 0, false
	}
	return parents[0], true
}

// IsInterior reports whether id has at least one outgoing "down" edge.
func (g *Graph) IsInterior(id int64) bool {
	c, ok := g.contexts[id]
	if !ok {
		return false
	}
	for aid := range c.out {
		if g.associations[aid].Key == KeyDown {
			return true
		}
	}
	return false
}

// IsLeaf is the negation of IsInterior.
func (g *Graph) IsLeaf(id int64) bool { return !g.IsInterior(id) }

// Leaves returns the ids of every leaf context.
func (g *Graph) Leaves() []int64 {
	var out []int64
	for _, id := range sortedIDs(g.contexts) {
		if g.IsLeaf(id) {
			out = append(out, id)
		}
	}
	return out
}

// Interior returns the ids of every interior context.
func (g *Graph) Interior() []int64 {
	var out []int64
	for _, id := range sortedIDs(g.contexts) {
		if g.IsInterior(id) {
			out = append(out, id)
		}
	}
	return out
}

// Descendants returns every context reachable from id over "down" edges,
// excluding id itself, in depth-first order.
func (g *Graph) Descendants(id int64) []int64 {
	reach := g.downClosure(id)
	if len(reach) == 0 {
		return nil
	}
	return reach[1:]
}

// downClosure returns id followed by every context reachable from it over
// "down" edges. Each context appears once.
func (g *Graph) downClosure(id int64) []int64 {
	if _, ok := g.contexts[id]; !ok {
		return nil
	}
	visited := map[int64]struct{}{id: {}}
	var order []int64
	stack := []int64{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, cur)

		children := g.Children(cur)
		// Pushed in reverse so the lowest child is visited first.
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			if _, seen := visited[child]; seen {
				continue
			}
			if _, ok := g.contexts[child]; !ok {
				continue
			}
			visited[child] = struct{}{}
			stack = append(stack, child)
		}
	}
	return order
}

// ContextByLabel returns the first child of parentID with the given label.
func (g *Graph) ContextByLabel(parentID int64, label string) (*Context, bool) {
	for _, id := range g.Children(parentID) {
		if c, ok := g.contexts[id]; ok && c.Label == label {
			return c, true
		}
	}
	return nil, false
}

func sortedIDs[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
