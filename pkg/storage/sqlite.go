package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteSchema holds the table definitions. Statements are executed one at a
// time by Init so that the driver never has to split a script.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS Nodes (
		ID        INTEGER PRIMARY KEY,
		UserID    INTEGER NOT NULL,
		Type      TEXT NOT NULL CHECK (Type IN ('Context', 'Point')),
		Label     TEXT NOT NULL DEFAULT '',
		TimeStamp INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_user_type ON Nodes(UserID, Type)`,
	`CREATE TABLE IF NOT EXISTS Attributes (
		ID          INTEGER PRIMARY KEY AUTOINCREMENT,
		NodeID      INTEGER NOT NULL,
		NamespaceID INTEGER DEFAULT 1,
		Name        TEXT NOT NULL,
		Value       TEXT,
		Properties  TEXT,
		UNIQUE (NodeID, Name, NamespaceID)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attributes_node ON Attributes(NodeID)`,
	`CREATE TABLE IF NOT EXISTS Associations (
		ID          INTEGER PRIMARY KEY AUTOINCREMENT,
		UserID      INTEGER NOT NULL,
		NamespaceID INTEGER DEFAULT 1,
		SourceID    INTEGER NOT NULL,
		DestID      INTEGER NOT NULL,
		Key         TEXT NOT NULL,
		UNIQUE (UserID, NamespaceID, SourceID, DestID, Key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assoc_source ON Associations(SourceID)`,
	`CREATE INDEX IF NOT EXISTS idx_assoc_dest ON Associations(DestID)`,
	`CREATE INDEX IF NOT EXISTS idx_assoc_key ON Associations(Key)`,
}

// maxInParams bounds the number of ids bound into a single IN (...) clause.
const maxInParams = 500

// SQLStore is the SQLite implementation of Store.
//
// The database handle is limited to a single connection: benomedb has exactly
// one writer, and an in-memory database (":memory:") only exists for the
// connection that created it. Read methods must therefore not be called from
// inside an Update callback.
type SQLStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (or creates) a SQLite database at path. The parent
// directory is created when missing. Use ":memory:" for a throwaway store.
//
// Example:
//
//	st, err := storage.OpenSQLite(filepath.Join(dataDir, "sql.db"))
//	if err != nil {
//		return fmt.Errorf("failed to open store: %w", err)
//	}
//	defer st.Close()
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &SQLStore{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *SQLStore) Path() string { return s.path }

func (s *SQLStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Update runs fn inside a single SQL transaction.
func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ContextRows returns context nodes joined with their attributes.
//
// The namespace restriction sits in the join condition, so a context whose
// attributes all live in other namespaces still yields one bare row.
func (s *SQLStore) ContextRows(ctx context.Context, userID int64, namespaces []int64) ([]ContextRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var args []any
	join := `LEFT JOIN Attributes a ON a.NodeID = n.ID`
	if len(namespaces) > 0 {
		join += ` AND (a.NamespaceID IS NULL OR a.NamespaceID IN (` + placeholders(len(namespaces)) + `))`
		args = appendIDs(args, namespaces)
	}
	args = append(args, userID)

	query := `SELECT n.ID, n.UserID, n.Label, n.TimeStamp,
			a.NamespaceID, a.Name, a.Value, a.Properties
		FROM Nodes n ` + join + `
		WHERE n.UserID = ? AND n.Type = 'Context'
		ORDER BY n.ID, a.NamespaceID, a.Name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contexts: %w", err)
	}
	defer rows.Close()

	var out []ContextRow
	for rows.Next() {
		var (
			r    ContextRow
			attr nullAttribute
		)
		r.Node.Type = NodeContext
		if err := rows.Scan(&r.Node.ID, &r.Node.UserID, &r.Node.Label, &r.Node.Timestamp,
			&attr.ns, &attr.name, &attr.value, &attr.props); err != nil {
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		r.HasAttribute, r.Attribute = attr.row(r.Node.ID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssociationRows returns associations whose source is one of sourceIDs.
func (s *SQLStore) AssociationRows(ctx context.Context, userID int64, sourceIDs []int64) ([]AssociationRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []AssociationRow
	for start := 0; start < len(sourceIDs); start += maxInParams {
		end := min(start+maxInParams, len(sourceIDs))
		chunk := sourceIDs[start:end]

		args := appendIDs([]any{userID}, chunk)
		rows, err := s.db.QueryContext(ctx, `SELECT ID, UserID, NamespaceID, SourceID, DestID, Key
			FROM Associations
			WHERE UserID = ? AND SourceID IN (`+placeholders(len(chunk))+`)
			ORDER BY ID`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query associations: %w", err)
		}
		batch, err := scanAssociations(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// AllAssociationRows returns every association owned by the user.
func (s *SQLStore) AllAssociationRows(ctx context.Context, userID int64) ([]AssociationRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ID, UserID, NamespaceID, SourceID, DestID, Key
		FROM Associations WHERE UserID = ? ORDER BY ID`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	return scanAssociations(rows)
}

func scanAssociations(rows *sql.Rows) ([]AssociationRow, error) {
	defer rows.Close()
	var out []AssociationRow
	for rows.Next() {
		var (
			r  AssociationRow
			ns sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &ns, &r.SourceID, &r.DestID, &r.Key); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		r.NamespaceID = ns.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

// PointRows joins point nodes with their "up" association and attributes.
func (s *SQLStore) PointRows(ctx context.Context, f PointFilter) ([]PointRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var args []any
	join := `LEFT OUTER JOIN Attributes a ON a.NodeID = n.ID`
	if len(f.Namespaces) > 0 {
		join += ` AND (a.NamespaceID IS NULL OR a.NamespaceID IN (` + placeholders(len(f.Namespaces)) + `))`
		args = appendIDs(args, f.Namespaces)
	}

	where := []string{`n.UserID = ?`, `n.Type = 'Point'`}
	args = append(args, f.UserID)
	if f.PointID != 0 {
		where = append(where, `n.ID = ?`)
		args = append(args, f.PointID)
	}
	if len(f.ContextIDs) > 0 {
		where = append(where, `s.DestID IN (`+placeholders(len(f.ContextIDs))+`)`)
		args = appendIDs(args, f.ContextIDs)
	}
	if f.AnchorTime != nil {
		where = append(where, `n.TimeStamp <= ?`)
		args = append(args, *f.AnchorTime)
	}
	if f.EndTime != nil {
		where = append(where, `n.TimeStamp >= ?`)
		args = append(args, *f.EndTime)
	}

	query := `SELECT n.ID, n.TimeStamp, s.DestID,
			a.NamespaceID, a.Name, a.Value, a.Properties
		FROM Nodes n
		INNER JOIN Associations s ON s.SourceID = n.ID AND s.Key = 'up'
		` + join + `
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY n.TimeStamp, n.ID, a.NamespaceID, a.Name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var out []PointRow
	for rows.Next() {
		var (
			r    PointRow
			attr nullAttribute
		)
		if err := rows.Scan(&r.NodeID, &r.Timestamp, &r.ContextID,
			&attr.ns, &attr.name, &attr.value, &attr.props); err != nil {
			return nil, fmt.Errorf("failed to scan point row: %w", err)
		}
		r.HasAttribute, r.Attribute = attr.row(r.NodeID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Node returns a node row by id.
func (s *SQLStore) Node(ctx context.Context, id int64) (NodeRow, error) {
	if err := s.check(); err != nil {
		return NodeRow{}, err
	}
	var (
		r   NodeRow
		typ string
	)
	err := s.db.QueryRowContext(ctx, `SELECT ID, UserID, Type, Label, TimeStamp FROM Nodes WHERE ID = ?`, id).
		Scan(&r.ID, &r.UserID, &typ, &r.Label, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRow{}, ErrNotFound
	}
	if err != nil {
		return NodeRow{}, fmt.Errorf("failed to read node %d: %w", id, err)
	}
	r.Type = NodeType(typ)
	return r, nil
}

// Attributes returns every attribute row of a node.
func (s *SQLStore) Attributes(ctx context.Context, nodeID int64) ([]AttributeRow, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT NamespaceID, Name, Value, Properties
		FROM Attributes WHERE NodeID = ? ORDER BY NamespaceID, Name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attributes: %w", err)
	}
	defer rows.Close()

	var out []AttributeRow
	for rows.Next() {
		var attr nullAttribute
		if err := rows.Scan(&attr.ns, &attr.name, &attr.value, &attr.props); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		_, row := attr.row(nodeID)
		out = append(out, row)
	}
	return out, rows.Err()
}

// MaxNodeID returns the largest node id, 0 for an empty store.
func (s *SQLStore) MaxNodeID(ctx context.Context) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var maxID int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ID), 0) FROM Nodes`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max node id: %w", err)
	}
	return maxID, nil
}

// Stats returns row counts for one user.
func (s *SQLStore) Stats(ctx context.Context, userID int64) (Stats, error) {
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN Type = 'Context' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN Type = 'Point' THEN 1 ELSE 0 END), 0)
		FROM Nodes WHERE UserID = ?`, userID).Scan(&st.Contexts, &st.Points)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count nodes: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Attributes a
		INNER JOIN Nodes n ON n.ID = a.NodeID WHERE n.UserID = ?`, userID).Scan(&st.Attributes)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count attributes: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Associations WHERE UserID = ?`, userID).
		Scan(&st.Associations)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count associations: %w", err)
	}
	return st, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// sqliteTx implements Tx on a *sql.Tx.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertNode(ctx context.Context, row NodeRow) (int64, error) {
	if row.Type != NodeContext && row.Type != NodePoint {
		return 0, fmt.Errorf("%w: node type %q", ErrInvalidRow, row.Type)
	}

	if row.ID == 0 {
		res, err := t.tx.ExecContext(ctx, `INSERT INTO Nodes (UserID, Type, Label, TimeStamp) VALUES (?, ?, ?, ?)`,
			row.UserID, string(row.Type), row.Label, row.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("failed to insert node: %w", err)
		}
		return res.LastInsertId()
	}

	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM Nodes WHERE ID = ?`, row.ID).Scan(&one)
	if err == nil {
		return 0, fmt.Errorf("%w: node %d", ErrDuplicateID, row.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to check node %d: %w", row.ID, err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO Nodes (ID, UserID, Type, Label, TimeStamp) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.UserID, string(row.Type), row.Label, row.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert node %d: %w", row.ID, classify(err))
	}
	return row.ID, nil
}

func (t *sqliteTx) SetNodeLabel(ctx context.Context, id int64, label string) error {
	return t.execOne(ctx, `UPDATE Nodes SET Label = ? WHERE ID = ?`, label, id)
}

func (t *sqliteTx) SetNodeTimestamp(ctx context.Context, id int64, ts int64) error {
	return t.execOne(ctx, `UPDATE Nodes SET TimeStamp = ? WHERE ID = ?`, ts, id)
}

func (t *sqliteTx) DeleteNode(ctx context.Context, userID, id int64, typ NodeType) error {
	if err := t.execOne(ctx, `DELETE FROM Nodes WHERE ID = ? AND UserID = ? AND Type = ?`, id, userID, string(typ)); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM Attributes WHERE NodeID = ?`, id); err != nil {
		return fmt.Errorf("failed to delete attributes of %d: %w", id, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM Associations WHERE UserID = ? AND (SourceID = ? OR DestID = ?)`,
		userID, id, id); err != nil {
		return fmt.Errorf("failed to delete associations of %d: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) InsertAssociation(ctx context.Context, row AssociationRow) (int64, error) {
	if row.Key == "" {
		return 0, fmt.Errorf("%w: empty association key", ErrInvalidRow)
	}
	if row.NamespaceID == 0 {
		row.NamespaceID = DefaultNamespace
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO Associations (UserID, NamespaceID, SourceID, DestID, Key)
		VALUES (?, ?, ?, ?, ?)`, row.UserID, row.NamespaceID, row.SourceID, row.DestID, row.Key)
	if err != nil {
		return 0, fmt.Errorf("failed to insert association %d-%s->%d: %w", row.SourceID, row.Key, row.DestID, classify(err))
	}
	return res.LastInsertId()
}

func (t *sqliteTx) FindAssociation(ctx context.Context, userID, namespaceID, sourceID, destID int64, key string) (int64, error) {
	if namespaceID == 0 {
		namespaceID = DefaultNamespace
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT ID FROM Associations
		WHERE UserID = ? AND NamespaceID = ? AND SourceID = ? AND DestID = ? AND Key = ?`,
		userID, namespaceID, sourceID, destID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find association: %w", err)
	}
	return id, nil
}

func (t *sqliteTx) DeleteAssociation(ctx context.Context, userID, id int64) error {
	return t.execOne(ctx, `DELETE FROM Associations WHERE ID = ? AND UserID = ?`, id, userID)
}

func (t *sqliteTx) InsertAttribute(ctx context.Context, row AttributeRow) error {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM Attributes WHERE NodeID = ? AND Name = ? AND NamespaceID IS ?`,
		row.NodeID, row.Name, nsArg(row.NamespaceID)).Scan(&one)
	if err == nil {
		return fmt.Errorf("%w: attribute %d__%s on node %d", ErrConstraint, row.NamespaceID, row.Name, row.NodeID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check attribute: %w", err)
	}
	return t.insertAttribute(ctx, row)
}

// UpsertAttribute has REPLACE INTO semantics. The delete is explicit because
// SQLite does not treat NULL namespaces as equal in the unique index.
func (t *sqliteTx) UpsertAttribute(ctx context.Context, row AttributeRow) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM Attributes WHERE NodeID = ? AND Name = ? AND NamespaceID IS ?`,
		row.NodeID, row.Name, nsArg(row.NamespaceID)); err != nil {
		return fmt.Errorf("failed to replace attribute: %w", err)
	}
	return t.insertAttribute(ctx, row)
}

func (t *sqliteTx) insertAttribute(ctx context.Context, row AttributeRow) error {
	if row.Name == "" {
		return fmt.Errorf("%w: empty attribute name", ErrInvalidRow)
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO Attributes (NodeID, NamespaceID, Name, Value, Properties)
		VALUES (?, ?, ?, ?, ?)`, row.NodeID, nsArg(row.NamespaceID), row.Name, row.Value, row.Properties)
	if err != nil {
		return fmt.Errorf("failed to insert attribute %s: %w", row.Name, classify(err))
	}
	return nil
}

// execOne runs a statement that must touch exactly one row.
func (t *sqliteTx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullAttribute scans the nullable side of a LEFT JOIN on Attributes.
type nullAttribute struct {
	ns    sql.NullInt64
	name  sql.NullString
	value sql.NullString
	props sql.NullString
}

func (a nullAttribute) row(nodeID int64) (bool, AttributeRow) {
	if !a.name.Valid {
		return false, AttributeRow{}
	}
	return true, AttributeRow{
		NodeID:      nodeID,
		NamespaceID: a.ns.Int64,
		Name:        a.name.String,
		Value:       a.value.String,
		Properties:  a.props.String,
	}
}

// classify maps driver constraint failures onto ErrConstraint.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

func nsArg(ns int64) any {
	if ns == 0 {
		return nil
	}
	return ns
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendIDs(args []any, ids []int64) []any {
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}
