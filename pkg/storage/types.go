// Package storage provides the relational storage layer for benomedb.
//
// The store persists three logical tables for every user:
//
//	Nodes(ID pk, UserID, Type ∈ {Context, Point}, Label, TimeStamp)
//	Attributes(ID pk, NodeID, NamespaceID default 1, Name, Value, Properties)
//	Associations(ID pk, UserID, NamespaceID default 1, SourceID, DestID, Key)
//
// Attributes are unique on (NodeID, Name, NamespaceID) so that upserts can
// replace a value in place, and Associations are unique on
// (UserID, NamespaceID, SourceID, DestID, Key).
//
// Two implementations are provided:
//   - SQLStore: SQLite through database/sql (modernc.org/sqlite, no cgo)
//   - BadgerStore: the same tables emulated on BadgerDB with prefixed keys
//
// Example Usage:
//
//	st, err := storage.OpenSQLite("./data/sql.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
//
//	if err := st.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	err = st.Update(ctx, func(tx storage.Tx) error {
//		id, err := tx.InsertNode(ctx, storage.NodeRow{
//			UserID: 1,
//			Type:   storage.NodeContext,
//			Label:  "Work",
//		})
//		if err != nil {
//			return err
//		}
//		_, err = tx.InsertAssociation(ctx, storage.AssociationRow{
//			UserID: 1, SourceID: id, DestID: 1000, Key: "up",
//		})
//		return err
//	})
//
// The store itself is safe for concurrent use, but benomedb only ever touches
// it from the command queue worker.
package storage

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicateID = errors.New("duplicate id")
	ErrConstraint  = errors.New("constraint violation")
	ErrClosed      = errors.New("store closed")
	ErrInvalidRow  = errors.New("invalid row")
)

// NodeType is the discriminator stored in Nodes.Type.
type NodeType string

const (
	NodeContext NodeType = "Context"
	NodePoint   NodeType = "Point"
)

// DefaultNamespace is the namespace used when a row does not name one.
const DefaultNamespace int64 = 1

// NodeRow is one row of the Nodes table.
type NodeRow struct {
	ID        int64    `json:"id"`
	UserID    int64    `json:"userId"`
	Type      NodeType `json:"type"`
	Label     string   `json:"label"`
	Timestamp int64    `json:"timestamp"`
}

// AttributeRow is one row of the Attributes table.
//
// NamespaceID 0 stands for a NULL namespace (a global attribute). Properties
// carries the value kind tag written by the graph layer.
type AttributeRow struct {
	NodeID      int64  `json:"nodeId"`
	NamespaceID int64  `json:"namespaceId"`
	Name        string `json:"name"`
	Value       string `json:"value"`
	Properties  string `json:"properties"`
}

// AssociationRow is one row of the Associations table.
type AssociationRow struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"userId"`
	NamespaceID int64  `json:"namespaceId"`
	SourceID    int64  `json:"sourceId"`
	DestID      int64  `json:"destId"`
	Key         string `json:"key"`
}

// ContextRow is a context node joined with one of its attribute rows.
//
// A context with no attributes yields a single row with HasAttribute false.
type ContextRow struct {
	Node         NodeRow
	HasAttribute bool
	Attribute    AttributeRow
}

// PointRow is a point node joined with the destination of its "up"
// association and one of its attribute rows.
type PointRow struct {
	NodeID       int64
	Timestamp    int64
	ContextID    int64
	HasAttribute bool
	Attribute    AttributeRow
}

// PointFilter narrows a point query.
//
// AnchorTime and EndTime bound the node timestamp inclusively when non-nil:
// EndTime <= TimeStamp <= AnchorTime. Empty ContextIDs and Namespaces mean
// "no restriction". Namespace restriction always admits global attributes.
type PointFilter struct {
	UserID     int64
	PointID    int64
	AnchorTime *int64
	EndTime    *int64
	ContextIDs []int64
	Namespaces []int64
}

// Stats holds row counts for one user.
type Stats struct {
	Contexts     int64
	Points       int64
	Attributes   int64
	Associations int64
}

// Tx is a read-write transaction. Every write made through a Tx is
// discarded if the function passed to Store.Update returns an error.
type Tx interface {
	// InsertNode inserts a node. A zero ID is auto-assigned (max id + 1).
	// Returns ErrDuplicateID if an explicit id already exists.
	InsertNode(ctx context.Context, row NodeRow) (int64, error)
	SetNodeLabel(ctx context.Context, id int64, label string) error
	SetNodeTimestamp(ctx context.Context, id int64, ts int64) error
	// DeleteNode deletes a node of the given type owned by userID, together
	// with its attributes and every association referencing it. Returns
	// ErrNotFound when no such node exists.
	DeleteNode(ctx context.Context, userID, id int64, typ NodeType) error

	InsertAssociation(ctx context.Context, row AssociationRow) (int64, error)
	FindAssociation(ctx context.Context, userID, namespaceID, sourceID, destID int64, key string) (int64, error)
	DeleteAssociation(ctx context.Context, userID, id int64) error

	InsertAttribute(ctx context.Context, row AttributeRow) error
	UpsertAttribute(ctx context.Context, row AttributeRow) error
}

// Store is the relational store interface.
type Store interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error

	// Update runs fn in a single atomic transaction.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// ContextRows returns every context node of the user joined with its
	// attributes restricted to the namespace set (plus global attributes).
	ContextRows(ctx context.Context, userID int64, namespaces []int64) ([]ContextRow, error)

	// AssociationRows returns every association of the user whose source is
	// one of sourceIDs.
	AssociationRows(ctx context.Context, userID int64, sourceIDs []int64) ([]AssociationRow, error)

	// AllAssociationRows returns every association of the user.
	AllAssociationRows(ctx context.Context, userID int64) ([]AssociationRow, error)

	// PointRows returns joined point rows matching the filter.
	PointRows(ctx context.Context, filter PointFilter) ([]PointRow, error)

	// Node returns a single node row.
	Node(ctx context.Context, id int64) (NodeRow, error)

	// Attributes returns every attribute row of a node.
	Attributes(ctx context.Context, nodeID int64) ([]AttributeRow, error)

	// MaxNodeID returns the largest node id in the store, 0 when empty.
	MaxNodeID(ctx context.Context) (int64, error)

	Stats(ctx context.Context, userID int64) (Stats, error)

	Close() error
}

func namespaceAllowed(ns int64, namespaces []int64) bool {
	if len(namespaces) == 0 || ns == 0 {
		return true
	}
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
