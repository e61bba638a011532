package graph

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Snapshot is a comparable, pointer-free view of a Graph. Two graphs with
// equal snapshots hold the same contexts, attributes and edges.
type Snapshot struct {
	Contexts     map[int64]ContextSnapshot
	Associations map[int64]AssociationSnapshot
}

// ContextSnapshot captures one context. Attributes are flattened and encoded.
type ContextSnapshot struct {
	Label      string
	Timestamp  int64
	Attributes map[string]string
	Out        []int64
	In         []int64
}

// AssociationSnapshot captures one association.
type AssociationSnapshot struct {
	SourceID int64
	DestID   int64
	Key      string
}

// Snapshot captures the current state of g.
func (g *Graph) Snapshot() Snapshot {
	s := Snapshot{
		Contexts:     make(map[int64]ContextSnapshot, len(g.contexts)),
		Associations: make(map[int64]AssociationSnapshot, len(g.associations)),
	}
	for id, c := range g.contexts {
		attrs := make(map[string]string, c.Attributes.Len())
		for ns, m := range c.Attributes {
			for name, v := range m {
				value, kind := v.Encode()
				attrs[FlatKey(ns, name)+":"+kind] = value
			}
		}
		s.Contexts[id] = ContextSnapshot{
			Label:      c.Label,
			Timestamp:  c.Timestamp,
			Attributes: attrs,
			Out:        c.Out(),
			In:         c.In(),
		}
	}
	for id, a := range g.associations {
		s.Associations[id] = AssociationSnapshot{SourceID: a.SourceID, DestID: a.DestID, Key: a.Key}
	}
	return s
}

// Diff returns a human-readable difference between two snapshots, or ""
// when they are equal. Empty and nil collections compare equal.
func Diff(want, got Snapshot) string {
	return cmp.Diff(want, got, cmpopts.EquateEmpty())
}

// Verify loads a fresh copy of g from its store and diffs it against g. An
// empty string means memory and store agree.
func (g *Graph) Verify(ctx context.Context) (string, error) {
	if g.readOnly {
		return "", ErrReadOnly
	}
	fresh := New(g.store, Options{
		UserID:     g.userID,
		RootID:     g.rootID,
		Namespaces: g.namespaces,
		Now:        g.now,
	})
	if err := fresh.Load(ctx); err != nil {
		return "", err
	}
	return Diff(fresh.Snapshot(), g.Snapshot()), nil
}
