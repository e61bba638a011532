package graph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benome/benomedb/pkg/storage"
)

const (
	testUser int64 = 1
	testRoot int64 = 1000
)

var testNow = time.Unix(1_700_000_000, 0)

func testOptions() Options {
	return Options{
		UserID:     testUser,
		RootID:     testRoot,
		Namespaces: []int64{1, 2001},
		Now:        func() time.Time { return testNow },
	}
}

func openStores(t *testing.T) map[string]storage.Store {
	t.Helper()

	sqlStore, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	badgerStore, err := storage.NewBadgerStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	stores := map[string]storage.Store{"sqlite": sqlStore, "badger": badgerStore}
	for _, st := range stores {
		require.NoError(t, st.Init(context.Background()))
	}
	return stores
}

// newRootedGraph returns a loaded graph that already holds the root context.
func newRootedGraph(t *testing.T, st storage.Store, opts Options) *Graph {
	t.Helper()
	g := New(st, opts)
	require.NoError(t, g.Load(context.Background()))
	_, err := g.AddContext(context.Background(), 0, "Root", nil, opts.RootID)
	require.NoError(t, err)
	return g
}

func forEachStore(t *testing.T, fn func(t *testing.T, st storage.Store)) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func requireConsistent(t *testing.T, g *Graph) {
	t.Helper()
	diff, err := g.Verify(context.Background())
	require.NoError(t, err)
	require.Empty(t, diff, "reloaded graph differs from live graph (-store +memory)")
}

func ptr(v int64) *int64 { return &v }

func TestGraph_WorkScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())

		work, err := g.AddContext(ctx, testRoot, "Work", nil, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1001), work.ID)

		T := testNow.Unix()
		p, err := g.AddPoint(ctx, work.ID, Attributes{
			CoreNamespace: {AttrTime: Int(T), AttrDuration: Int(30)},
		}, 0)
		require.NoError(t, err)

		stored, err := g.GetPoint(ctx, p.ID)
		require.NoError(t, err)
		end, ok := stored.Attributes.Int(CoreNamespace, AttrEndTime)
		require.True(t, ok)
		assert.Equal(t, T+30, end)

		points, err := g.GetPoints(ctx, PointQuery{
			AnchorTime: ptr(T + 1),
			EndTime:    ptr(T - 1),
			ContextIDs: []int64{work.ID},
		})
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, p.ID, points[0].ID)
		assert.Equal(t, work.ID, points[0].ContextID)

		require.NoError(t, g.DeleteContext(ctx, work.ID))

		points, err = g.GetPoints(ctx, PointQuery{ContextIDs: []int64{work.ID}})
		require.NoError(t, err)
		assert.Empty(t, points)

		root, _ := g.Root()
		for _, aid := range append(root.Out(), root.In()...) {
			a, ok := g.Association(aid)
			require.True(t, ok)
			assert.NotEqual(t, work.ID, a.SourceID)
			assert.NotEqual(t, work.ID, a.DestID)
		}
		assert.Empty(t, g.Children(testRoot))
		requireConsistent(t, g)
	})
}

func TestGraph_AddContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())

		t.Run("structural_pair", func(t *testing.T) {
			c, err := g.AddContext(ctx, testRoot, "Home", Attributes{
				CoreNamespace: {AttrTargetFrequency: Int(4)},
				2001:          {"Color": String("blue")},
				77:            {"Hidden": String("x")},
			}, 0)
			require.NoError(t, err)

			assert.Equal(t, []int64{testRoot}, g.Parents(c.ID))
			assert.Contains(t, g.Children(testRoot), c.ID)
			assert.Equal(t, testNow.Unix(), c.Timestamp)

			v, ok := c.Attributes.Get(2001, "Color")
			require.True(t, ok)
			assert.Equal(t, "blue", v.Str)
			_, ok = c.Attributes.Get(77, "Hidden")
			assert.False(t, ok, "attributes outside the loaded namespaces are persisted but not mirrored")
			requireConsistent(t, g)
		})

		t.Run("timestamp_and_label_from_attributes", func(t *testing.T) {
			c, err := g.AddContext(ctx, testRoot, "", Attributes{
				CoreNamespace: {AttrLabel: String("Gym"), AttrTimestamp: Int(42)},
			}, 0)
			require.NoError(t, err)
			assert.Equal(t, "Gym", c.Label)
			assert.Equal(t, int64(42), c.Timestamp)
			assert.Zero(t, c.Attributes.Len())
			requireConsistent(t, g)
		})

		t.Run("duplicate_explicit_id", func(t *testing.T) {
			before := g.Len()
			_, err := g.AddContext(ctx, testRoot, "Dup", nil, testRoot)
			assert.ErrorIs(t, err, ErrDuplicateID)
			assert.Equal(t, before, g.Len())
		})

		t.Run("duplicate_id_only_in_store", func(t *testing.T) {
			// A point occupies the id: the graph does not know it, the store does.
			p, err := g.AddPoint(ctx, testRoot, nil, 0)
			require.NoError(t, err)

			before := g.Len()
			_, err = g.AddContext(ctx, testRoot, "Dup", nil, p.ID)
			assert.ErrorIs(t, err, ErrDuplicateID)
			assert.ErrorIs(t, err, storage.ErrDuplicateID)
			assert.Equal(t, before, g.Len())
			requireConsistent(t, g)
		})

		t.Run("missing_parent", func(t *testing.T) {
			_, err := g.AddContext(ctx, 424242, "Orphan", nil, 0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	})
}

func TestGraph_UpdateContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())
		c, err := g.AddContext(ctx, testRoot, "Read", Attributes{
			CoreNamespace: {AttrTargetFrequency: Int(1)},
		}, 0)
		require.NoError(t, err)

		err = g.UpdateContext(ctx, c.ID, Attributes{
			CoreNamespace: {AttrLabel: String("Reading"), AttrTargetFrequency: Int(5), AttrTimestamp: Int(99)},
			2001:          {"Color": String("green")},
		})
		require.NoError(t, err)

		assert.Equal(t, "Reading", c.Label)
		assert.Equal(t, int64(99), c.Timestamp)
		tf, _ := c.Attributes.Int(CoreNamespace, AttrTargetFrequency)
		assert.Equal(t, int64(5), tf)
		_, hasLabelAttr := c.Attributes.Get(CoreNamespace, AttrLabel)
		assert.False(t, hasLabelAttr)
		requireConsistent(t, g)

		t.Run("not_found", func(t *testing.T) {
			err := g.UpdateContext(ctx, 31337, Attributes{CoreNamespace: {"X": Int(1)}})
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("bad_timestamp", func(t *testing.T) {
			err := g.UpdateContext(ctx, c.ID, Attributes{CoreNamespace: {AttrTimestamp: String("soon")}})
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Equal(t, int64(99), c.Timestamp)
		})
	})
}

func TestGraph_DeleteContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())

		a, err := g.AddContext(ctx, testRoot, "A", nil, 0)
		require.NoError(t, err)
		b, err := g.AddContext(ctx, a.ID, "B", nil, 0)
		require.NoError(t, err)
		_, err = g.AddAssociation(ctx, b.ID, testRoot, "related")
		require.NoError(t, err)
		_, err = g.AddAssociation(ctx, testRoot, a.ID, "related")
		require.NoError(t, err)

		require.NoError(t, g.DeleteContext(ctx, a.ID))

		_, ok := g.Context(a.ID)
		assert.False(t, ok)
		for _, assoc := range g.Associations() {
			assert.NotEqual(t, a.ID, assoc.SourceID)
			assert.NotEqual(t, a.ID, assoc.DestID)
		}
		// b lost its parent, root kept b's non-structural edge.
		assert.Empty(t, g.Parents(b.ID))
		assert.Len(t, g.InEdges(testRoot, "related"), 1)
		requireConsistent(t, g)

		t.Run("not_found", func(t *testing.T) {
			assert.ErrorIs(t, g.DeleteContext(ctx, a.ID), ErrNotFound)
		})

		t.Run("root_is_protected", func(t *testing.T) {
			assert.ErrorIs(t, g.DeleteContext(ctx, testRoot), ErrInvalidArgument)
		})
	})
}

func TestGraph_Associations(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())
		a, err := g.AddContext(ctx, testRoot, "A", nil, 0)
		require.NoError(t, err)

		assoc, err := g.AddAssociation(ctx, a.ID, testRoot, "next")
		require.NoError(t, err)
		assert.Equal(t, "1001|next|1000", assoc.RecordID())
		assert.Equal(t, []string{"next", "up"}, g.OutKeys(a.ID))

		t.Run("duplicate", func(t *testing.T) {
			_, err := g.AddAssociation(ctx, a.ID, testRoot, "next")
			assert.ErrorIs(t, err, storage.ErrConstraint)
		})

		t.Run("remove", func(t *testing.T) {
			require.NoError(t, g.RemoveAssociation(ctx, a.ID, testRoot, "next"))
			_, ok := g.Association(assoc.ID)
			assert.False(t, ok)
			assert.ErrorIs(t, g.RemoveAssociation(ctx, a.ID, testRoot, "next"), ErrNotFound)
			requireConsistent(t, g)
		})

		t.Run("permissive_missing_endpoint", func(t *testing.T) {
			x, err := g.AddAssociation(ctx, a.ID, 999999, "ghost")
			require.NoError(t, err)
			_, ok := g.Association(x.ID)
			assert.False(t, ok, "edge is persisted but not mirrored")
			requireConsistent(t, g)
		})

		t.Run("empty_key", func(t *testing.T) {
			_, err := g.AddAssociation(ctx, a.ID, testRoot, "")
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	})
}

func TestGraph_StrictAssociations(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		opts := testOptions()
		opts.StrictAssociations = true
		g := newRootedGraph(t, st, opts)

		_, err := g.AddAssociation(ctx, testRoot, 999999, "ghost")
		assert.ErrorIs(t, err, ErrMissingEndpoint)

		// Write a dangling edge behind the graph's back.
		require.NoError(t, st.Update(ctx, func(tx storage.Tx) error {
			_, err := tx.InsertAssociation(ctx, storage.AssociationRow{
				UserID: testUser, SourceID: testRoot, DestID: 999999, Key: "ghost",
			})
			return err
		}))

		strict := New(st, opts)
		assert.ErrorIs(t, strict.Load(ctx), ErrMissingEndpoint)

		permissive := New(st, testOptions())
		require.NoError(t, permissive.Load(ctx))
		assert.Empty(t, permissive.Associations())
		_, ok := permissive.Root()
		assert.True(t, ok)
	})
}

func TestGraph_LeafInterior(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())

		a, err := g.AddContext(ctx, testRoot, "A", nil, 0)
		require.NoError(t, err)
		b, err := g.AddContext(ctx, a.ID, "B", nil, 0)
		require.NoError(t, err)
		c, err := g.AddContext(ctx, testRoot, "C", nil, 0)
		require.NoError(t, err)
		_, err = g.AddAssociation(ctx, c.ID, b.ID, "see-also")
		require.NoError(t, err)

		for _, id := range g.ContextIDs() {
			assert.Equal(t, !g.IsInterior(id), g.IsLeaf(id), "context %d", id)
		}
		assert.Equal(t, []int64{testRoot, a.ID}, g.Interior())
		assert.Equal(t, []int64{b.ID, c.ID}, g.Leaves())
		assert.Equal(t, []int64{a.ID, b.ID, c.ID}, g.Descendants(testRoot))

		found, ok := g.ContextByLabel(a.ID, "B")
		require.True(t, ok)
		assert.Equal(t, b.ID, found.ID)
	})
}

func TestGraph_LoadRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())

		var ids []int64
		parent := testRoot
		for i := 0; i < 6; i++ {
			c, err := g.AddContext(ctx, parent, "n", Attributes{
				CoreNamespace:   {AttrTargetFrequency: Float(1.5)},
				2001:            {"Tags": JSON([]byte(`["a","b"]`))},
				GlobalNamespace: {"Shared": Int(int64(i))},
			}, 0)
			require.NoError(t, err)
			ids = append(ids, c.ID)
			requireConsistent(t, g)
			if i%2 == 1 {
				parent = c.ID
			}
		}

		_, err := g.AddAssociation(ctx, ids[0], ids[5], "link")
		require.NoError(t, err)
		requireConsistent(t, g)

		require.NoError(t, g.DeleteContext(ctx, ids[3]))
		requireConsistent(t, g)

		require.NoError(t, g.RemoveAssociation(ctx, ids[0], ids[5], "link"))
		requireConsistent(t, g)

		require.NoError(t, g.UpdateContext(ctx, ids[1], Attributes{2001: {"Tags": String("none")}}))
		requireConsistent(t, g)
	})
}

func TestGraph_ReadOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, st storage.Store) {
		ctx := context.Background()
		g := newRootedGraph(t, st, testOptions())
		p, err := PruneToRoot(g, testRoot)
		require.NoError(t, err)

		_, err = p.AddContext(ctx, testRoot, "x", nil, 0)
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.ErrorIs(t, p.UpdateContext(ctx, testRoot, nil), ErrReadOnly)
		assert.ErrorIs(t, p.DeleteContext(ctx, testRoot), ErrReadOnly)
		_, err = p.AddAssociation(ctx, testRoot, testRoot, "self")
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.ErrorIs(t, p.RemoveAssociation(ctx, testRoot, testRoot, "self"), ErrReadOnly)
		_, err = p.AddPoint(ctx, testRoot, nil, 0)
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.ErrorIs(t, p.Load(ctx), ErrReadOnly)
	})
}
