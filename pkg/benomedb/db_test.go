package benomedb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benome/benomedb/pkg/commands"
	"github.com/benome/benomedb/pkg/config"
	"github.com/benome/benomedb/pkg/graph"
	"github.com/benome/benomedb/pkg/journal"
	"github.com/benome/benomedb/pkg/queue"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.LoadFromEnv()
	cfg.UserID = 1
	cfg.Storage.Backend = backend
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.SQLitePath = ""
	cfg.Graph.RootContextID = 1000
	cfg.Graph.Namespaces = []int64{1, 2001}
	cfg.Graph.IDSanityFloor = 3000
	cfg.Graph.IDBlockSize = 1000
	cfg.Queue.Capacity = 64
	cfg.Queue.CommandTimeout = 10 * time.Second
	cfg.Journal.Enabled = true
	cfg.Journal.Path = ""
	cfg.Cache.Enabled = true
	cfg.Cache.Size = 16
	cfg.Cache.TTL = time.Minute
	return cfg
}

func openDB(t *testing.T, cfg *config.Config) *DB {
	t.Helper()
	db, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func forEachBackend(t *testing.T, fn func(t *testing.T, cfg *config.Config)) {
	for _, backend := range []string{config.BackendSQLite, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			fn(t, testConfig(t, backend))
		})
	}
}

func exec(t *testing.T, db *DB, name string, args map[string]any) any {
	t.Helper()
	v, err := db.Exec(context.Background(), name, args)
	require.NoError(t, err, name)
	return v
}

func labels(records []map[string]any) map[int64]string {
	out := make(map[int64]string, len(records))
	for _, r := range records {
		out[r["ID"].(int64)] = r["1__Label"].(string)
	}
	return out
}

func TestDB_InitStructure(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cfg *config.Config) {
		db := openDB(t, cfg)

		res := exec(t, db, CmdInitStructure, map[string]any{"apps": []any{"Behave"}}).(map[string]any)
		assert.Equal(t, int64(1000), res["root_context_id"])
		assert.Equal(t, int64(1004), res["user_root_id"])
		assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004, 1005, 2001, 2002, 2003}, res["created"])

		all := exec(t, db, commands.GetContexts, nil).([]map[string]any)
		assert.Equal(t, map[int64]string{
			1000: "Root",
			1001: "UI",
			1002: "Prefs",
			1003: "Apps",
			1004: "",
			1005: "State",
			2001: "Global",
			2002: "Behave",
			2003: "Bonuses",
		}, labels(all))

		apps := exec(t, db, commands.GetContexts, map[string]any{
			"root_context_id": 1003,
			"include_assoc":   true,
		}).([]map[string]any)
		require.Len(t, apps, 4)
		assert.Equal(t, []int64{2001, 2002}, apps[0]["DownAssoc"])

		assert.Equal(t, int64(2003), exec(t, db, commands.GetLastID, nil))

		t.Run("idempotent", func(t *testing.T) {
			res := exec(t, db, CmdInitStructure, map[string]any{"apps": "Behave"}).(map[string]any)
			assert.Empty(t, res["created"])
			assert.Len(t, exec(t, db, commands.GetContexts, nil), 9)
		})

		t.Run("unknown app", func(t *testing.T) {
			_, err := db.Exec(context.Background(), CmdInitStructure, map[string]any{"apps": []any{"Solitaire"}})
			assert.ErrorIs(t, err, graph.ErrInvalidArgument)
		})

		diff, err := db.Verify(context.Background())
		require.NoError(t, err)
		assert.Empty(t, diff)
	})
}

func TestDB_InitStructureCompletesPartialBootstrap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cfg *config.Config) {
		db := openDB(t, cfg)

		// Only the root made it to the store.
		exec(t, db, commands.AddContext, map[string]any{"label": "Root", "new_context_id": 1000})

		res := exec(t, db, CmdInitStructure, nil).(map[string]any)
		assert.Equal(t, []int64{1001, 1002, 1003, 1004, 1005, 2001}, res["created"])
		assert.Equal(t, int64(2001), exec(t, db, commands.GetLastID, nil))

		all := exec(t, db, commands.GetContexts, nil).([]map[string]any)
		assert.Equal(t, "Global", labels(all)[2001])
		assert.Equal(t, "Apps", labels(all)[1003])

		res = exec(t, db, CmdInitStructure, nil).(map[string]any)
		assert.Empty(t, res["created"])

		diff, err := db.Verify(context.Background())
		require.NoError(t, err)
		assert.Empty(t, diff)
	})
}

func TestDB_ImportStructure(t *testing.T) {
	db := openDB(t, testConfig(t, config.BackendSQLite))
	ctx := context.Background()
	exec(t, db, CmdInitStructure, nil)

	tree, err := ParseStructure([]byte(`{
		"label": "Life",
		"TargetFrequency": 86400,
		"children": [
			{"label": "Work", "children": [{"label": "Email"}]},
			{"label": "Play"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, 4, tree.Count())

	res := exec(t, db, CmdImportStructure, map[string]any{"structure": tree}).(map[string]any)
	lifeID := res["root_id"].(int64)
	assert.Equal(t, 4, res["created"])
	assert.Equal(t, int64(2002), lifeID, "ids continue after the Global app")

	life := exec(t, db, commands.GetContexts, map[string]any{
		"context_ids":   lifeID,
		"include_assoc": true,
	}).([]map[string]any)
	require.Len(t, life, 1)
	assert.Equal(t, "Life", life[0]["1__Label"])
	assert.Equal(t, int64(86400), life[0]["1__TargetFrequency"])
	assert.Equal(t, []int64{1004}, life[0]["UpAssoc"], "default parent is the user root")

	sub := exec(t, db, commands.GetContexts, map[string]any{"root_context_id": lifeID}).([]map[string]any)
	assert.ElementsMatch(t, []string{"Life", "Work", "Email", "Play"}, values(labels(sub)))

	t.Run("replace root from yaml", func(t *testing.T) {
		yamlTree, err := ParseStructure([]byte("label: Interface\nchildren:\n  - label: Panel\n    TargetFrequency: 3600\n"))
		require.NoError(t, err)

		// The map form is what arrives from a decoded request.
		var decoded map[string]any
		raw, _ := json.Marshal(yamlTree)
		require.NoError(t, json.Unmarshal(raw, &decoded))

		res := exec(t, db, CmdImportStructure, map[string]any{
			"parent_id":    "UI",
			"replace_root": true,
			"structure":    decoded,
		}).(map[string]any)
		assert.Equal(t, int64(1001), res["root_id"])
		assert.Equal(t, 1, res["created"])

		ui := exec(t, db, commands.GetContexts, map[string]any{"root_context_id": 1001}).([]map[string]any)
		require.Len(t, ui, 2)
		assert.Equal(t, "Interface", ui[0]["1__Label"])
		assert.Equal(t, "Panel", ui[1]["1__Label"])
		assert.Equal(t, int64(3600), ui[1]["1__TargetFrequency"])
	})

	t.Run("errors", func(t *testing.T) {
		_, err := db.Exec(ctx, CmdImportStructure, map[string]any{"parent_id": "Nowhere", "structure": tree})
		assert.ErrorIs(t, err, graph.ErrInvalidArgument)
		_, err = db.Exec(ctx, CmdImportStructure, map[string]any{"parent_id": 424242, "structure": tree})
		assert.ErrorIs(t, err, graph.ErrNotFound)
		_, err = db.Exec(ctx, CmdImportStructure, map[string]any{})
		assert.ErrorIs(t, err, graph.ErrInvalidArgument)
	})

	diff, err := db.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func values(m map[int64]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestDB_Journal(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	db, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	exec(t, db, CmdInitStructure, nil)
	exec(t, db, commands.GetContexts, nil)
	_, err = db.Exec(ctx, commands.DeleteContext, map[string]any{"context_id": 424242})
	require.Error(t, err)

	ch, err := db.Submit("req-42", commands.AddContext, map[string]any{"parent_id": 1004, "label": "Work"})
	require.NoError(t, err)
	_, err = db.Await(ctx, ch, 0)
	require.NoError(t, err)

	require.NoError(t, db.Close(ctx))

	entries, skipped, err := journal.ReadEntries(cfg.JournalFile())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, entries, 2, "reads and failed commands are not journaled")

	assert.Equal(t, CmdInitStructure, entries[0].Command)
	assert.Equal(t, commands.AddContext, entries[1].Command)
	assert.Equal(t, "req-42", entries[1].RequestID)
	assert.Equal(t, uint64(2), entries[1].Sequence)
	require.NoError(t, entries[1].Verify())

	var args map[string]any
	require.NoError(t, json.Unmarshal(entries[1].Args, &args))
	assert.Equal(t, "Work", args["label"])
}

func TestDB_Reopen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, cfg *config.Config) {
		ctx := context.Background()
		db, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		exec(t, db, CmdInitStructure, nil)
		rec := exec(t, db, commands.AddContext, map[string]any{"parent_id": 1004, "label": "Work"}).(map[string]any)
		require.NoError(t, db.Close(ctx))

		db = openDB(t, cfg)
		got := exec(t, db, commands.GetContexts, map[string]any{"context_ids": rec["ID"]}).([]map[string]any)
		require.Len(t, got, 1)
		assert.Equal(t, "Work", got[0]["1__Label"])

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		require.NotNil(t, stats.Journal)
		assert.Equal(t, uint64(2), stats.Journal.Sequence, "sequence resumes from the file")
		assert.Equal(t, int64(8), stats.Store.Contexts)
	})
}

func TestDB_StatsAndCache(t *testing.T) {
	db := openDB(t, testConfig(t, config.BackendSQLite))
	ctx := context.Background()
	exec(t, db, CmdInitStructure, nil)

	now := time.Now().Unix()
	exec(t, db, commands.AddPoint, map[string]any{"point_data": map[string]any{
		"1__ContextID": 1004,
		"1__Time":      now - 60,
	}})
	query := map[string]any{"anchor_time": now, "interval": 3600}
	first := exec(t, db, commands.GetPoints, query).([]map[string]any)
	second := exec(t, db, commands.GetPoints, query).([]map[string]any)
	require.Len(t, first, 1)
	assert.Equal(t, first, second)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", stats.Queue.State)
	assert.Equal(t, int64(1), stats.Store.Points)
	require.NotNil(t, stats.Cache)
	assert.Equal(t, uint64(1), stats.Cache.Hits)
	require.NotNil(t, stats.Journal)
	assert.Equal(t, uint64(2), stats.Journal.Sequence)
}

func TestDB_Close(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	cfg.Journal.Enabled = false
	cfg.Cache.Enabled = false
	ctx := context.Background()

	db, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.True(t, db.Has(commands.GetPoints))
	assert.True(t, db.Has(CmdShutdown))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats.Cache)
	assert.Nil(t, stats.Journal)

	require.NoError(t, db.Close(ctx))
	require.NoError(t, db.Close(ctx))

	_, err = db.Exec(ctx, commands.GetRootContextID, nil)
	assert.ErrorIs(t, err, queue.ErrNotRunning)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	cfg.Storage.Backend = "postgres"
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestParseStructure(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		n, err := ParseStructure([]byte(`  {"label": "A", "children": [{"label": "B"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "A", n.Label)
		assert.Equal(t, 2, n.Count())
	})

	t.Run("yaml", func(t *testing.T) {
		n, err := ParseStructure([]byte("label: A\nTargetFrequency: 7\nchildren:\n  - label: B\n  - label: C\n"))
		require.NoError(t, err)
		assert.Equal(t, float64(7), n.TargetFrequency)
		assert.Equal(t, 3, n.Count())
	})

	t.Run("invalid", func(t *testing.T) {
		for _, in := range []string{"", "   ", "{not json", "label: [unclosed"} {
			_, err := ParseStructure([]byte(in))
			assert.ErrorIs(t, err, graph.ErrInvalidArgument, in)
		}
	})
}

func TestWellKnownContextID(t *testing.T) {
	id, ok := WellKnownContextID(1000, "UserRoot")
	assert.True(t, ok)
	assert.Equal(t, int64(1004), id)

	_, ok = WellKnownContextID(1000, "Nowhere")
	assert.False(t, ok)
}
