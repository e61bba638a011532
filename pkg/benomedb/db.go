// Package benomedb wires one user's BenomeDB together: the relational store,
// the in-memory graph, the id allocator, the point query cache, the command
// history and the single-writer command queue.
//
// Every read and write of the graph runs on the queue worker. Callers only
// ever submit named commands:
//
//	cfg := config.LoadFromEnv()
//	db, err := benomedb.Open(ctx, cfg, log)
//	if err != nil {
//		return err
//	}
//	defer db.Close(ctx)
//
//	rec, err := db.Exec(ctx, commands.AddContext, map[string]any{
//		"parent_id": 1000,
//		"label":     "Work",
//	})
//
// Besides the data commands of pkg/commands the queue carries the lifecycle
// commands defined here: init, shutdown, init-structure, import-structure
// and verify.
package benomedb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/cache"
	"github.com/benome/benomedb/pkg/commands"
	"github.com/benome/benomedb/pkg/config"
	"github.com/benome/benomedb/pkg/graph"
	"github.com/benome/benomedb/pkg/journal"
	"github.com/benome/benomedb/pkg/logging"
	"github.com/benome/benomedb/pkg/queue"
	"github.com/benome/benomedb/pkg/storage"
)

// DB is an open BenomeDB instance for one user.
type DB struct {
	cfg *config.Config
	log *zap.Logger

	store   storage.Store
	graph   *graph.Graph
	ids     *graph.IDAllocator
	cache   *cache.QueryCache
	journal *journal.Journal
	queue   *queue.Queue

	mu     sync.Mutex
	closed bool
}

// Open opens the configured store, starts the command queue and loads the
// graph through the init command. A nil cfg is read from the environment, a
// nil log discards everything.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db := &DB{cfg: cfg, log: log, store: st}

	gopts := graph.Options{
		UserID:             cfg.UserID,
		RootID:             cfg.Graph.RootContextID,
		Namespaces:         cfg.Graph.Namespaces,
		StrictAssociations: cfg.Graph.StrictAssociations,
		Logger:             log.Named("graph"),
	}
	if cfg.Cache.Enabled {
		db.cache = cache.NewQueryCache(cfg.Cache.Size, cfg.Cache.TTL)
		gopts.Cache = db.cache
	}
	db.graph = graph.New(st, gopts)
	db.ids = graph.NewIDAllocator(db.graph, cfg.Graph.IDSanityFloor, cfg.Graph.IDBlockSize)

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Options{Path: cfg.JournalFile(), Sync: cfg.Journal.Sync})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		db.journal = j
	}

	db.queue = queue.New(queue.Options{
		Capacity: cfg.Queue.Capacity,
		Timeout:  cfg.Queue.CommandTimeout,
		Logger:   log.Named("queue"),
	}, commands.Bundle(&commands.Deps{
		Graph: db.graph,
		IDs:   db.ids,
		Log:   log.Named("commands"),
	}), db.lifecycle())

	if db.journal != nil {
		if err := db.queue.Observe(db.record); err != nil {
			db.abort()
			return nil, err
		}
	}
	if err := db.queue.Begin(); err != nil {
		db.abort()
		return nil, err
	}

	if _, err := db.queue.Exec(ctx, CmdInit, nil); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}

	log.Info("benomedb opened",
		zap.Int64("user_id", cfg.UserID),
		zap.String("backend", cfg.Storage.Backend),
		zap.Int64("root_context_id", cfg.Graph.RootContextID))
	return db, nil
}

func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendBadger:
		st, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
			DataDir:    cfg.BadgerDir(),
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logging.NewBadgerLogger(log),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent storage: %w", err)
		}
		return st, nil
	default:
		st, err := storage.OpenSQLite(cfg.SQLiteFile())
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent storage: %w", err)
		}
		return st, nil
	}
}

// abort releases what Open acquired before the worker started.
func (db *DB) abort() {
	_ = db.queue.Stop(context.Background())
	if db.journal != nil {
		_ = db.journal.Close()
	}
	_ = db.store.Close()
}

// record appends successful mutating commands to the journal.
func (db *DB) record(c queue.Completion) {
	if !c.Mutates || c.Err != nil {
		return
	}
	if _, err := db.journal.Append(c.RequestID, c.Command, c.Args); err != nil {
		db.log.Error("failed to journal command",
			zap.String("command", c.Command),
			zap.String("request_id", c.RequestID),
			zap.Error(err))
	}
}

// Exec runs a command and waits for its result with the configured timeout.
func (db *DB) Exec(ctx context.Context, name string, args map[string]any) (any, error) {
	return db.queue.Exec(ctx, name, args)
}

// Submit enqueues a command without waiting. The channel receives exactly
// one Result.
func (db *DB) Submit(requestID, name string, args map[string]any) (<-chan queue.Result, error) {
	if requestID == "" {
		return db.queue.Add(name, args)
	}
	return db.queue.AddWithID(requestID, name, args)
}

// Await waits for a submitted command. A zero timeout uses the configured
// command timeout. Timing out does not cancel the command.
func (db *DB) Await(ctx context.Context, ch <-chan queue.Result, timeout time.Duration) (any, error) {
	return db.queue.Await(ctx, ch, timeout)
}

// Has reports whether name is a registered command.
func (db *DB) Has(name string) bool { return db.queue.Has(name) }

// Config returns the configuration the DB was opened with.
func (db *DB) Config() *config.Config { return db.cfg }

// Verify reloads the graph from the store on the worker and returns a diff
// against the live graph. An empty diff means the two agree.
func (db *DB) Verify(ctx context.Context) (string, error) {
	v, err := db.queue.Exec(ctx, CmdVerify, nil)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Stats reports on every component.
type Stats struct {
	Queue   queue.Stats       `json:"queue"`
	Store   storage.Stats     `json:"store"`
	Cache   *cache.CacheStats `json:"cache,omitempty"`
	Journal *journal.Stats    `json:"journal,omitempty"`
}

// Stats collects component statistics. Store counts are read directly; the
// store is safe for concurrent readers.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Queue: db.queue.Stats()}
	st, err := db.store.Stats(ctx, db.cfg.UserID)
	if err != nil {
		return s, fmt.Errorf("store stats: %w", err)
	}
	s.Store = st
	if db.cache != nil {
		cs := db.cache.Stats()
		s.Cache = &cs
	}
	if db.journal != nil {
		js := db.journal.Stats()
		s.Journal = &js
	}
	return s, nil
}

// Close drains the queue through the shutdown command, then closes the
// journal and the store. It is safe to call more than once.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if db.queue.State() == queue.StateRunning {
		if _, err := db.queue.Exec(ctx, CmdShutdown, nil); err != nil && !errors.Is(err, queue.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("shutdown: %w", err))
		}
	}
	if err := db.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue stop: %w", err))
	}

	if db.journal != nil {
		if err := db.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	db.log.Info("benomedb closed", zap.Uint64("processed", db.queue.Stats().Processed))
	return errors.Join(errs...)
}
