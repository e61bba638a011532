// Package config handles BenomeDB configuration via environment variables and
// an optional YAML file.
//
// Configuration is loaded from environment variables using LoadFromEnv(). A
// YAML file loaded with LoadFile() is laid over the environment values, so a
// deployment can keep shared defaults in the file and override single values
// per process. Call Validate() before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("/etc/benome/benome.yaml")
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//   - BENOME_USERID=1
//   - BENOME_DATA_DIR="./data"
//   - BENOME_STORE_BACKEND="sqlite" or "badger"
//   - BENOME_SQLITE_PATH (default <data dir>/benome.db)
//   - BENOME_ROOT_CONTEXT_ID=1000
//   - BENOME_NAMESPACES="1,2001"
//   - BENOME_STRICT_ASSOCIATIONS=false
//   - BENOME_ID_SANITY_FLOOR=3000
//   - BENOME_ID_BLOCK_SIZE=1000
//   - BENOME_QUEUE_CAPACITY=1024
//   - BENOME_COMMAND_TIMEOUT=30s
//   - BENOME_JOURNAL_ENABLED=true, BENOME_JOURNAL_SYNC=false
//   - BENOME_CACHE_ENABLED=true, BENOME_CACHE_SIZE=256, BENOME_CACHE_TTL=5m
//   - BENOME_LOG_LEVEL="info", BENOME_LOG_FORMAT="console", BENOME_LOG_FILE=""
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported store backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config holds all BenomeDB configuration.
//
// Configuration is organized into logical sections:
//   - Storage: which relational backend to open and where
//   - Graph: root context, loaded namespaces, id allocation
//   - Queue: command queue sizing and caller timeouts
//   - Journal: command history
//   - Cache: point query cache
//   - Logging: zap logger settings
type Config struct {
	// UserID owns every row this process reads or writes.
	UserID int64 `yaml:"user_id"`

	Storage StorageConfig `yaml:"storage"`
	Graph   GraphConfig   `yaml:"graph"`
	Queue   QueueConfig   `yaml:"queue"`
	Journal JournalConfig `yaml:"journal"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and locates the relational store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	// SQLitePath overrides the database file (":memory:" for tests).
	SQLitePath string `yaml:"sqlite_path"`
	// SyncWrites makes badger fsync every commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// GraphConfig holds graph model settings.
type GraphConfig struct {
	RootContextID int64   `yaml:"root_context_id"`
	Namespaces    []int64 `yaml:"namespaces"`
	// StrictAssociations rejects edges whose endpoints are not loaded
	// instead of persisting them with a warning.
	StrictAssociations bool  `yaml:"strict_associations"`
	IDSanityFloor      int64 `yaml:"id_sanity_floor"`
	IDBlockSize        int64 `yaml:"id_block_size"`
}

// QueueConfig holds command queue settings.
type QueueConfig struct {
	Capacity       int           `yaml:"capacity"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// JournalConfig holds command history settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Sync fsyncs after every entry.
	Sync bool `yaml:"sync"`
}

// CacheConfig holds point query cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
	// Output (stdout, stderr)
	Output string `yaml:"output"`
	// File, when set, receives a rotated JSON copy of every entry.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadFromEnv loads configuration from environment variables.
//
// All values have defaults, so LoadFromEnv can be called with an empty
// environment. Unparseable values fall back to their defaults.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.UserID = getEnvInt64("BENOME_USERID", 1)

	cfg.Storage.Backend = strings.ToLower(getEnv("BENOME_STORE_BACKEND", BackendSQLite))
	cfg.Storage.DataDir = getEnv("BENOME_DATA_DIR", "./data")
	cfg.Storage.SQLitePath = getEnv("BENOME_SQLITE_PATH", "")
	cfg.Storage.SyncWrites = getEnvBool("BENOME_SYNC_WRITES", false)

	cfg.Graph.RootContextID = getEnvInt64("BENOME_ROOT_CONTEXT_ID", 1000)
	cfg.Graph.Namespaces = getEnvInt64Slice("BENOME_NAMESPACES", []int64{1, 2001})
	cfg.Graph.StrictAssociations = getEnvBool("BENOME_STRICT_ASSOCIATIONS", false)
	cfg.Graph.IDSanityFloor = getEnvInt64("BENOME_ID_SANITY_FLOOR", 3000)
	cfg.Graph.IDBlockSize = getEnvInt64("BENOME_ID_BLOCK_SIZE", 1000)

	cfg.Queue.Capacity = getEnvInt("BENOME_QUEUE_CAPACITY", 1024)
	cfg.Queue.CommandTimeout = getEnvDuration("BENOME_COMMAND_TIMEOUT", 30*time.Second)

	cfg.Journal.Enabled = getEnvBool("BENOME_JOURNAL_ENABLED", true)
	cfg.Journal.Path = getEnv("BENOME_JOURNAL_PATH", "")
	cfg.Journal.Sync = getEnvBool("BENOME_JOURNAL_SYNC", false)

	cfg.Cache.Enabled = getEnvBool("BENOME_CACHE_ENABLED", true)
	cfg.Cache.Size = getEnvInt("BENOME_CACHE_SIZE", 256)
	cfg.Cache.TTL = getEnvDuration("BENOME_CACHE_TTL", 5*time.Minute)

	cfg.Logging.Level = strings.ToLower(getEnv("BENOME_LOG_LEVEL", "info"))
	cfg.Logging.Format = strings.ToLower(getEnv("BENOME_LOG_FORMAT", "console"))
	cfg.Logging.Output = getEnv("BENOME_LOG_OUTPUT", "stderr")
	cfg.Logging.File = getEnv("BENOME_LOG_FILE", "")
	cfg.Logging.MaxSizeMB = getEnvInt("BENOME_LOG_MAX_SIZE_MB", 100)
	cfg.Logging.MaxBackups = getEnvInt("BENOME_LOG_MAX_BACKUPS", 3)
	cfg.Logging.MaxAgeDays = getEnvInt("BENOME_LOG_MAX_AGE_DAYS", 28)

	return cfg
}

// LoadFile loads the environment configuration and overlays the YAML document
// at path. Keys missing from the file keep their environment values.
func LoadFile(path string) (*Config, error) {
	cfg := LoadFromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	return cfg, nil
}

// Validate checks the configuration for logical errors and invalid values.
func (c *Config) Validate() error {
	if c.UserID <= 0 {
		return fmt.Errorf("invalid user id: %d", c.UserID)
	}

	switch c.Storage.Backend {
	case BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.Storage.Backend, BackendSQLite, BackendBadger)
	}
	if c.Storage.DataDir == "" && c.Storage.SQLitePath != ":memory:" {
		return fmt.Errorf("data dir is required")
	}

	if c.Graph.RootContextID <= 0 {
		return fmt.Errorf("invalid root context id: %d", c.Graph.RootContextID)
	}
	hasCore := false
	for _, ns := range c.Graph.Namespaces {
		if ns < 0 {
			return fmt.Errorf("invalid namespace: %d", ns)
		}
		if ns == 1 {
			hasCore = true
		}
	}
	if !hasCore {
		return fmt.Errorf("namespaces %v must include the core namespace 1", c.Graph.Namespaces)
	}
	if c.Graph.IDBlockSize <= 0 {
		return fmt.Errorf("invalid id block size: %d", c.Graph.IDBlockSize)
	}
	if c.Graph.IDSanityFloor < 0 {
		return fmt.Errorf("invalid id sanity floor: %d", c.Graph.IDSanityFloor)
	}

	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("invalid queue capacity: %d", c.Queue.Capacity)
	}
	if c.Queue.CommandTimeout <= 0 {
		return fmt.Errorf("invalid command timeout: %s", c.Queue.CommandTimeout)
	}

	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("invalid cache size: %d", c.Cache.Size)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	return nil
}

// SQLiteFile returns the SQLite database path.
func (c *Config) SQLiteFile() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Storage.DataDir, "benome.db")
}

// BadgerDir returns the badger data directory.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.Storage.DataDir, "badger")
}

// JournalFile returns the command history path.
func (c *Config) JournalFile() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.Storage.DataDir, "journal.log")
}

// String returns a representation of the Config suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{User: %d, Backend: %s, DataDir: %s, Root: %d, Namespaces: %v, Strict: %v, Queue: %d/%s, Journal: %v, Cache: %v}",
		c.UserID,
		c.Storage.Backend, c.Storage.DataDir,
		c.Graph.RootContextID, c.Graph.Namespaces, c.Graph.StrictAssociations,
		c.Queue.Capacity, c.Queue.CommandTimeout,
		c.Journal.Enabled, c.Cache.Enabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// getEnvInt64Slice parses a comma-separated list. Any bad element discards
// the whole value.
func getEnvInt64Slice(key string, defaultVal []int64) []int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []int64
	for _, p := range strings.Split(val, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return defaultVal
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
