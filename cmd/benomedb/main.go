// Package main provides the BenomeDB CLI entry point.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/benomedb"
	"github.com/benome/benomedb/pkg/config"
	"github.com/benome/benomedb/pkg/journal"
	"github.com/benome/benomedb/pkg/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "benomedb",
		Short: "BenomeDB - per-user context graph and point store",
		Long: `BenomeDB keeps one user's tree of contexts and the timestamped points
recorded against them. Every read and write goes through a single-writer
command queue in front of a relational store (SQLite or Badger).`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file laid over BENOME_* environment values")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("backend", "", "Store backend: sqlite or badger (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("BenomeDB v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the root structure and install apps",
		RunE:  runInit,
	}
	initCmd.Flags().StringSlice("apps", nil, "Apps to install besides Global (e.g. Behave)")
	rootCmd.AddCommand(initCmd)

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a JSON or YAML context tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().String("parent", "UserRoot", "Parent context id or well-known name (Root, UI, Prefs, Apps, UserRoot, State)")
	importCmd.Flags().Bool("replace-root", false, "Relabel the parent with the tree's top node instead of adding it as a child")
	rootCmd.AddCommand(importCmd)

	execCmd := &cobra.Command{
		Use:   "exec [command] [json-args]",
		Short: "Run one command and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runExec,
	}
	rootCmd.AddCommand(execCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "Interactive command shell",
		RunE:  runShell,
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent journaled commands",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntP("lines", "n", 20, "Number of entries to show")
	historyCmd.Flags().Bool("args", false, "Print command arguments")
	rootCmd.AddCommand(historyCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store, queue, cache and journal statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().Bool("verify", false, "Reload the graph and compare it with the live one")
	rootCmd.AddCommand(statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Storage.Backend = strings.ToLower(backend)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openDB loads the config, builds the logger and opens the database. The
// returned cleanup closes both.
func openDB(cmd *cobra.Command) (*benomedb.DB, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	db, err := benomedb.Open(cmd.Context(), cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Close(ctx); err != nil {
			log.Error("close failed", zap.Error(err))
		}
		_ = log.Sync()
	}
	return db, cleanup, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	apps, _ := cmd.Flags().GetStringSlice("apps")

	db, cleanup, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	appArgs := make([]any, len(apps))
	for i, a := range apps {
		appArgs[i] = a
	}
	v, err := db.Exec(cmd.Context(), benomedb.CmdInitStructure, map[string]any{"apps": appArgs})
	if err != nil {
		return fmt.Errorf("initializing structure: %w", err)
	}
	res := v.(map[string]any)
	created, _ := res["created"].([]int64)

	if len(created) == 0 {
		fmt.Printf("✅ Already initialized (root %d)\n", res["root_context_id"])
		return nil
	}
	fmt.Printf("✅ Structure initialized: %d contexts created\n", len(created))
	fmt.Printf("   Root:      %d\n", res["root_context_id"])
	fmt.Printf("   User root: %d\n", res["user_root_id"])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	parent, _ := cmd.Flags().GetString("parent")
	replaceRoot, _ := cmd.Flags().GetBool("replace-root")

	tree, err := benomedb.LoadStructure(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("📥 Importing %d contexts from %s\n", tree.Count(), args[0])

	db, cleanup, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	v, err := db.Exec(cmd.Context(), benomedb.CmdImportStructure, map[string]any{
		"parent_id":    parent,
		"replace_root": replaceRoot,
		"structure":    tree,
	})
	if err != nil {
		return fmt.Errorf("importing structure: %w", err)
	}
	res := v.(map[string]any)
	fmt.Printf("✅ Imported under %d: %d contexts created in %v\n", res["root_id"], res["created"], time.Since(start).Round(time.Millisecond))
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	raw := ""
	if len(args) == 2 {
		raw = args[1]
	}
	cmdArgs, err := parseArgs(raw)
	if err != nil {
		return err
	}

	db, cleanup, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	return execAndPrint(cmd.Context(), db, cmd.OutOrStdout(), args[0], cmdArgs)
}

func execAndPrint(ctx context.Context, db *benomedb.DB, w io.Writer, name string, args map[string]any) error {
	if !db.Has(name) {
		return fmt.Errorf("unknown command %q", name)
	}
	v, err := db.Exec(ctx, name, args)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseArgs decodes a JSON object of command arguments. Numbers stay
// json.Number so large ids keep their precision.
func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, errors.New("arguments must be a single JSON object")
	}
	return args, nil
}

// parseLine splits a shell line into a command name and its arguments.
func parseLine(line string) (string, map[string]any, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	args, err := parseArgs(rest)
	return name, args, err
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, cleanup, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Type 'command {json-args}', 'exit' or Ctrl+D to quit")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for {
		fmt.Fprint(out, "benome> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		name, cmdArgs, err := parseLine(scanner.Text())
		switch {
		case err != nil:
			fmt.Fprintf(out, "❌ %v\n", err)
			continue
		case name == "":
			continue
		case name == "exit" || name == "quit":
			return nil
		}
		if err := execAndPrint(ctx, db, out, name, cmdArgs); err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("lines")
	showArgs, _ := cmd.Flags().GetBool("args")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.JournalFile()
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("No history yet")
		return nil
	}
	if err != nil {
		return err
	}

	entries, err := journal.Tail(path, n)
	if err != nil {
		return err
	}
	fmt.Printf("📜 %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
	for _, e := range entries {
		status := ""
		if e.Verify() != nil {
			status = "  ⚠️ checksum mismatch"
		}
		fmt.Printf("%8s  %-16s  %-20s  %s%s\n",
			humanize.Comma(int64(e.Sequence)), humanize.Time(e.Timestamp), e.Command, e.RequestID, status)
		if showArgs && len(e.Args) > 0 {
			var buf bytes.Buffer
			if json.Indent(&buf, e.Args, "          ", "  ") == nil {
				fmt.Printf("          %s\n", buf.String())
			}
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	verify, _ := cmd.Flags().GetBool("verify")

	db, cleanup, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := db.Stats(cmd.Context())
	if err != nil {
		return err
	}
	cfg := db.Config()
	fmt.Printf("📊 BenomeDB user %d (%s, root %d)\n", cfg.UserID, cfg.Storage.Backend, cfg.Graph.RootContextID)
	fmt.Println("Store:")
	fmt.Printf("  Contexts:     %s\n", humanize.Comma(s.Store.Contexts))
	fmt.Printf("  Points:       %s\n", humanize.Comma(s.Store.Points))
	fmt.Printf("  Associations: %s\n", humanize.Comma(s.Store.Associations))
	fmt.Printf("  Attributes:   %s\n", humanize.Comma(s.Store.Attributes))
	fmt.Println("Queue:")
	fmt.Printf("  State: %s, processed %s, failed %s\n",
		s.Queue.State, humanize.Comma(int64(s.Queue.Processed)), humanize.Comma(int64(s.Queue.Failed)))
	if s.Cache != nil {
		fmt.Println("Cache:")
		fmt.Printf("  %d/%d entries, hit rate %.1f%%\n", s.Cache.Size, s.Cache.MaxSize, s.Cache.HitRate)
	}
	if s.Journal != nil {
		fmt.Println("Journal:")
		fmt.Printf("  %s entries in %s\n", humanize.Comma(int64(s.Journal.Sequence)), s.Journal.Path)
		if !s.Journal.LastEntryTime.IsZero() {
			fmt.Printf("  Last entry %s\n", humanize.Time(s.Journal.LastEntryTime))
		}
	}

	if verify {
		diff, err := db.Verify(cmd.Context())
		if err != nil {
			return fmt.Errorf("verifying graph: %w", err)
		}
		if diff != "" {
			fmt.Printf("❌ Graph differs from store:\n%s\n", diff)
			return errors.New("graph verification failed")
		}
		fmt.Println("✅ Graph matches store")
	}
	return nil
}
