package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mdvault/internal/engine"
	"mdvault/internal/store"
	"mdvault/internal/tools"
)

// serveCmd runs the engine until interrupted, watching the vault for changes.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Index the vault and serve it until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Start(ctx); err != nil {
			return err
		}

		eng.StartMetricsTicker(ctx, time.Hour)

		stats := eng.Surface().Stats()
		logger.Info("vault ready",
			zap.String("vault", cfg.VaultPath),
			zap.Int("notes", stats.NoteCount),
			zap.Int("entities", stats.EntityCount),
			zap.Int("links", stats.LinkCount))

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}

// scanCmd cold-builds the index once and prints a summary.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Cold-build the index and print vault statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Index().Build(ctx, eng.Scanner(), os.ReadFile); err != nil {
			return err
		}

		stats := eng.Surface().Stats()
		logger.Info("scan complete",
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("notes", stats.NoteCount),
			zap.Int("entities", stats.EntityCount),
			zap.Int("tags", stats.TagCount),
			zap.Int("links", stats.LinkCount),
			zap.Int("orphans", stats.OrphanCount),
			zap.Int("broken_links", stats.BrokenLinks))
		return printJSON(stats)
	},
}

// queryCmd dispatches a single named operation with a JSON input.
var queryCmd = &cobra.Command{
	Use:   "query <operation> [json-input]",
	Short: "Run one named operation against the vault",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Start(ctx); err != nil {
			return err
		}

		var input json.RawMessage
		if len(args) > 1 {
			input = json.RawMessage(args[1])
		}

		out, err := eng.Surface().Dispatch(tools.Op(args[0]), input)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

// statsCmd prints the vault-statistics resource.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print vault statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Start(ctx); err != nil {
			return err
		}
		return printJSON(eng.Surface().Stats())
	},
}

// migrateCmd opens the state store (running pending migrations) and reports
// the schema version.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending state-store migrations and report the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer st.Close()

		version, err := st.SchemaVersion()
		if err != nil {
			return err
		}
		logger.Info("state store up to date",
			zap.String("path", cfg.DatabasePath()),
			zap.Int("schema_version", version))
		fmt.Printf("schema version: %d\n", version)
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
