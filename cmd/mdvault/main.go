// mdvault is a local, long-lived indexing and query engine over a directory
// of Markdown notes. It keeps the on-disk Markdown as the single source of
// truth while serving structural queries and safe mutations.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mdvault/internal/config"
	"mdvault/internal/logging"
)

var (
	// Global flags
	verbose   bool
	vaultPath string
	preset    string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mdvault",
	Short: "mdvault - Markdown vault indexing and query engine",
	Long: `mdvault indexes a directory of Markdown notes and serves structural
queries (backlinks, tags, paths, hubs, orphans, full-text search) and safe
structural mutations (section edits, frontmatter updates, renames) over it.

The vault stays the single source of truth: all state under .mdvault/ can be
rebuilt from the Markdown files at any time.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize zap logger for CLI output
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if vaultPath == "" {
			vaultPath, _ = os.Getwd()
		} else if abs, err := filepath.Abs(vaultPath); err == nil {
			vaultPath = abs
		}

		// Initialize internal file-based logging for telemetry/debugging
		if err := logging.Initialize(vaultPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// loadConfig layers defaults, the vault config file, and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(vaultPath)
	if err != nil {
		return nil, err
	}
	if preset != "" {
		cfg.Tools.Preset = preset
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault", "V", "", "Vault directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&preset, "tools", "", "Operation preset (comma-separated categories or bundles)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(
		serveCmd,
		scanCmd,
		queryCmd,
		statsCmd,
		migrateCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
