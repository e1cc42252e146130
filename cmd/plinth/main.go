package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/kernel"
	"github.com/plinthcms/plinth/internal/logging"
	"github.com/plinthcms/plinth/internal/storage"
)

// noStore marks commands that talk to a running server instead of the
// database.
const noStore = "no-store"

var (
	cfg    config.Config
	logger *zap.Logger
	store  storage.Storage
	dbPath string
)

var rootCmd = &cobra.Command{
	Use:   "plinth",
	Short: "Plinth - plugin kernel for multi-tenant sites",
	Long: `Plinth loads, resolves and activates plugins per site, mediates their
access to hooks, settings, analytics, auth, themes, webhooks and cron, and
serves the HTTP surface a host application mounts.

Configuration comes from PLINTH_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		if cmd.Annotations[noStore] != "" {
			return nil
		}

		if cfg.Driver == storage.DriverSQLite && dbPath == "" && os.Getenv("PLINTH_DB_PATH") == "" {
			if cfg.DBPath, err = storage.DiscoverDatabase(); err != nil {
				return err
			}
		}
		store, err = storage.NewStorage(cmd.Context(), &storage.Config{
			Driver:      cfg.Driver,
			Path:        cfg.DBPath,
			PostgresURL: cfg.PostgresURL,
		})
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close storage: %v\n", err)
			}
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides PLINTH_DB_PATH)")
}

// loadKernel builds a kernel over the open store and loads the configured
// plugin directories. Problems in individual plugins are printed, not fatal.
func loadKernel(ctx context.Context) (*kernel.Kernel, *kernel.LoadReport, error) {
	k := kernel.New(cfg, store, logger)
	report, err := k.LoadPlugins(ctx, cfg.PluginDirs...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plugins: %w", err)
	}
	return k, report, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
