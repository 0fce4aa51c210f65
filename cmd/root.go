package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jjenkins/billsync/internal/config"
	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/store"
)

// Process exit codes
const (
	exitOK        = 0
	exitFatal     = 1
	exitCancelled = 2
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "billsync",
	Short: "Keep a local copy of state legislation in sync",
	Long: `billsync mirrors bills and executive orders from a legislative data API
into PostgreSQL, reconciles status changes, and queues new or changed records
for AI summaries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default $BILLSYNC_CONFIG)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFatal)
	}
}

// openDB connects to the configured database with room for the write pool and readers.
func openDB(ctx context.Context) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("%w: database.url (or DATABASE_URL) is required", config.ErrFatalConfig)
	}
	db, err := store.NewDB(ctx, store.DBConfig{
		URL:     cfg.Database.URL,
		MaxOpen: cfg.Database.MaxConnections + cfg.Database.ReadConnections,
		MaxIdle: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, errors.Join(config.ErrFatalConfig, err)
	}
	return db, nil
}
