package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		logging.Component("migrate").Info().Msg("Schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
