package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjenkins/billsync/internal/handlers"
	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/store"
)

var port string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync dashboard web server",
	Long:  `Start the web server that shows synced records, sync progress and Prometheus metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.Component("serve")

		// PORT env var wins over the config unless the flag was set
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
			if envPort := os.Getenv("PORT"); envPort != "" {
				port = envPort
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := openDB(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		app := handlers.NewApp(handlers.Deps{
			Records: store.NewRecordStore(db),
			Cursors: store.NewCursorStore(db),
			Ping:    db.PingContext,
		})

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server shutdown failed")
			}
		}()

		log.Info().Str("port", port).Msg("Starting server")
		if err := app.Listen(":" + port); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&port, "port", "p", "8080", "Port to run the server on")
}
