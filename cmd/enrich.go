package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/service"
	"github.com/jjenkins/billsync/internal/store"
)

var enrichOnce bool

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Write AI summaries for new and changed records",
	Long: `Enrich drains the queue of records flagged by sync, asking the configured
LLM provider for a summary, talking points, business impact and category.

A summary is discarded if the record was synced again after it was read.

Examples:
  # Summarize everything that is queued
  billsync enrich

  # Summarize a single batch
  billsync enrich --once`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(enrichMain())
	},
}

func init() {
	rootCmd.AddCommand(enrichCmd)
	enrichCmd.Flags().BoolVar(&enrichOnce, "once", false, "Process one batch and exit")
}

func enrichMain() int {
	log := logging.Component("enrich")

	if err := cfg.RequireEnrichment(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		return exitFatal
	}
	defer db.Close()

	llm, err := service.NewModel(service.SummarizerConfig{
		Provider:   cfg.Enrichment.Provider,
		Model:      cfg.Enrichment.Model,
		APIKey:     cfg.Enrichment.APIKey,
		OllamaHost: cfg.Enrichment.OllamaHost,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create LLM client")
		return exitFatal
	}

	enricher := service.NewEnricher(
		store.NewRecordStore(db),
		service.NewLLMSummarizer(llm, cfg.Enrichment.ProducerVersion),
		service.EnricherConfig{
			BatchSize:         cfg.Enrichment.BatchSize,
			RequestsPerSecond: cfg.Enrichment.RequestsPerSecond,
			ProducerVersion:   cfg.Enrichment.ProducerVersion,
		},
	)

	run := enricher.Run
	if enrichOnce {
		run = enricher.RunOnce
	}
	stats, err := run(ctx)
	if stats != nil {
		log.Info().
			Int("candidates", stats.Candidates).
			Int("written", stats.Written).
			Int("skipped", stats.Skipped).
			Int("failed", stats.Failed).
			Msg("Enrichment finished")
	}

	switch {
	case errors.Is(err, context.Canceled):
		log.Warn().Msg("Enrichment cancelled")
		return exitCancelled
	case err != nil:
		log.Error().Err(err).Msg("Enrichment failed")
		return exitFatal
	}
	return exitOK
}
