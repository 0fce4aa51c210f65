package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
	"github.com/jjenkins/billsync/internal/pool"
	"github.com/jjenkins/billsync/internal/ratelimit"
	"github.com/jjenkins/billsync/internal/service"
	"github.com/jjenkins/billsync/internal/store"
)

var (
	syncJurisdictions []string
	syncSession       string
	syncBatchSize     int
	syncMaxIterations int
	syncMode          string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync legislative records from the remote API",
	Long: `Sync pages through the remote master list for each jurisdiction, compares
every record against the local copy, and writes only what changed.

Passes repeat until two in a row make no progress, backing off between them.
An interrupted sync resumes from the last committed page.

Examples:
  # Sync California's 2025 session
  billsync sync --jurisdiction CA --session 2025

  # Sync several states with smaller batches
  billsync sync -j CA,TX,NY --session 2025 --batch-size 50

  # Run as a daemon, syncing once a day at sync.daily_hour
  billsync sync --mode daily`,
	Run: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringSliceVarP(&syncJurisdictions, "jurisdiction", "j", nil, "Jurisdictions to sync, e.g. CA,TX (default sync.jurisdictions)")
	syncCmd.Flags().StringVarP(&syncSession, "session", "s", "", "Legislative session to sync (default sync.session)")
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "Records per write transaction (default sync.batch_size)")
	syncCmd.Flags().IntVar(&syncMaxIterations, "max-iterations", 0, "Maximum passes per run (default sync.max_iterations)")
	syncCmd.Flags().StringVar(&syncMode, "mode", "", "loop or daily (default sync.mode)")
}

// applySyncFlags lets command line flags override the loaded config.
func applySyncFlags() error {
	if len(syncJurisdictions) > 0 {
		cfg.Sync.Jurisdictions = cfg.Sync.Jurisdictions[:0]
		for _, j := range syncJurisdictions {
			cfg.Sync.Jurisdictions = append(cfg.Sync.Jurisdictions, strings.ToUpper(strings.TrimSpace(j)))
		}
	}
	if syncSession != "" {
		cfg.Sync.Session = syncSession
	}
	if syncBatchSize > 0 {
		cfg.Sync.BatchSize = syncBatchSize
	}
	if syncMaxIterations > 0 {
		cfg.Sync.MaxIterations = syncMaxIterations
	}
	if syncMode != "" {
		cfg.Sync.Mode = syncMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.RequireSync()
}

func runSync(cmd *cobra.Command, args []string) {
	os.Exit(syncMain())
}

// syncMain wires the pipeline and returns the process exit code. Deferred
// cleanup runs before the caller exits.
func syncMain() int {
	log := logging.Component("sync")

	if err := applySyncFlags(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Connecting to database...")
	db, err := openDB(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		return exitFatal
	}
	defer db.Close()

	conns, err := pool.New[store.Conn](ctx, store.NewConnFactory(db), pool.Config{
		MinConnections: cfg.Database.MinConnections,
		MaxConnections: cfg.Database.MaxConnections,
		PoolTimeout:    cfg.Database.PoolTimeout,
	}, logging.Component("pool"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create connection pool")
		return exitFatal
	}
	defer conns.Close()
	metrics.RegisterPool(conns.Stats)

	overrides := make(map[string]map[string]string, len(cfg.Statuses))
	for j, m := range cfg.Statuses {
		overrides[strings.ToUpper(j)] = m
	}
	mapper, conflicts, err := service.NewStatusMapper(overrides)
	if err != nil {
		log.Error().Err(err).Msg("Invalid status overrides")
		return exitFatal
	}
	for _, c := range conflicts {
		log.Warn().Stringer("conflict", c).Msg("Status override replaces a built-in mapping")
		metrics.ClassificationAnomalies.WithLabelValues(c.Jurisdiction, "mapping_conflict").Inc()
	}

	client := service.NewLegisClient(service.LegisClientConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.Timeout,
	})
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Remote.RequestsPerMinute,
		RequestsPerHour:   cfg.Remote.RequestsPerHour,
		MinInterval:       cfg.Remote.MinInterval,
	})
	metrics.RegisterRateLimiter(limiter.Pending)
	fetcher := service.NewFetcher(client, limiter, service.FetcherConfig{
		MaxPageRetries:   cfg.Remote.MaxPageRetries,
		FetchConcurrency: cfg.Remote.FetchConcurrency,
	})
	upserter := service.NewUpserter(conns, service.UpserterConfig{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
		RetryDelay: cfg.Sync.RetryDelay,
	})
	pipeline := service.NewPipeline(
		fetcher,
		store.NewRecordStore(db),
		store.NewCursorStore(db),
		service.NewEngine(mapper),
		upserter,
	)

	targets := make([]service.Target, 0, len(cfg.Sync.Jurisdictions))
	for _, j := range cfg.Sync.Jurisdictions {
		targets = append(targets, service.Target{Jurisdiction: j, SessionID: cfg.Sync.Session})
	}

	metricsService := service.NewMetricsService(db)
	scheduler := service.NewScheduler(pipeline, targets, service.SchedulerConfig{
		Mode:            cfg.Sync.Mode,
		DailyHour:       cfg.Sync.DailyHour,
		MaxIterations:   cfg.Sync.MaxIterations,
		MaxNoProgress:   cfg.Sync.MaxNoProgress,
		BackoffSchedule: cfg.Sync.BackoffSchedule,
		Workers:         cfg.Sync.Workers,
		MaxConnections:  conns.MaxConnections(),
	}, service.WithAfterPass(func(ctx context.Context) {
		if _, err := metricsService.CalculateAndStore(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to calculate dashboard metrics")
		}
	}))

	log.Info().
		Strs("jurisdictions", cfg.Sync.Jurisdictions).
		Str("session", cfg.Sync.Session).
		Str("mode", cfg.Sync.Mode).
		Msg("Starting sync")

	report, err := scheduler.Run(ctx)
	return syncExitCode(report, err)
}

func syncExitCode(report *service.RunReport, err error) int {
	log := logging.Component("sync")

	if report != nil {
		log.Info().
			Str("reason", string(report.Reason)).
			Int("iterations", report.Iterations).
			Int("applied", report.Applied).
			Int("failed_passes", report.Failed).
			Msg("Sync finished")
	}

	switch {
	case errors.Is(err, service.ErrPassesFailing):
		log.Error().Err(err).Msg("Sync gave up after repeated failures")
		return exitFatal
	case err != nil:
		log.Error().Err(err).Msg("Sync failed")
		return exitFatal
	case report != nil && report.Reason == service.ExitCancelled:
		log.Warn().Msg("Sync cancelled")
		return exitCancelled
	default:
		return exitOK
	}
}
