package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
	"github.com/jjenkins/billsync/internal/model"
)

// Summarizer writes an enrichment for one record
type Summarizer interface {
	Summarize(ctx context.Context, title, description, jurisdiction string) (*model.Enrichment, error)
}

// EnrichmentStore reads the enrichment queue and writes results
type EnrichmentStore interface {
	ListNeedingEnrichment(ctx context.Context, limit int) ([]model.EnrichmentCandidate, error)
	UpdateEnrichment(ctx context.Context, c model.EnrichmentCandidate, e *model.Enrichment) (bool, error)
}

// EnrichStats tracks one enrichment run
type EnrichStats struct {
	Candidates int
	Written    int
	Skipped    int
	Failed     int
}

// EnricherConfig configures the enrichment worker
type EnricherConfig struct {
	BatchSize         int
	RequestsPerSecond float64
	ProducerVersion   int
}

// Enricher drains the needs_enrichment queue. It only touches enrichment
// columns and never runs inside a sync pass.
type Enricher struct {
	store      EnrichmentStore
	summarizer Summarizer
	limiter    *rate.Limiter
	cfg        EnricherConfig
	logger     zerolog.Logger
}

// NewEnricher creates an Enricher
func NewEnricher(store EnrichmentStore, summarizer Summarizer, cfg EnricherConfig) *Enricher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Enricher{
		store:      store,
		summarizer: summarizer,
		limiter:    rate.NewLimiter(limit, 1),
		cfg:        cfg,
		logger:     logging.Component("enricher"),
	}
}

// RunOnce enriches up to BatchSize queued records
func (e *Enricher) RunOnce(ctx context.Context) (*EnrichStats, error) {
	candidates, err := e.store.ListNeedingEnrichment(ctx, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read enrichment queue: %w", err)
	}

	stats := &EnrichStats{Candidates: len(candidates)}
	for _, c := range candidates {
		log := e.logger.With().Str("jurisdiction", c.Jurisdiction).Str("external_id", c.ExternalID).Logger()

		if c.ProducerVersion > e.cfg.ProducerVersion {
			// a newer producer already owns this row
			stats.Skipped++
			metrics.EnrichmentsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		enrichment, err := e.summarizer.Summarize(ctx, c.Title, c.Description, c.Jurisdiction)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return stats, err
			}
			stats.Failed++
			metrics.EnrichmentsTotal.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Msg("Summary failed, record stays queued")
			continue
		}
		enrichment.ProducerVersion = e.cfg.ProducerVersion

		written, err := e.store.UpdateEnrichment(ctx, c, enrichment)
		if err != nil {
			stats.Failed++
			metrics.EnrichmentsTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).Msg("Failed to store enrichment")
			continue
		}
		if !written {
			stats.Skipped++
			metrics.EnrichmentsTotal.WithLabelValues("skipped").Inc()
			log.Debug().Msg("Record changed since it was read, enrichment discarded")
			continue
		}

		stats.Written++
		metrics.EnrichmentsTotal.WithLabelValues("written").Inc()
	}

	return stats, nil
}

// Run repeats RunOnce until the queue is empty or a batch makes no headway
func (e *Enricher) Run(ctx context.Context) (*EnrichStats, error) {
	total := &EnrichStats{}
	for {
		stats, err := e.RunOnce(ctx)
		if stats != nil {
			total.Candidates += stats.Candidates
			total.Written += stats.Written
			total.Skipped += stats.Skipped
			total.Failed += stats.Failed
		}
		if err != nil {
			return total, err
		}
		if stats.Candidates < e.cfg.BatchSize || stats.Written == 0 {
			return total, nil
		}
	}
}
