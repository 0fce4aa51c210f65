package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
	"github.com/jjenkins/billsync/internal/model"
)

// Target is one jurisdiction and session to keep in sync
type Target struct {
	Jurisdiction string
	SessionID    string
}

func (t Target) String() string {
	return t.Jurisdiction + "/" + t.SessionID
}

// PageSource pages through remote records
type PageSource interface {
	Pages(ctx context.Context, jurisdiction, sessionID string, startPage int) iter.Seq2[*model.MasterListPage, error]
	FetchDetail(ctx context.Context, externalID string) (model.RawRecord, error)
}

// SnapshotLoader reads persisted records for reconciliation
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, jurisdiction, sessionID string) (map[model.RecordKey]*model.LegislativeRecord, error)
}

// CursorReader reads resumable progress
type CursorReader interface {
	Get(ctx context.Context, jurisdiction, sessionID string) (*model.SyncCursor, error)
}

// PageApplier writes one page of classified records with its cursor
type PageApplier interface {
	ApplyPage(ctx context.Context, records []ClassifiedRecord, cursor *model.SyncCursor) (ApplyResult, error)
}

// PassSummary tracks the statistics of one pass over one target
type PassSummary struct {
	RunID          string
	Target         Target
	StartPage      int
	Pages          int
	Fetched        int
	New            int
	StatusChanged  int
	ContentChanged int
	Unchanged      int
	Applied        int
	Guarded        int
	DetailFailed   int
	Failed         int
	Anomalies      int
	// Missing is only computed for passes that started at page 1; -1 otherwise.
	Missing   int
	Completed bool
	Duration  time.Duration
}

// Pipeline runs Fetch, Reconcile and Apply for one target
type Pipeline struct {
	source    PageSource
	snapshots SnapshotLoader
	cursors   CursorReader
	engine    *Engine
	applier   PageApplier
	now       func() time.Time
	logger    zerolog.Logger
}

// NewPipeline creates a Pipeline
func NewPipeline(source PageSource, snapshots SnapshotLoader, cursors CursorReader, engine *Engine, applier PageApplier) *Pipeline {
	return &Pipeline{
		source:    source,
		snapshots: snapshots,
		cursors:   cursors,
		engine:    engine,
		applier:   applier,
		now:       time.Now,
		logger:    logging.Component("pipeline"),
	}
}

// Run performs one pass. It resumes after the last committed page when a
// previous pass stopped part way. Pages committed before an error stay committed.
func (p *Pipeline) Run(ctx context.Context, target Target, onState func(State)) (*PassSummary, error) {
	if onState == nil {
		onState = func(State) {}
	}
	start := p.now()
	summary := &PassSummary{RunID: uuid.NewString(), Target: target, Missing: -1}
	log := p.logger.With().
		Str("run_id", summary.RunID).
		Str("jurisdiction", target.Jurisdiction).
		Str("session", target.SessionID).
		Logger()

	defer func() { summary.Duration = p.now().Sub(start) }()

	cursor, err := p.cursors.Get(ctx, target.Jurisdiction, target.SessionID)
	if err != nil {
		return summary, fmt.Errorf("failed to read cursor: %w", err)
	}
	summary.StartPage = cursor.NextPage()
	if cursor.InProgress() {
		log.Info().Int("page", summary.StartPage).Msg("Resuming interrupted pass")
	}

	local, err := p.snapshots.LoadSnapshot(ctx, target.Jurisdiction, target.SessionID)
	if err != nil {
		return summary, fmt.Errorf("failed to load local snapshot: %w", err)
	}

	seen := make(map[model.RecordKey]struct{}, len(local))
	onState(StateFetching)

	for page, err := range p.source.Pages(ctx, target.Jurisdiction, target.SessionID, summary.StartPage) {
		if err != nil {
			return summary, err
		}
		summary.Pages++
		summary.Fetched += len(page.Records)

		onState(StateReconciling)
		for _, r := range page.Records {
			seen[r.Key()] = struct{}{}
		}
		result := p.engine.Reconcile(page.Records, local)
		summary.New += len(result.New)
		summary.StatusChanged += len(result.StatusChanged)
		summary.ContentChanged += len(result.ContentChanged)
		summary.Unchanged += len(result.Unchanged)
		summary.Anomalies += len(result.Anomalies)

		writable := p.withDetails(ctx, result.Writable(), summary, log)

		onState(StateApplying)
		res, err := p.applier.ApplyPage(ctx, writable, p.cursorFor(target, summary.RunID, page))
		summary.Applied += res.Applied
		summary.Guarded += res.Guarded
		summary.Failed += len(res.Failed)
		if err != nil {
			return summary, fmt.Errorf("failed to apply page %d: %w", page.Page, err)
		}

		log.Debug().
			Int("page", page.Page).
			Int("total_pages", page.TotalPages).
			Int("records", len(page.Records)).
			Int("applied", res.Applied).
			Msg("Page applied")
		onState(StateFetching)
	}

	summary.Completed = true
	if summary.StartPage == 1 {
		summary.Missing = CountMissing(seen, local)
		metrics.MissingRecords.WithLabelValues(target.Jurisdiction).Set(float64(summary.Missing))
	}
	return summary, nil
}

// withDetails fetches the full record for each writable entry. A failed detail
// fetch keeps the listing data, so the change is still written.
func (p *Pipeline) withDetails(ctx context.Context, records []ClassifiedRecord, summary *PassSummary, log zerolog.Logger) []ClassifiedRecord {
	for i, c := range records {
		detail, err := p.source.FetchDetail(ctx, c.Raw.ExternalID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return records
			}
			summary.DetailFailed++
			log.Warn().Err(err).Str("external_id", c.Raw.ExternalID).Msg("Detail fetch failed, using listing data")
			continue
		}
		records[i].Raw = mergeDetail(c.Raw, detail)
	}
	return records
}

// cursorFor builds the cursor committed with a page. The final page resets
// the cursor so the next pass starts from the beginning.
func (p *Pipeline) cursorFor(target Target, runID string, page *model.MasterListPage) *model.SyncCursor {
	now := p.now()
	c := &model.SyncCursor{
		Jurisdiction: target.Jurisdiction,
		SessionID:    target.SessionID,
		LastPage:     page.Page,
		TotalPages:   page.TotalPages,
		LastRunID:    runID,
		UpdatedAt:    now,
	}
	if page.Page >= page.TotalPages {
		c.LastPage = 0
		c.CompletedAt.Time = now
		c.CompletedAt.Valid = true
	}
	return c
}

// Changes returns the number of records classified as needing a write
func (s *PassSummary) Changes() int {
	return s.New + s.StatusChanged + s.ContentChanged
}

// PrintSummary logs the pass statistics
func (s *PassSummary) PrintSummary(logger zerolog.Logger) {
	successRate := 100.0
	if writes := s.Applied + s.Failed; writes > 0 {
		successRate = float64(s.Applied) / float64(writes) * 100
	}

	logger.Info().
		Str("run_id", s.RunID).
		Str("jurisdiction", s.Target.Jurisdiction).
		Str("session", s.Target.SessionID).
		Int("start_page", s.StartPage).
		Int("pages", s.Pages).
		Int("fetched", s.Fetched).
		Int("new", s.New).
		Int("status_changed", s.StatusChanged).
		Int("content_changed", s.ContentChanged).
		Int("unchanged", s.Unchanged).
		Int("applied", s.Applied).
		Int("guarded", s.Guarded).
		Int("detail_failed", s.DetailFailed).
		Int("failed", s.Failed).
		Int("anomalies", s.Anomalies).
		Int("missing", s.Missing).
		Bool("completed", s.Completed).
		Str("success_rate", fmt.Sprintf("%.1f%%", successRate)).
		Dur("duration", s.Duration).
		Msg("Sync pass summary")
}
