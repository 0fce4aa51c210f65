package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/pool"
	"github.com/jjenkins/billsync/internal/retry"
	"github.com/jjenkins/billsync/internal/store"
)

// ErrBatchFailed reports that at least one batch was rolled back as a whole
var ErrBatchFailed = errors.New("batch rolled back")

// ConnProvider hands out write connections
type ConnProvider interface {
	Acquire(ctx context.Context) (store.Conn, error)
	Release(c store.Conn)
}

// UpserterConfig configures batching and row retries
type UpserterConfig struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// FailedRow is a row rolled back after its retries ran out
type FailedRow struct {
	Key model.RecordKey
	Err error
}

// ApplyResult tracks what one apply call committed. Applied is the number
// of rows in committed transactions; the scheduler uses it to decide whether
// a pass made progress.
type ApplyResult struct {
	Applied  int
	Inserted int
	Updated  int
	// Guarded rows were refused by the terminal-status check in the database.
	Guarded       int
	Failed        []FailedRow
	BatchesFailed int
	CursorSaved   bool
}

func (r *ApplyResult) add(o ApplyResult) {
	r.Applied += o.Applied
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Guarded += o.Guarded
	r.Failed = append(r.Failed, o.Failed...)
	r.BatchesFailed += o.BatchesFailed
	r.CursorSaved = r.CursorSaved || o.CursorSaved
}

// Upserter writes classified records in batched transactions
type Upserter struct {
	conns  ConnProvider
	cfg    UpserterConfig
	now    func() time.Time
	logger zerolog.Logger
}

// NewUpserter creates an Upserter
func NewUpserter(conns ConnProvider, cfg UpserterConfig) *Upserter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Upserter{
		conns:  conns,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Component("upserter"),
	}
}

// ApplyBatch writes records that are not Unchanged and reports what committed.
// The applied count is res.Applied; the rest of ApplyResult breaks it down.
func (u *Upserter) ApplyBatch(ctx context.Context, records []ClassifiedRecord) (ApplyResult, error) {
	return u.ApplyPage(ctx, records, nil)
}

// ApplyPage writes records like ApplyBatch and saves cursor in the final
// batch's transaction. The cursor is not saved if any batch failed.
//
// Once a batch has started it runs to completion even if ctx is cancelled;
// no batch starts after cancellation.
func (u *Upserter) ApplyPage(ctx context.Context, records []ClassifiedRecord, cursor *model.SyncCursor) (ApplyResult, error) {
	var writable []ClassifiedRecord
	for _, r := range records {
		if r.Kind != ChangeUnchanged {
			writable = append(writable, r)
		}
	}

	var batches [][]ClassifiedRecord
	for start := 0; start < len(writable); start += u.cfg.BatchSize {
		end := min(start+u.cfg.BatchSize, len(writable))
		batches = append(batches, writable[start:end])
	}
	if len(batches) == 0 && cursor != nil {
		batches = append(batches, nil)
	}

	var (
		total     ApplyResult
		batchErrs []error
	)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var saveCursor *model.SyncCursor
		if i == len(batches)-1 && len(batchErrs) == 0 {
			saveCursor = cursor
		}

		res, err := u.applyOne(ctx, batch, saveCursor)
		total.add(res)
		if err != nil {
			if abortsApply(err) {
				return total, err
			}
			total.BatchesFailed++
			batchErrs = append(batchErrs, err)
			u.logger.Error().Err(err).Int("batch", i+1).Int("rows", len(batch)).Msg("Batch rolled back")
		}
	}

	if len(batchErrs) > 0 {
		return total, fmt.Errorf("%w: %w", ErrBatchFailed, errors.Join(batchErrs...))
	}
	return total, nil
}

// applyOne runs one batch in one transaction on one pooled connection.
func (u *Upserter) applyOne(ctx context.Context, batch []ClassifiedRecord, cursor *model.SyncCursor) (res ApplyResult, err error) {
	conn, err := u.conns.Acquire(ctx)
	if err != nil {
		return res, err
	}
	defer u.conns.Release(conn)

	// the batch outlives cancellation of its caller
	bctx := context.WithoutCancel(ctx)

	tx, err := conn.Begin(bctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	syncedAt := u.now()
	var pending ApplyResult
	for _, c := range batch {
		rec := buildRecord(c, syncedAt)
		outcome, err := u.upsertRow(bctx, tx, rec)
		if errors.Is(err, store.ErrTxBroken) {
			return res, err
		}
		if err != nil {
			pending.Failed = append(pending.Failed, FailedRow{Key: rec.Key(), Err: err})
			metrics.RowsFailed.WithLabelValues(rec.Jurisdiction).Inc()
			u.logger.Error().Err(err).
				Str("jurisdiction", rec.Jurisdiction).
				Str("external_id", rec.ExternalID).
				Msg("Row failed after retries, rolled back to savepoint")
			continue
		}

		switch outcome {
		case store.OutcomeInserted:
			pending.Inserted++
			pending.Applied++
		case store.OutcomeUpdated:
			pending.Updated++
			pending.Applied++
		case store.OutcomeGuarded:
			pending.Guarded++
		}
	}

	if cursor != nil {
		if err := tx.SaveCursor(bctx, cursor); err != nil {
			return res, err
		}
		pending.CursorSaved = true
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}

	if len(batch) > 0 {
		metrics.RowsApplied.WithLabelValues(batch[0].Raw.Jurisdiction).Add(float64(pending.Applied))
	}
	return pending, nil
}

func (u *Upserter) upsertRow(ctx context.Context, tx store.Tx, rec *model.LegislativeRecord) (store.UpsertOutcome, error) {
	policy := retry.Fixed(u.cfg.MaxRetries, u.cfg.RetryDelay)
	retryable := func(err error) bool {
		return retry.IsTransient(err) && !errors.Is(err, store.ErrTxBroken)
	}

	return retry.Do(ctx, policy, retryable, func(ctx context.Context) (store.UpsertOutcome, error) {
		return tx.UpsertRecord(ctx, rec)
	}, func(attempt int, err error, wait time.Duration) {
		u.logger.Warn().Err(err).
			Str("external_id", rec.ExternalID).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Row upsert failed, retrying")
	})
}

// abortsApply reports errors after which no further batch can succeed.
func abortsApply(err error) bool {
	return errors.Is(err, pool.ErrPoolExhausted) ||
		errors.Is(err, pool.ErrPoolClosed) ||
		errors.Is(err, context.Canceled)
}
