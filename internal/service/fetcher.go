package service

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/retry"
)

// RemoteSource is the legislative data API
type RemoteSource interface {
	FetchMasterList(ctx context.Context, jurisdiction, sessionID string, page int) (*model.MasterListPage, error)
	FetchBill(ctx context.Context, externalID string) (model.RawRecord, error)
}

// Waiter blocks until an outbound call is allowed
type Waiter interface {
	WaitIfNeeded(ctx context.Context) error
}

// FetcherConfig configures the record fetcher
type FetcherConfig struct {
	MaxPageRetries   int
	FetchConcurrency int
	// Policy overrides the default exponential retry policy.
	Policy *retry.Policy
}

// Fetcher pages through the remote listing. The limiter and semaphore are
// shared by every caller, so concurrent passes stay within one budget.
type Fetcher struct {
	source  RemoteSource
	limiter Waiter
	sem     *semaphore.Weighted
	policy  retry.Policy
	logger  zerolog.Logger
}

// NewFetcher creates a Fetcher
func NewFetcher(source RemoteSource, limiter Waiter, cfg FetcherConfig) *Fetcher {
	policy := retry.Exponential(cfg.MaxPageRetries)
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	return &Fetcher{
		source:  source,
		limiter: limiter,
		sem:     semaphore.NewWeighted(int64(max(cfg.FetchConcurrency, 1))),
		policy:  policy,
		logger:  logging.Component("fetcher"),
	}
}

// call waits for the rate limiter and a fetch slot, then runs op.
func call[T any](ctx context.Context, f *Fetcher, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := f.limiter.WaitIfNeeded(ctx); err != nil {
		return zero, err
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer f.sem.Release(1)
	return op(ctx)
}

// FetchPage retrieves one listing page, retrying transient failures
func (f *Fetcher) FetchPage(ctx context.Context, jurisdiction, sessionID string, page int) (*model.MasterListPage, error) {
	log := f.logger.With().Str("jurisdiction", jurisdiction).Str("session", sessionID).Int("page", page).Logger()

	result, err := retry.Do(ctx, f.policy, retry.IsTransient, func(ctx context.Context) (*model.MasterListPage, error) {
		return call(ctx, f, func(ctx context.Context) (*model.MasterListPage, error) {
			return f.source.FetchMasterList(ctx, jurisdiction, sessionID, page)
		})
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Page fetch failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %d of %s/%s: %w", page, jurisdiction, sessionID, err)
	}

	for i := range result.Records {
		result.Records[i].Page = result.Page
		if result.Records[i].Jurisdiction == "" {
			result.Records[i].Jurisdiction = jurisdiction
		}
		if result.Records[i].SessionID == "" {
			result.Records[i].SessionID = sessionID
		}
		result.Records[i] = normalizeRaw(result.Records[i])
	}
	return result, nil
}

// Pages yields listing pages from startPage until the last page. The sequence
// is lazy and single-use; a page that fails after its retries is yielded as
// an error and ends the sequence.
func (f *Fetcher) Pages(ctx context.Context, jurisdiction, sessionID string, startPage int) iter.Seq2[*model.MasterListPage, error] {
	return func(yield func(*model.MasterListPage, error) bool) {
		page := max(startPage, 1)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			result, err := f.FetchPage(ctx, jurisdiction, sessionID, page)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(result, nil) {
				return
			}
			if result.Page >= result.TotalPages {
				return
			}
			page = max(result.Page, page) + 1
		}
	}
}

// FetchAll yields every remote record of a session from startPage on
func (f *Fetcher) FetchAll(ctx context.Context, jurisdiction, sessionID string, startPage int) iter.Seq2[model.RawRecord, error] {
	return func(yield func(model.RawRecord, error) bool) {
		for page, err := range f.Pages(ctx, jurisdiction, sessionID, startPage) {
			if err != nil {
				yield(model.RawRecord{}, err)
				return
			}
			for _, r := range page.Records {
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

// FetchDetail retrieves the full record for one external id
func (f *Fetcher) FetchDetail(ctx context.Context, externalID string) (model.RawRecord, error) {
	log := f.logger.With().Str("external_id", externalID).Logger()

	result, err := retry.Do(ctx, f.policy, retry.IsTransient, func(ctx context.Context) (model.RawRecord, error) {
		return call(ctx, f, func(ctx context.Context) (model.RawRecord, error) {
			return f.source.FetchBill(ctx, externalID)
		})
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Detail fetch failed, retrying")
	})
	if err != nil {
		return model.RawRecord{}, fmt.Errorf("failed to fetch detail %s: %w", externalID, err)
	}
	return normalizeRaw(result), nil
}
