package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/pool"
	"github.com/jjenkins/billsync/internal/retry"
)

func classifiedBatch(kind ChangeKind, ids ...string) []ClassifiedRecord {
	out := make([]ClassifiedRecord, len(ids))
	for i, id := range ids {
		out[i] = ClassifiedRecord{
			Raw:    raw("CA", id, "HB"+id, "1", "2025-01-10"),
			Kind:   kind,
			Status: model.StatusIntroduced,
		}
	}
	return out
}

func newTestUpserter(db *memDB, batchSize int) *Upserter {
	return NewUpserter(db, UpserterConfig{BatchSize: batchSize, MaxRetries: 3, RetryDelay: 0})
}

func TestUpserter_PartialFailureIsContained(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	db.failUpsert = func(r *model.LegislativeRecord, attempt int) error {
		if r.ExternalID == "3" {
			return errTransientDB
		}
		return nil
	}
	u := newTestUpserter(db, 100)

	res, err := u.ApplyBatch(context.Background(), classifiedBatch(ChangeNew, "1", "2", "3", "4", "5"))
	require.NoError(t, err)

	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 4, res.Inserted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "3", res.Failed[0].Key.ExternalID)
	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, res.Failed[0].Err, &exhausted)

	assert.Equal(t, 3, db.attempts[model.RecordKey{Jurisdiction: "CA", ExternalID: "3"}], "row retried up to MaxRetries")
	assert.Equal(t, 4, db.count())
	assert.Nil(t, db.record("CA", "3"))
	assert.Equal(t, int32(1), db.commits.Load(), "the batch still commits")
}

func TestUpserter_TransientRowFailureRecovers(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	db.failUpsert = func(r *model.LegislativeRecord, attempt int) error {
		if r.ExternalID == "2" && attempt == 1 {
			return errTransientDB
		}
		return nil
	}
	u := newTestUpserter(db, 100)

	res, err := u.ApplyBatch(context.Background(), classifiedBatch(ChangeNew, "1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Empty(t, res.Failed)
}

func TestUpserter_PermanentRowFailureNotRetried(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	db.failUpsert = func(r *model.LegislativeRecord, attempt int) error {
		if r.ExternalID == "1" {
			return errors.New("check constraint violated")
		}
		return nil
	}
	u := newTestUpserter(db, 100)

	res, err := u.ApplyBatch(context.Background(), classifiedBatch(ChangeNew, "1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, db.attempts[model.RecordKey{Jurisdiction: "CA", ExternalID: "1"}])
}

func TestUpserter_BatchesAndSkipsUnchanged(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	u := newTestUpserter(db, 2)

	records := append(classifiedBatch(ChangeNew, "1", "2", "3", "4", "5"), classifiedBatch(ChangeUnchanged, "6", "7")...)
	res, err := u.ApplyBatch(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, int32(3), db.begins.Load(), "five writable rows in batches of two")
	assert.Nil(t, db.record("CA", "6"), "unchanged records are never written")
}

func TestUpserter_IsIdempotent(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	u := newTestUpserter(db, 100)
	batch := classifiedBatch(ChangeNew, "1", "2")

	_, err := u.ApplyBatch(context.Background(), batch)
	require.NoError(t, err)
	first := *db.record("CA", "1")

	res, err := u.ApplyBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 2, db.count())

	second := db.record("CA", "1")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.LastActionDate, second.LastActionDate)
}

func TestUpserter_DuplicateKeyInOneBatch(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	u := newTestUpserter(db, 100)

	batch := classifiedBatch(ChangeNew, "1", "1")
	batch[1].Status = model.StatusEngrossed

	res, err := u.ApplyBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, db.count())
	assert.Equal(t, model.StatusEngrossed, db.record("CA", "1").Status)
}

func TestUpserter_CursorCommitsWithFinalBatch(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	var seenAtBegin []bool
	db.onBegin = func() {
		_, ok := db.cursors[cursorKey("CA", "2025")]
		seenAtBegin = append(seenAtBegin, ok)
	}
	u := newTestUpserter(db, 2)

	cursor := &model.SyncCursor{Jurisdiction: "CA", SessionID: "2025", LastPage: 4, TotalPages: 9}
	res, err := u.ApplyPage(context.Background(), classifiedBatch(ChangeNew, "1", "2", "3"), cursor)
	require.NoError(t, err)
	assert.True(t, res.CursorSaved)

	assert.Equal(t, []bool{false, false}, seenAtBegin, "cursor only lands when the last batch commits")
	c, _ := db.Get(context.Background(), "CA", "2025")
	require.NotNil(t, c)
	assert.Equal(t, 4, c.LastPage)
}

func TestUpserter_CursorSavedForPageWithoutChanges(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	u := newTestUpserter(db, 2)

	cursor := &model.SyncCursor{Jurisdiction: "CA", SessionID: "2025", LastPage: 2, TotalPages: 3}
	res, err := u.ApplyPage(context.Background(), classifiedBatch(ChangeUnchanged, "1"), cursor)
	require.NoError(t, err)
	assert.True(t, res.CursorSaved)
	assert.Zero(t, res.Applied)
	assert.Equal(t, int32(1), db.commits.Load())
}

func TestUpserter_BatchFailureRollsBackOnlyThatBatch(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	db.failCommits = 1
	u := newTestUpserter(db, 2)

	cursor := &model.SyncCursor{Jurisdiction: "CA", SessionID: "2025", LastPage: 1, TotalPages: 2}
	res, err := u.ApplyPage(context.Background(), classifiedBatch(ChangeNew, "1", "2", "3", "4"), cursor)
	require.ErrorIs(t, err, ErrBatchFailed)

	assert.Equal(t, 1, res.BatchesFailed)
	assert.Equal(t, 2, res.Applied)
	assert.Nil(t, db.record("CA", "1"))
	assert.NotNil(t, db.record("CA", "3"))
	assert.False(t, res.CursorSaved, "a page with a failed batch is not marked done")
	c, _ := db.Get(context.Background(), "CA", "2025")
	assert.Nil(t, c)
}

func TestUpserter_PoolErrorStopsApply(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	db.acquireErr = fmt.Errorf("acquire: %w", pool.ErrPoolExhausted)
	u := newTestUpserter(db, 2)

	_, err := u.ApplyBatch(context.Background(), classifiedBatch(ChangeNew, "1", "2", "3"))
	require.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.Zero(t, db.begins.Load())
}

func TestUpserter_CancellationFinishesInFlightBatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	db := newMemDB()
	// cancel as soon as the first batch starts
	db.onBegin = cancel
	u := newTestUpserter(db, 2)

	res, err := u.ApplyBatch(ctx, classifiedBatch(ChangeNew, "1", "2", "3", "4"))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, res.Applied, "the started batch commits")
	assert.Equal(t, int32(1), db.begins.Load(), "no batch starts after cancellation")
	assert.NotNil(t, db.record("CA", "2"))
	assert.Nil(t, db.record("CA", "3"))
}
