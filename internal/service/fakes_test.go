package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/retry"
	"github.com/jjenkins/billsync/internal/store"
)

var errTransientDB = retry.Transient(errors.New("connection reset by peer"))

// memDB is an in-memory stand-in for Postgres. It implements SnapshotLoader,
// CursorReader and ConnProvider.
type memDB struct {
	mu      sync.Mutex
	records map[model.RecordKey]*model.LegislativeRecord
	cursors map[string]model.SyncCursor

	// failUpsert, when set, decides whether an upsert attempt fails.
	failUpsert  func(r *model.LegislativeRecord, attempt int) error
	attempts    map[model.RecordKey]int
	failCommits int
	acquireErr  error

	begins  atomic.Int32
	commits atomic.Int32
	writes  atomic.Int32
	// onBegin runs when a transaction starts.
	onBegin func()
}

func newMemDB() *memDB {
	return &memDB{
		records:  make(map[model.RecordKey]*model.LegislativeRecord),
		cursors:  make(map[string]model.SyncCursor),
		attempts: make(map[model.RecordKey]int),
	}
}

func cursorKey(j, s string) string { return j + "/" + s }

func (m *memDB) seed(records ...*model.LegislativeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		cp := *r
		m.records[r.Key()] = &cp
	}
}

func (m *memDB) record(j, id string) *model.LegislativeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[model.RecordKey{Jurisdiction: j, ExternalID: id}]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (m *memDB) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memDB) LoadSnapshot(_ context.Context, jurisdiction, sessionID string) (map[model.RecordKey]*model.LegislativeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.RecordKey]*model.LegislativeRecord)
	for k, r := range m.records {
		if r.Jurisdiction == jurisdiction && r.SessionID == sessionID {
			cp := *r
			out[k] = &cp
		}
	}
	return out, nil
}

func (m *memDB) Get(_ context.Context, jurisdiction, sessionID string) (*model.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[cursorKey(jurisdiction, sessionID)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memDB) Acquire(ctx context.Context) (store.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	return &memConn{db: m}, nil
}

func (m *memDB) Release(store.Conn) {}

type memConn struct {
	db *memDB
}

func (c *memConn) Ping(context.Context) error { return nil }
func (c *memConn) Close() error               { return nil }

func (c *memConn) Begin(context.Context) (store.Tx, error) {
	c.db.begins.Add(1)
	if c.db.onBegin != nil {
		c.db.onBegin()
	}
	return &memTx{db: c.db, staged: make(map[model.RecordKey]*model.LegislativeRecord)}, nil
}

type memTx struct {
	db     *memDB
	staged map[model.RecordKey]*model.LegislativeRecord
	order  []model.RecordKey
	cursor *model.SyncCursor
	done   bool
}

func (t *memTx) UpsertRecord(_ context.Context, r *model.LegislativeRecord) (store.UpsertOutcome, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	key := r.Key()
	t.db.attempts[key]++
	if t.db.failUpsert != nil {
		if err := t.db.failUpsert(r, t.db.attempts[key]); err != nil {
			return 0, err
		}
	}

	existing, ok := t.staged[key]
	if !ok {
		existing, ok = t.db.records[key]
	}
	if !ok {
		cp := *r
		t.staged[key] = &cp
		t.order = append(t.order, key)
		return store.OutcomeInserted, nil
	}
	if existing.Status.IsTerminal() && !r.Status.IsTerminal() {
		return store.OutcomeGuarded, nil
	}

	cp := *existing
	cp.Number = r.Number
	cp.Title = r.Title
	cp.Description = r.Description
	cp.URL = r.URL
	cp.Status = r.Status
	cp.LastActionDate = r.LastActionDate
	cp.NeedsEnrichment = r.NeedsEnrichment
	cp.LastSyncedAt = r.LastSyncedAt
	t.staged[key] = &cp
	t.order = append(t.order, key)
	return store.OutcomeUpdated, nil
}

func (t *memTx) SaveCursor(_ context.Context, c *model.SyncCursor) error {
	cp := *c
	t.cursor = &cp
	return nil
}

func (t *memTx) Commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if t.db.failCommits > 0 {
		t.db.failCommits--
		return fmt.Errorf("failed to commit transaction: %w", errTransientDB)
	}
	for _, k := range t.order {
		t.db.records[k] = t.staged[k]
	}
	t.db.writes.Add(int32(len(t.order)))
	if t.cursor != nil {
		prev := t.db.cursors[cursorKey(t.cursor.Jurisdiction, t.cursor.SessionID)]
		if !t.cursor.CompletedAt.Valid {
			t.cursor.CompletedAt = prev.CompletedAt
		}
		t.db.cursors[cursorKey(t.cursor.Jurisdiction, t.cursor.SessionID)] = *t.cursor
	}
	t.db.commits.Add(1)
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

// fakeRemote serves a fixed set of pages per jurisdiction and session.
type fakeRemote struct {
	mu       sync.Mutex
	pages    map[string][]*model.MasterListPage
	details  map[string]model.RawRecord
	pageErr  func(page, attempt int) error
	attempts map[int]int
	calls    int
	detailN  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pages:    make(map[string][]*model.MasterListPage),
		details:  make(map[string]model.RawRecord),
		attempts: make(map[int]int),
	}
}

// setRecords splits records into pages of perPage.
func (f *fakeRemote) setRecords(jurisdiction, sessionID string, perPage int, records ...model.RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pages []*model.MasterListPage
	for start := 0; start < len(records) || start == 0; start += perPage {
		end := min(start+perPage, len(records))
		pages = append(pages, &model.MasterListPage{Page: len(pages) + 1, Records: append([]model.RawRecord(nil), records[start:end]...)})
		if end == len(records) {
			break
		}
	}
	for _, p := range pages {
		p.TotalPages = len(pages)
	}
	for _, r := range records {
		f.details[r.ExternalID] = r
	}
	f.pages[cursorKey(jurisdiction, sessionID)] = pages
}

func (f *fakeRemote) FetchMasterList(_ context.Context, jurisdiction, sessionID string, page int) (*model.MasterListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.attempts[page]++
	if f.pageErr != nil {
		if err := f.pageErr(page, f.attempts[page]); err != nil {
			return nil, err
		}
	}

	pages := f.pages[cursorKey(jurisdiction, sessionID)]
	if page > len(pages) {
		return &model.MasterListPage{Page: page, TotalPages: len(pages)}, nil
	}
	src := pages[page-1]
	out := &model.MasterListPage{Page: src.Page, TotalPages: src.TotalPages, Records: append([]model.RawRecord(nil), src.Records...)}
	return out, nil
}

func (f *fakeRemote) FetchBill(_ context.Context, externalID string) (model.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.detailN++
	d, ok := f.details[externalID]
	if !ok {
		return model.RawRecord{}, fmt.Errorf("getBill: unexpected status code: 404")
	}
	return d, nil
}

// countingWaiter counts limiter checks.
type countingWaiter struct {
	n atomic.Int32
}

func (w *countingWaiter) WaitIfNeeded(ctx context.Context) error {
	w.n.Add(1)
	return ctx.Err()
}

func raw(j, id, number, status, lastAction string) model.RawRecord {
	return model.RawRecord{
		ExternalID:     id,
		Jurisdiction:   j,
		SessionID:      "2025",
		Number:         number,
		Title:          "An act relating to " + number,
		StatusCode:     status,
		LastActionDate: lastAction,
	}
}
