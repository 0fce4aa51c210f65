package handlers

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/store"
)

type fakeRecords struct {
	records    []model.LegislativeRecord
	lastFilter store.ListFilter
	err        error
}

func (f *fakeRecords) GetTotals(context.Context) (store.Totals, error) {
	return store.Totals{Records: len(f.records), NeedsEnrichment: len(f.records), Jurisdictions: 1}, f.err
}

func (f *fakeRecords) CountByStatus(context.Context) (map[model.Status]int, error) {
	counts := make(map[model.Status]int)
	for _, r := range f.records {
		counts[r.Status]++
	}
	return counts, f.err
}

func (f *fakeRecords) List(_ context.Context, filter store.ListFilter) ([]model.LegislativeRecord, int, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, 0, f.err
	}
	var out []model.LegislativeRecord
	for _, r := range f.records {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, len(out), nil
}

func (f *fakeRecords) Get(_ context.Context, jurisdiction, externalID string) (*model.LegislativeRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.records {
		if f.records[i].Jurisdiction == jurisdiction && f.records[i].ExternalID == externalID {
			return &f.records[i], nil
		}
	}
	return nil, nil
}

type fakeCursors struct {
	cursors []model.SyncCursor
}

func (f *fakeCursors) List(context.Context) ([]model.SyncCursor, error) {
	return f.cursors, nil
}

func testCursors() *fakeCursors {
	return &fakeCursors{cursors: []model.SyncCursor{
		{Jurisdiction: "CA", SessionID: "2025", LastPage: 3, TotalPages: 7, LastRunID: "run-1"},
		{Jurisdiction: "TX", SessionID: "2025", CompletedAt: sql.NullTime{Time: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Valid: true}},
	}}
}

func sampleRecords() *fakeRecords {
	return &fakeRecords{records: []model.LegislativeRecord{
		{
			ExternalID: "100", Jurisdiction: "CA", SessionID: "2025", Number: "HB1", RecordType: model.RecordTypeBill,
			Title: "Budget Act", Status: model.StatusIntroduced,
			LastActionDate: sql.NullTime{Time: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), Valid: true},
		},
		{
			ExternalID: "101", Jurisdiction: "CA", SessionID: "2025", Number: "HB2", RecordType: model.RecordTypeBill,
			Title: "Water Act", Status: model.StatusPassed,
			Enrichment: &model.Enrichment{Summary: "Funds reservoirs.", Category: "Water", ProducerVersion: 1},
		},
	}}
}

func newTestApp(records *fakeRecords, pingErr error) Deps {
	return Deps{
		Records: records,
		Cursors: testCursors(),
		Ping:    func(context.Context) error { return pingErr },
	}
}

func get(t *testing.T, deps Deps, target string) (int, []byte) {
	t.Helper()
	app := NewApp(deps)
	resp, err := app.Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestRecordsHandler_FiltersByStatus(t *testing.T) {
	records := sampleRecords()
	status, body := get(t, newTestApp(records, nil), "/api/records?status=PASSED&jurisdiction=ca&limit=10")
	require.Equal(t, 200, status)

	var resp listResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "HB2", resp.Records[0].Number)
	require.NotNil(t, resp.Records[0].Enrichment)
	assert.Equal(t, "Water", resp.Records[0].Enrichment.Category)

	assert.Equal(t, model.StatusPassed, records.lastFilter.Status)
	assert.Equal(t, "ca", records.lastFilter.Jurisdiction)
	assert.Equal(t, 10, records.lastFilter.Limit)
}

func TestRecordsHandler_RejectsUnknownStatus(t *testing.T) {
	status, _ := get(t, newTestApp(sampleRecords(), nil), "/api/records?status=tabled")
	assert.Equal(t, 400, status)
}

func TestRecordsHandler_ClampsLimit(t *testing.T) {
	records := sampleRecords()
	status, _ := get(t, newTestApp(records, nil), "/api/records?limit=10000&offset=-4")
	require.Equal(t, 200, status)
	assert.Equal(t, 50, records.lastFilter.Limit)
	assert.Equal(t, 0, records.lastFilter.Offset)
}

func TestRecordsHandler_StoreError(t *testing.T) {
	records := &fakeRecords{err: errors.New("db down")}
	status, _ := get(t, newTestApp(records, nil), "/api/records")
	assert.Equal(t, 500, status)
}

func TestRecordDetailHandler(t *testing.T) {
	deps := newTestApp(sampleRecords(), nil)

	status, body := get(t, deps, "/api/records/ca/100")
	require.Equal(t, 200, status)
	var rec recordResponse
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "Budget Act", rec.Title)
	require.NotNil(t, rec.LastActionDate)
	assert.Equal(t, "2025-01-15", *rec.LastActionDate)
	assert.Nil(t, rec.Enrichment)

	status, _ = get(t, deps, "/api/records/CA/999")
	assert.Equal(t, 404, status)
}

func TestSyncStatusHandler(t *testing.T) {
	status, body := get(t, newTestApp(sampleRecords(), nil), "/api/sync")
	require.Equal(t, 200, status)

	var resp struct {
		Cursors []cursorResponse `json:"cursors"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Cursors, 2)
	assert.True(t, resp.Cursors[0].InProgress)
	assert.Nil(t, resp.Cursors[0].CompletedAt)
	assert.False(t, resp.Cursors[1].InProgress)
	assert.NotNil(t, resp.Cursors[1].CompletedAt)
}

func TestHealthHandler(t *testing.T) {
	status, _ := get(t, newTestApp(sampleRecords(), nil), "/healthz")
	assert.Equal(t, 200, status)

	status, _ = get(t, newTestApp(sampleRecords(), errors.New("refused")), "/healthz")
	assert.Equal(t, 503, status)
}

func TestHomeHandler(t *testing.T) {
	status, body := get(t, newTestApp(sampleRecords(), nil), "/")
	require.Equal(t, 200, status)
	assert.Contains(t, string(body), "<tr><td>passed</td><td>1</td></tr>")
	assert.Contains(t, string(body), "3 / 7")

	status, body = get(t, newTestApp(&fakeRecords{}, nil), "/")
	require.Equal(t, 200, status)
	assert.Contains(t, string(body), "No records yet")
}

func TestMetricsEndpoint(t *testing.T) {
	status, body := get(t, newTestApp(sampleRecords(), nil), "/metrics")
	require.Equal(t, 200, status)
	assert.Contains(t, string(body), "go_goroutines")
}
