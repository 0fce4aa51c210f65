package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jjenkins/billsync/internal/model"
)

// RecordStore handles read and enrichment queries for legislative records
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a new RecordStore
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

const recordColumns = `
	id, external_id, jurisdiction, session_id, number, record_type, title,
	description, url, status, last_action_date, needs_enrichment,
	summary, talking_points, business_impact, category, producer_version, enriched_at,
	last_synced_at, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.LegislativeRecord, error) {
	var (
		r               model.LegislativeRecord
		status          string
		summary         sql.NullString
		talkingPoints   pq.StringArray
		businessImpact  sql.NullString
		category        sql.NullString
		producerVersion sql.NullInt64
		enrichedAt      sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.ExternalID,
		&r.Jurisdiction,
		&r.SessionID,
		&r.Number,
		&r.RecordType,
		&r.Title,
		&r.Description,
		&r.URL,
		&status,
		&r.LastActionDate,
		&r.NeedsEnrichment,
		&summary,
		&talkingPoints,
		&businessImpact,
		&category,
		&producerVersion,
		&enrichedAt,
		&r.LastSyncedAt,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.Status(status)
	if enrichedAt.Valid {
		r.Enrichment = &model.Enrichment{
			Summary:         summary.String,
			TalkingPoints:   talkingPoints,
			BusinessImpact:  businessImpact.String,
			Category:        category.String,
			ProducerVersion: int(producerVersion.Int64),
			EnrichedAt:      enrichedAt.Time,
		}
	}
	return &r, nil
}

// Get retrieves a record by its identity. It returns nil, nil when absent.
func (s *RecordStore) Get(ctx context.Context, jurisdiction, externalID string) (*model.LegislativeRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM legislative_records
		WHERE jurisdiction = $1 AND external_id = $2
	`

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, jurisdiction, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", jurisdiction, externalID, err)
	}
	return r, nil
}

// LoadSnapshot returns the persisted records of one jurisdiction and session keyed by identity
func (s *RecordStore) LoadSnapshot(ctx context.Context, jurisdiction, sessionID string) (map[model.RecordKey]*model.LegislativeRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM legislative_records
		WHERE jurisdiction = $1 AND session_id = $2
	`

	rows, err := s.db.QueryContext(ctx, query, jurisdiction, sessionID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to load records for %s/%s: %w", jurisdiction, sessionID, err))
	}
	defer rows.Close()

	snapshot := make(map[model.RecordKey]*model.LegislativeRecord)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		snapshot[r.Key()] = r
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to load records for %s/%s: %w", jurisdiction, sessionID, err))
	}
	return snapshot, nil
}

// ListFilter narrows a record listing
type ListFilter struct {
	Jurisdiction string
	Status       model.Status
	SortBy       string
	Order        string
	Limit        int
	Offset       int
}

// List retrieves records matching the filter and the total match count
func (s *RecordStore) List(ctx context.Context, f ListFilter) ([]model.LegislativeRecord, int, error) {
	// Whitelist sort columns to prevent SQL injection
	sortColumn := "last_synced_at"
	switch f.SortBy {
	case "number":
		sortColumn = "number"
	case "status":
		sortColumn = "status"
	case "action":
		sortColumn = "last_action_date"
	case "title":
		sortColumn = "title"
	}

	sortOrder := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		sortOrder = "ASC"
	}

	var (
		where []string
		args  []any
	)
	if f.Jurisdiction != "" {
		args = append(args, strings.ToUpper(f.Jurisdiction))
		where = append(where, fmt.Sprintf("jurisdiction = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM legislative_records ` + clause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM legislative_records %s
		ORDER BY %s %s NULLS LAST, id
		LIMIT $%d OFFSET $%d`, recordColumns, clause, sortColumn, sortOrder, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []model.LegislativeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *r)
	}

	return records, total, rows.Err()
}

// CountByStatus returns the number of records per status
func (s *RecordStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM legislative_records GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int, len(model.Statuses))
	for _, st := range model.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[model.Status(status)] = n
	}

	return counts, rows.Err()
}

// Totals holds record-level aggregates for the dashboard
type Totals struct {
	Records         int
	NeedsEnrichment int
	Enriched        int
	Jurisdictions   int
}

// GetTotals computes record-level aggregates in one scan
func (s *RecordStore) GetTotals(ctx context.Context) (Totals, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE needs_enrichment),
			COUNT(*) FILTER (WHERE enriched_at IS NOT NULL),
			COUNT(DISTINCT jurisdiction)
		FROM legislative_records
	`

	var t Totals
	err := s.db.QueryRowContext(ctx, query).Scan(&t.Records, &t.NeedsEnrichment, &t.Enriched, &t.Jurisdictions)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to compute record totals: %w", err)
	}
	return t, nil
}

// ListNeedingEnrichment returns up to limit records queued for enrichment, oldest sync first
func (s *RecordStore) ListNeedingEnrichment(ctx context.Context, limit int) ([]model.EnrichmentCandidate, error) {
	query := `
		SELECT jurisdiction, external_id, title, description, last_synced_at,
		       COALESCE(producer_version, 0)
		FROM legislative_records
		WHERE needs_enrichment
		ORDER BY last_synced_at, id
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records needing enrichment: %w", err)
	}
	defer rows.Close()

	var candidates []model.EnrichmentCandidate
	for rows.Next() {
		var c model.EnrichmentCandidate
		if err := rows.Scan(&c.Jurisdiction, &c.ExternalID, &c.Title, &c.Description, &c.ObservedSyncAt, &c.ProducerVersion); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

// UpdateEnrichment stores an enrichment if the row has not moved since it was
// read. It reports false when another writer got there first.
func (s *RecordStore) UpdateEnrichment(ctx context.Context, c model.EnrichmentCandidate, e *model.Enrichment) (bool, error) {
	query := `
		UPDATE legislative_records SET
			summary = $3,
			talking_points = $4,
			business_impact = $5,
			category = $6,
			producer_version = $7,
			enriched_at = $8,
			needs_enrichment = FALSE
		WHERE jurisdiction = $1 AND external_id = $2
		  AND needs_enrichment
		  AND last_synced_at = $9
		  AND (producer_version IS NULL OR producer_version <= $7)
	`

	enrichedAt := e.EnrichedAt
	if enrichedAt.IsZero() {
		enrichedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, query,
		c.Jurisdiction,
		c.ExternalID,
		e.Summary,
		pq.Array(e.TalkingPoints),
		e.BusinessImpact,
		e.Category,
		e.ProducerVersion,
		enrichedAt,
		c.ObservedSyncAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update enrichment for %s/%s: %w", c.Jurisdiction, c.ExternalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
