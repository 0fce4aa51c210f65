package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jjenkins/billsync/internal/model"
)

// MetricsService calculates and stores dashboard aggregates
type MetricsService struct {
	db *sql.DB
}

// NewMetricsService creates a new MetricsService
func NewMetricsService(db *sql.DB) *MetricsService {
	return &MetricsService{db: db}
}

// SystemMetrics represents calculated record-level aggregates
type SystemMetrics struct {
	TotalRecords    int
	NeedsEnrichment int
	Enriched        int
	Jurisdictions   int
	ByStatus        map[model.Status]int
	LastSyncedAt    sql.NullTime
}

// CalculateAndStore calculates aggregates and stores them in the metrics table
func (m *MetricsService) CalculateAndStore(ctx context.Context) (*SystemMetrics, error) {
	metrics := &SystemMetrics{ByStatus: make(map[model.Status]int, len(model.Statuses))}

	totalsQuery := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE needs_enrichment),
			COUNT(*) FILTER (WHERE enriched_at IS NOT NULL),
			COUNT(DISTINCT jurisdiction),
			MAX(last_synced_at)
		FROM legislative_records
	`
	err := m.db.QueryRowContext(ctx, totalsQuery).Scan(
		&metrics.TotalRecords,
		&metrics.NeedsEnrichment,
		&metrics.Enriched,
		&metrics.Jurisdictions,
		&metrics.LastSyncedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate record metrics: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM legislative_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		metrics.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count records by status: %w", err)
	}

	values := map[string]string{
		"total_records":    strconv.Itoa(metrics.TotalRecords),
		"needs_enrichment": strconv.Itoa(metrics.NeedsEnrichment),
		"enriched":         strconv.Itoa(metrics.Enriched),
		"jurisdictions":    strconv.Itoa(metrics.Jurisdictions),
	}
	for _, status := range model.Statuses {
		values["status_"+string(status)] = strconv.Itoa(metrics.ByStatus[status])
	}
	if metrics.LastSyncedAt.Valid {
		values["last_synced_at"] = metrics.LastSyncedAt.Time.UTC().Format(time.RFC3339)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	for _, name := range names {
		if err := m.storeMetric(ctx, name, values[name], now); err != nil {
			return nil, err
		}
	}

	return metrics, nil
}

// storeMetric stores a single metric value
func (m *MetricsService) storeMetric(ctx context.Context, name, value string, at time.Time) error {
	query := `
		INSERT INTO metrics (metric_name, metric_value, calculated_at)
		VALUES ($1, $2, $3)
	`

	_, err := m.db.ExecContext(ctx, query, name, value, at)
	if err != nil {
		return fmt.Errorf("failed to store metric %s: %w", name, err)
	}

	return nil
}

// GetLatestMetrics retrieves the most recent value of every metric
func (m *MetricsService) GetLatestMetrics(ctx context.Context) (map[string]string, error) {
	query := `
		SELECT DISTINCT ON (metric_name) metric_name, metric_value
		FROM metrics
		ORDER BY metric_name, calculated_at DESC
	`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	defer rows.Close()

	metrics := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics[name] = value
	}

	return metrics, rows.Err()
}
