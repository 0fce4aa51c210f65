// Package metrics exposes Prometheus instrumentation for the sync pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jjenkins/billsync/internal/pool"
)

var (
	// Sync pass metrics
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_sync_passes_total",
			Help: "Total number of sync passes by outcome",
		},
		[]string{"jurisdiction", "outcome"}, // "applied", "no_progress", "failed"
	)

	SyncPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billsync_sync_pass_duration_seconds",
			Help:    "Duration of one sync pass for a jurisdiction",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"jurisdiction"},
	)

	SchedulerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billsync_scheduler_state",
			Help: "1 for the scheduler's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	// Reconciliation metrics
	RecordsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_records_classified_total",
			Help: "Remote records by change kind",
		},
		[]string{"jurisdiction", "kind"},
	)

	ClassificationAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_classification_anomalies_total",
			Help: "Records whose remote status could not be mapped cleanly",
		},
		[]string{"jurisdiction", "reason"}, // "unknown_status", "mapping_conflict", "stale_regression"
	)

	MissingRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billsync_missing_records",
			Help: "Local records absent from the last full remote snapshot",
		},
		[]string{"jurisdiction"},
	)

	// Upsert metrics
	RowsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_rows_applied_total",
			Help: "Rows committed by the upserter",
		},
		[]string{"jurisdiction"},
	)

	RowsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_rows_failed_total",
			Help: "Rows rolled back after exhausting retries",
		},
		[]string{"jurisdiction"},
	)

	// Remote API metrics
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_remote_requests_total",
			Help: "Calls to the legislative data API",
		},
		[]string{"op", "result"},
	)

	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billsync_remote_request_duration_seconds",
			Help:    "Latency of legislative data API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Enrichment metrics
	EnrichmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billsync_enrichments_total",
			Help: "Enrichment attempts by outcome",
		},
		[]string{"outcome"}, // "written", "skipped", "failed"
	)
)

// RecordPass records one finished pass for a jurisdiction.
func RecordPass(jurisdiction, outcome string, duration time.Duration) {
	SyncPassesTotal.WithLabelValues(jurisdiction, outcome).Inc()
	SyncPassDuration.WithLabelValues(jurisdiction).Observe(duration.Seconds())
}

// RecordRemoteCall records one API call and its latency.
func RecordRemoteCall(op string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RemoteRequests.WithLabelValues(op, result).Inc()
	RemoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetSchedulerState marks state as current.
func SetSchedulerState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		SchedulerState.WithLabelValues(s).Set(v)
	}
}

// poolCollector reads pool stats at scrape time.
type poolCollector struct {
	mu     sync.RWMutex
	source func() pool.Stats

	total  *prometheus.Desc
	active *prometheus.Desc
	idle   *prometheus.Desc
	max    *prometheus.Desc
}

var (
	poolStats = &poolCollector{
		total:  prometheus.NewDesc("billsync_pool_connections", "Connections owned by the write pool", nil, nil),
		active: prometheus.NewDesc("billsync_pool_connections_active", "Connections checked out of the write pool", nil, nil),
		idle:   prometheus.NewDesc("billsync_pool_connections_idle", "Idle connections in the write pool", nil, nil),
		max:    prometheus.NewDesc("billsync_pool_connections_max", "Write pool size limit", nil, nil),
	}
	registerPool sync.Once
)

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.active
	ch <- c.idle
	ch <- c.max
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return
	}
	s := source()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxSize))
}

// RegisterPool exports stats of the given pool. Later calls replace the source.
func RegisterPool(stats func() pool.Stats) {
	poolStats.mu.Lock()
	poolStats.source = stats
	poolStats.mu.Unlock()
	registerPool.Do(func() {
		prometheus.MustRegister(poolStats)
	})
}

var (
	rateLimitMu     sync.RWMutex
	rateLimitSource func() int

	// RateLimitSlots is the number of outbound calls still counted against the remote budget.
	RateLimitSlots = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "billsync_ratelimit_slots_in_window",
			Help: "Remote API calls still inside the longest rate limit window",
		},
		func() float64 {
			rateLimitMu.RLock()
			defer rateLimitMu.RUnlock()
			if rateLimitSource == nil {
				return 0
			}
			return float64(rateLimitSource())
		},
	)
)

// RegisterRateLimiter exports the slot count of the shared remote limiter.
func RegisterRateLimiter(pending func() int) {
	rateLimitMu.Lock()
	rateLimitSource = pending
	rateLimitMu.Unlock()
}
