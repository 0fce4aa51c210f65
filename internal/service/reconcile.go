package service

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
	"github.com/jjenkins/billsync/internal/model"
)

// ChangeKind classifies a remote record against its persisted state
type ChangeKind int

const (
	ChangeNew ChangeKind = iota
	ChangeStatusChanged
	ChangeContentChanged
	ChangeUnchanged
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeStatusChanged:
		return "status_changed"
	case ChangeContentChanged:
		return "content_changed"
	case ChangeUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Anomaly reasons
const (
	AnomalyUnknownStatus   = "unknown_status"
	AnomalyStaleRegression = "stale_regression"
	AnomalyInvalidDate     = "invalid_action_date"
)

// ClassificationAnomaly is a record processed with a default or ignored status
type ClassificationAnomaly struct {
	Key        model.RecordKey
	StatusCode string
	Reason     string
	Detail     string
}

// ClassifiedRecord is a remote record with its change kind and mapped status
type ClassifiedRecord struct {
	Raw    model.RawRecord
	Kind   ChangeKind
	Status model.Status
}

// Result partitions a remote snapshot by change kind
type Result struct {
	New            []ClassifiedRecord
	StatusChanged  []ClassifiedRecord
	ContentChanged []ClassifiedRecord
	Unchanged      []ClassifiedRecord
	// Missing counts local records absent from the remote snapshot. Nothing is deleted.
	Missing   int
	Anomalies []ClassificationAnomaly
}

// Writable returns the records the upserter must write, grouped by kind
func (r *Result) Writable() []ClassifiedRecord {
	out := make([]ClassifiedRecord, 0, len(r.New)+len(r.StatusChanged)+len(r.ContentChanged))
	out = append(out, r.New...)
	out = append(out, r.StatusChanged...)
	out = append(out, r.ContentChanged...)
	return out
}

// Engine diffs remote records against persisted state. It never writes.
type Engine struct {
	mapper *StatusMapper
	logger zerolog.Logger
}

// NewEngine creates a reconciliation engine
func NewEngine(mapper *StatusMapper) *Engine {
	return &Engine{mapper: mapper, logger: logging.Component("reconcile")}
}

// Classify returns the change kind of remote against local, which may be nil.
func (e *Engine) Classify(remote model.RawRecord, local *model.LegislativeRecord) ChangeKind {
	c, _ := e.classify(remote, local)
	return c.Kind
}

func (e *Engine) classify(remote model.RawRecord, local *model.LegislativeRecord) (ClassifiedRecord, []ClassificationAnomaly) {
	var anomalies []ClassificationAnomaly

	remoteDate, ok := parseActionDate(remote.LastActionDate)
	if !ok {
		anomalies = append(anomalies, ClassificationAnomaly{
			Key:    remote.Key(),
			Reason: AnomalyInvalidDate,
			Detail: remote.LastActionDate,
		})
		// keep what is stored rather than writing a null date
		remoteDate = sql.NullTime{}
		remote.LastActionDate = ""
		if local != nil && local.LastActionDate.Valid {
			remoteDate = local.LastActionDate
			remote.LastActionDate = local.LastActionDate.Time.Format(time.DateOnly)
		}
	}

	status, known := e.mapper.Map(remote.Jurisdiction, remote.StatusCode)
	c := ClassifiedRecord{Raw: remote, Status: status}
	if !known {
		anomalies = append(anomalies, ClassificationAnomaly{Key: remote.Key(), StatusCode: remote.StatusCode, Reason: AnomalyUnknownStatus})
	}

	switch {
	case local == nil:
		c.Kind = ChangeNew

	case local.Status.IsTerminal():
		switch {
		case status == local.Status:
			c.Kind = ChangeUnchanged
		case status.IsTerminal():
			c.Kind = ChangeStatusChanged
		default:
			// A terminal record never goes back; the remote is lagging.
			c.Kind = ChangeUnchanged
			c.Status = local.Status
			anomalies = append(anomalies, ClassificationAnomaly{Key: remote.Key(), StatusCode: remote.StatusCode, Reason: AnomalyStaleRegression})
		}

	case status != local.Status:
		c.Kind = ChangeStatusChanged

	case sameDay(remoteDate, local.LastActionDate):
		c.Kind = ChangeUnchanged

	default:
		c.Kind = ChangeContentChanged
	}

	return c, anomalies
}

// Reconcile classifies every remote record and counts local records the remote no longer lists
func (e *Engine) Reconcile(remote []model.RawRecord, local map[model.RecordKey]*model.LegislativeRecord) Result {
	var result Result
	seen := make(map[model.RecordKey]struct{}, len(remote))

	for _, r := range remote {
		seen[r.Key()] = struct{}{}
		c, anomalies := e.classify(r, local[r.Key()])
		for _, a := range anomalies {
			e.recordAnomaly(a)
		}
		result.Anomalies = append(result.Anomalies, anomalies...)
		metrics.RecordsClassified.WithLabelValues(r.Jurisdiction, c.Kind.String()).Inc()

		switch c.Kind {
		case ChangeNew:
			result.New = append(result.New, c)
		case ChangeStatusChanged:
			result.StatusChanged = append(result.StatusChanged, c)
		case ChangeContentChanged:
			result.ContentChanged = append(result.ContentChanged, c)
		default:
			result.Unchanged = append(result.Unchanged, c)
		}
	}

	result.Missing = CountMissing(seen, local)
	return result
}

// CountMissing counts local records whose key is not in seen
func CountMissing(seen map[model.RecordKey]struct{}, local map[model.RecordKey]*model.LegislativeRecord) int {
	missing := 0
	for key := range local {
		if _, ok := seen[key]; !ok {
			missing++
		}
	}
	return missing
}

func (e *Engine) recordAnomaly(a ClassificationAnomaly) {
	metrics.ClassificationAnomalies.WithLabelValues(a.Key.Jurisdiction, a.Reason).Inc()
	e.logger.Warn().
		Str("jurisdiction", a.Key.Jurisdiction).
		Str("external_id", a.Key.ExternalID).
		Str("status_code", a.StatusCode).
		Str("detail", a.Detail).
		Str("reason", a.Reason).
		Msg("Classification anomaly")
}
