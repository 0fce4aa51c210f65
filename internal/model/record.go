package model

import (
	"database/sql"
	"time"
)

// Status is the canonical lifecycle state of a legislative record
type Status string

const (
	StatusPending    Status = "pending"
	StatusIntroduced Status = "introduced"
	StatusEngrossed  Status = "engrossed"
	StatusEnrolled   Status = "enrolled"
	StatusPassed     Status = "passed"
	StatusVetoed     Status = "vetoed"
	StatusEnacted    Status = "enacted"
	StatusFailed     Status = "failed"
)

// Statuses lists the taxonomy in lifecycle order
var Statuses = []Status{
	StatusPending,
	StatusIntroduced,
	StatusEngrossed,
	StatusEnrolled,
	StatusPassed,
	StatusVetoed,
	StatusEnacted,
	StatusFailed,
}

// IsTerminal reports whether the status ends the record's lifecycle
func (s Status) IsTerminal() bool {
	return s == StatusVetoed || s == StatusEnacted || s == StatusFailed
}

// Valid reports whether s is part of the taxonomy
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Record types reported by the source
const (
	RecordTypeBill           = "bill"
	RecordTypeExecutiveOrder = "executive_order"
)

// Field caps applied on write
const (
	MaxTitleLength       = 500
	MaxDescriptionLength = 2000
)

// LegislativeRecord is the persisted state of a bill or executive order
type LegislativeRecord struct {
	ID              int64
	ExternalID      string
	Jurisdiction    string
	SessionID       string
	Number          string
	RecordType      string
	Title           string
	Description     string
	URL             string
	Status          Status
	LastActionDate  sql.NullTime
	NeedsEnrichment bool
	Enrichment      *Enrichment
	LastSyncedAt    time.Time
	CreatedAt       time.Time
}

// Key returns the reconciliation identity of the record
func (r *LegislativeRecord) Key() RecordKey {
	return RecordKey{Jurisdiction: r.Jurisdiction, ExternalID: r.ExternalID}
}

// RecordKey is the globally unique (jurisdiction, externalId) pair
type RecordKey struct {
	Jurisdiction string
	ExternalID   string
}

// RawRecord is a record as reported by the remote API, before normalization
type RawRecord struct {
	ExternalID     string
	Jurisdiction   string
	SessionID      string
	Number         string
	RecordType     string
	Title          string
	Description    string
	URL            string
	StatusCode     string
	LastActionDate string
	ChangeHash     string
	Page           int
}

// Key returns the reconciliation identity of the remote record
func (r RawRecord) Key() RecordKey {
	return RecordKey{Jurisdiction: r.Jurisdiction, ExternalID: r.ExternalID}
}

// MasterListPage is one page of the remote listing endpoint
type MasterListPage struct {
	Page       int
	TotalPages int
	Records    []RawRecord
}
