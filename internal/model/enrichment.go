package model

import "time"

// Enrichment holds AI-generated context for a record. It is written by the
// enrichment worker only and is never required for reconciliation.
type Enrichment struct {
	Summary         string
	TalkingPoints   []string
	BusinessImpact  string
	Category        string
	ProducerVersion int
	EnrichedAt      time.Time
}

// EnrichmentCandidate is a record waiting for a summary, with the sync stamp
// observed when it was read
type EnrichmentCandidate struct {
	Jurisdiction    string
	ExternalID      string
	Title           string
	Description     string
	ObservedSyncAt  time.Time
	ProducerVersion int
}
