package model

import (
	"database/sql"
	"time"
)

// SyncCursor tracks resumable progress for one jurisdiction and session
type SyncCursor struct {
	Jurisdiction string
	SessionID    string
	LastPage     int
	TotalPages   int
	LastRunID    string
	UpdatedAt    time.Time
	CompletedAt  sql.NullTime
}

// NextPage returns the listing page a new pass should start from
func (c *SyncCursor) NextPage() int {
	if c == nil || c.LastPage <= 0 {
		return 1
	}
	return c.LastPage + 1
}

// InProgress reports whether a previous pass stopped part way through
func (c *SyncCursor) InProgress() bool {
	return c != nil && c.LastPage > 0
}
