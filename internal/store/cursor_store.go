package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jjenkins/billsync/internal/model"
)

// CursorStore reads sync cursors. Cursors are written through Tx.SaveCursor
// so they commit with the batch that finished the page.
type CursorStore struct {
	db *sql.DB
}

// NewCursorStore creates a new CursorStore
func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get retrieves the cursor for a jurisdiction and session. It returns nil, nil when none exists.
func (s *CursorStore) Get(ctx context.Context, jurisdiction, sessionID string) (*model.SyncCursor, error) {
	query := `
		SELECT jurisdiction, session_id, last_page, total_pages, last_run_id,
		       updated_at, completed_at
		FROM sync_cursors
		WHERE jurisdiction = $1 AND session_id = $2
	`

	var c model.SyncCursor
	err := s.db.QueryRowContext(ctx, query, jurisdiction, sessionID).Scan(
		&c.Jurisdiction,
		&c.SessionID,
		&c.LastPage,
		&c.TotalPages,
		&c.LastRunID,
		&c.UpdatedAt,
		&c.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get cursor %s/%s: %w", jurisdiction, sessionID, err))
	}

	return &c, nil
}

// List retrieves all cursors ordered by jurisdiction and session
func (s *CursorStore) List(ctx context.Context) ([]model.SyncCursor, error) {
	query := `
		SELECT jurisdiction, session_id, last_page, total_pages, last_run_id,
		       updated_at, completed_at
		FROM sync_cursors
		ORDER BY jurisdiction, session_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []model.SyncCursor
	for rows.Next() {
		var c model.SyncCursor
		if err := rows.Scan(
			&c.Jurisdiction,
			&c.SessionID,
			&c.LastPage,
			&c.TotalPages,
			&c.LastRunID,
			&c.UpdatedAt,
			&c.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}

	return cursors, rows.Err()
}
