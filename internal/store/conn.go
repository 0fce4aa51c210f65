package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jjenkins/billsync/internal/model"
)

// Conn is one dedicated database session handed out by the write pool.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a write transaction on a Conn.
type Tx interface {
	// UpsertRecord writes one record inside its own savepoint. A failed row is
	// rolled back to the savepoint and the transaction stays usable, unless
	// the error wraps ErrTxBroken.
	UpsertRecord(ctx context.Context, r *model.LegislativeRecord) (UpsertOutcome, error)
	SaveCursor(ctx context.Context, c *model.SyncCursor) error
	Commit() error
	Rollback() error
}

// UpsertOutcome says what an upsert did to the stored row
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota
	OutcomeUpdated
	// OutcomeGuarded means the stored status is terminal and the write would have regressed it.
	OutcomeGuarded
)

const upsertRecordQuery = `
	INSERT INTO legislative_records (external_id, jurisdiction, session_id, number, record_type,
	                                 title, description, url, status, last_action_date,
	                                 needs_enrichment, last_synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (jurisdiction, external_id) DO UPDATE SET
		number = EXCLUDED.number,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		url = EXCLUDED.url,
		status = EXCLUDED.status,
		last_action_date = EXCLUDED.last_action_date,
		needs_enrichment = EXCLUDED.needs_enrichment,
		last_synced_at = EXCLUDED.last_synced_at
	WHERE legislative_records.status NOT IN ('vetoed', 'enacted', 'failed')
	   OR EXCLUDED.status IN ('vetoed', 'enacted', 'failed')
	RETURNING id, (xmax = 0) AS inserted
`

const saveCursorQuery = `
	INSERT INTO sync_cursors (jurisdiction, session_id, last_page, total_pages,
	                          last_run_id, updated_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (jurisdiction, session_id) DO UPDATE SET
		last_page = EXCLUDED.last_page,
		total_pages = EXCLUDED.total_pages,
		last_run_id = EXCLUDED.last_run_id,
		updated_at = EXCLUDED.updated_at,
		completed_at = COALESCE(EXCLUDED.completed_at, sync_cursors.completed_at)
`

// NewConnFactory returns a factory that checks dedicated sessions out of db.
func NewConnFactory(db *sql.DB) func(ctx context.Context) (Conn, error) {
	return func(ctx context.Context) (Conn, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to open connection: %w", err))
		}
		return &sqlConn{conn: c}, nil
	}
}

type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return classify(c.conn.PingContext(ctx))
}

func (c *sqlConn) Close() error {
	return c.conn.Close()
}

func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) UpsertRecord(ctx context.Context, r *model.LegislativeRecord) (UpsertOutcome, error) {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT upsert_row"); err != nil {
		return 0, fmt.Errorf("%w: savepoint: %w", ErrTxBroken, classify(err))
	}

	var inserted bool
	err := t.tx.QueryRowContext(ctx, upsertRecordQuery,
		r.ExternalID,
		r.Jurisdiction,
		r.SessionID,
		r.Number,
		r.RecordType,
		r.Title,
		r.Description,
		r.URL,
		string(r.Status),
		r.LastActionDate,
		r.NeedsEnrichment,
		r.LastSyncedAt,
	).Scan(&r.ID, &inserted)

	if errors.Is(err, sql.ErrNoRows) {
		// the conflict WHERE clause refused a terminal regression
		if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT upsert_row"); err != nil {
			return 0, fmt.Errorf("%w: release savepoint: %w", ErrTxBroken, classify(err))
		}
		return OutcomeGuarded, nil
	}
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT upsert_row"); rbErr != nil {
			return 0, fmt.Errorf("%w: rollback to savepoint after %v: %w", ErrTxBroken, err, classify(rbErr))
		}
		return 0, classify(fmt.Errorf("failed to upsert record %s/%s: %w", r.Jurisdiction, r.ExternalID, err))
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT upsert_row"); err != nil {
		return 0, fmt.Errorf("%w: release savepoint: %w", ErrTxBroken, classify(err))
	}

	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

func (t *sqlTx) SaveCursor(ctx context.Context, c *model.SyncCursor) error {
	_, err := t.tx.ExecContext(ctx, saveCursorQuery,
		c.Jurisdiction,
		c.SessionID,
		c.LastPage,
		c.TotalPages,
		c.LastRunID,
		c.UpdatedAt,
		c.CompletedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save cursor %s/%s: %w", c.Jurisdiction, c.SessionID, err))
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
