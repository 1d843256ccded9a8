package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"timepulse/backend/internal/timer/domain"
)

const entryColumns = `id, user_id, project_id, task_id, label, started_at, stopped_at, duration_seconds`

const (
	stopRunningSQL = `UPDATE time_entries
SET stopped_at = $2,
    duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($2 - started_at))))::bigint
WHERE user_id = $1 AND stopped_at IS NULL
RETURNING ` + entryColumns

	insertEntrySQL = `INSERT INTO time_entries (id, user_id, project_id, task_id, label, started_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	getRunningSQL = `SELECT ` + entryColumns + ` FROM time_entries WHERE user_id = $1 AND stopped_at IS NULL`

	listRunningSQL = `SELECT ` + entryColumns + ` FROM time_entries WHERE stopped_at IS NULL ORDER BY started_at`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a time entry repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Start implements Repository.
func (r *PostgresRepository) Start(ctx context.Context, e *domain.TimeEntry) (*domain.TimeEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	previous, err := scanEntry(tx.QueryRowContext(ctx, stopRunningSQL, e.UserID, e.StartedAt))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stop running entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertEntrySQL, e.ID, e.UserID, e.ProjectID, e.TaskID, e.Label, e.StartedAt); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return previous, nil
}

// Stop implements Repository.
func (r *PostgresRepository) Stop(ctx context.Context, userID string, at time.Time) (*domain.TimeEntry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, stopRunningSQL, userID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetRunning implements Repository.
func (r *PostgresRepository) GetRunning(ctx context.Context, userID string) (*domain.TimeEntry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, getRunningSQL, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListRunning implements Repository.
func (r *PostgresRepository) ListRunning(ctx context.Context) ([]*domain.TimeEntry, error) {
	rows, err := r.db.QueryContext(ctx, listRunningSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanEntry returns sql.ErrNoRows unwrapped so callers can detect "nothing running".
func scanEntry(row rowScanner) (*domain.TimeEntry, error) {
	var (
		e         domain.TimeEntry
		stoppedAt sql.NullTime
		duration  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.TaskID, &e.Label, &e.StartedAt, &stoppedAt, &duration); err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time.UTC()
		e.StoppedAt = &t
	}
	e.StartedAt = e.StartedAt.UTC()
	e.DurationSeconds = duration.Int64
	return &e, nil
}
