package repository

import (
	"context"
	"time"

	"timepulse/backend/internal/timer/domain"
)

// Repository defines persistence for time entries. Implementations keep at most one running
// entry per user.
type Repository interface {
	// Start stops the user's running entry (if any) and inserts e, atomically. It returns the
	// entry that was stopped, or nil.
	Start(ctx context.Context, e *domain.TimeEntry) (previous *domain.TimeEntry, err error)
	// Stop closes the user's running entry at the given time. Returns nil, nil when none runs.
	Stop(ctx context.Context, userID string, at time.Time) (*domain.TimeEntry, error)
	// GetRunning returns the user's running entry, or nil.
	GetRunning(ctx context.Context, userID string) (*domain.TimeEntry, error)
	// ListRunning returns every running entry; used to rebuild presence after a restart.
	ListRunning(ctx context.Context) ([]*domain.TimeEntry, error)
}
