package domain

import (
	"errors"
	"time"
)

// TimeEntry is one tracked interval of work. StoppedAt is nil while the timer runs.
type TimeEntry struct {
	ID              string
	UserID          string
	ProjectID       string
	TaskID          string
	Label           string
	StartedAt       time.Time
	StoppedAt       *time.Time
	DurationSeconds int64
}

// Running reports whether the entry has not been stopped.
func (e *TimeEntry) Running() bool {
	return e.StoppedAt == nil
}

// Stop closes the entry at the given instant. Duration is whole seconds, never negative.
func (e *TimeEntry) Stop(at time.Time) {
	at = at.UTC()
	e.StoppedAt = &at
	d := int64(at.Sub(e.StartedAt) / time.Second)
	if d < 0 {
		d = 0
	}
	e.DurationSeconds = d
}

// Validate checks the fields required to start an entry.
func (e *TimeEntry) Validate() error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if e.ProjectID == "" || e.TaskID == "" {
		return errors.New("project id and task id are required")
	}
	if e.StartedAt.IsZero() {
		return errors.New("start time is required")
	}
	return nil
}
