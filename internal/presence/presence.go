// Package presence holds the in-memory table of who currently has a running timer
// and the events that describe changes to it.
package presence

import (
	"time"
)

// Event types sent over the long-lived connection.
const (
	EventStarted = "presence_started"
	EventStopped = "presence_stopped"
)

// Task references the project/task an identity is working on.
type Task struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
}

// Entry is one identity's running timer. At most one Entry exists per identity.
type Entry struct {
	Identity  string    `json:"identity"`
	Task      Task      `json:"task"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Version increases strictly for every change applied for this identity.
	Version int64 `json:"version"`
}

func (e Entry) sameState(o Entry) bool {
	return e.Task == o.Task && e.Label == o.Label && e.StartedAt.Equal(o.StartedAt)
}

// Event is a presence change as broadcast to live connections.
type Event struct {
	Type            string     `json:"type"`
	Identity        string     `json:"identity"`
	Task            *Task      `json:"task,omitempty"`
	Label           string     `json:"label,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	StoppedAt       *time.Time `json:"stoppedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds,omitempty"`
	Version         int64      `json:"version"`
	// Origin is the server instance that produced the event; set only on the relay.
	Origin string `json:"origin,omitempty"`
}

// StartedEvent builds the presence_started event for e.
func StartedEvent(e Entry) Event {
	task := e.Task
	started := e.StartedAt
	return Event{
		Type:      EventStarted,
		Identity:  e.Identity,
		Task:      &task,
		Label:     e.Label,
		StartedAt: &started,
		Version:   e.Version,
	}
}

// StoppedEvent builds the presence_stopped event for identity.
func StoppedEvent(identity string, stoppedAt time.Time, durationSeconds, version int64) Event {
	return Event{
		Type:            EventStopped,
		Identity:        identity,
		StoppedAt:       &stoppedAt,
		DurationSeconds: durationSeconds,
		Version:         version,
	}
}

// Entry converts a presence_started event back into an Entry. ok is false for any other event.
func (ev Event) Entry() (Entry, bool) {
	if ev.Type != EventStarted || ev.Task == nil || ev.StartedAt == nil {
		return Entry{}, false
	}
	return Entry{
		Identity:  ev.Identity,
		Task:      *ev.Task,
		Label:     ev.Label,
		StartedAt: *ev.StartedAt,
		Version:   ev.Version,
	}, true
}

// Snapshot is the full presence table at a point in the version sequence. Every change
// with a version at or below AsOf is reflected in Entries.
type Snapshot struct {
	Entries []Entry `json:"entries"`
	AsOf    int64   `json:"asOf"`
}
