// Package bridge is the single writer of time entries. Every mutation path (REST, gRPC and
// the socket) persists, updates the presence cache and publishes through it, under a
// per-identity critical section.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"timepulse/backend/internal/audit"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/telemetry"
	timerdomain "timepulse/backend/internal/timer/domain"
	timerrepo "timepulse/backend/internal/timer/repository"
)

var (
	// ErrNotRunning is returned by StopTimer when the identity has no running timer.
	ErrNotRunning = errors.New("no running timer")
	// ErrInvalidCommand is returned when a command is missing required fields.
	ErrInvalidCommand = errors.New("invalid timer command")
)

// Mutation sources recorded on telemetry and metrics.
const (
	SourceHTTP      = "http"
	SourceGRPC      = "grpc"
	SourceSocket    = "socket"
	SourceTerminate = "terminate"
)

// Publisher delivers a presence event to live connections. originConnID, when set, names the
// connection that caused the change; it is answered directly and may be skipped.
type Publisher interface {
	Publish(ctx context.Context, ev presence.Event, originConnID string)
}

// StartCommand starts a timer for UserID.
type StartCommand struct {
	UserID    string
	SessionID string
	ProjectID string
	TaskID    string
	Label     string
	Origin    string
	Source    string
}

// StopCommand stops UserID's running timer.
type StopCommand struct {
	UserID    string
	SessionID string
	Origin    string
	Source    string
	Reason    string
}

// Result describes the outcome of a command.
type Result struct {
	// Entry is the started or stopped time entry.
	Entry *timerdomain.TimeEntry
	// Previous is the entry a start implicitly stopped, if any.
	Previous *timerdomain.TimeEntry
	// Event is the presence event published for the change, or the current state when
	// nothing changed.
	Event presence.Event
	// Changed is false when a start repeated the running state.
	Changed bool
}

// Bridge performs write-through timer mutations.
type Bridge struct {
	repo  timerrepo.Repository
	cache *presence.Cache
	pub   Publisher
	locks keyedMutex
	log   *slog.Logger
	now   func() time.Time

	audit   audit.AuditLogger
	emitter telemetry.EventEmitter

	startedCounter metric.Int64Counter
	stoppedCounter metric.Int64Counter
}

// New returns a Bridge over repo and cache publishing to pub.
func New(repo timerrepo.Repository, cache *presence.Cache, pub Publisher, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{repo: repo, cache: cache, pub: pub, log: log, now: time.Now}
	meter := otel.Meter("timepulse/bridge")
	if c, err := meter.Int64Counter("timepulse.timers.started", metric.WithDescription("Timers started")); err == nil {
		b.startedCounter = c
	}
	if c, err := meter.Int64Counter("timepulse.timers.stopped", metric.WithDescription("Timers stopped")); err == nil {
		b.stoppedCounter = c
	}
	return b
}

// SetAuditLogger sets the audit logger. Optional.
func (b *Bridge) SetAuditLogger(a audit.AuditLogger) { b.audit = a }

// SetEventEmitter sets the telemetry emitter. Optional.
func (b *Bridge) SetEventEmitter(e telemetry.EventEmitter) { b.emitter = e }

// StartTimer persists a new running entry (stopping any previous one in the same
// transaction), upserts the cache and publishes presence_started. Repeating the running
// task and label is a no-op.
func (b *Bridge) StartTimer(ctx context.Context, cmd StartCommand) (*Result, error) {
	if cmd.UserID == "" || cmd.ProjectID == "" || cmd.TaskID == "" {
		return nil, ErrInvalidCommand
	}
	task := presence.Task{ProjectID: cmd.ProjectID, TaskID: cmd.TaskID}

	res, err := func() (*Result, error) {
		unlock := b.locks.Lock(cmd.UserID)
		defer unlock()

		if cur, ok := b.cache.Get(cmd.UserID); ok && cur.Task == task && cur.Label == cmd.Label {
			return &Result{Event: presence.StartedEvent(cur), Changed: false}, nil
		}

		entry := &timerdomain.TimeEntry{
			ID:        uuid.NewString(),
			UserID:    cmd.UserID,
			ProjectID: cmd.ProjectID,
			TaskID:    cmd.TaskID,
			Label:     cmd.Label,
			StartedAt: b.now().UTC().Truncate(time.Microsecond),
		}
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		previous, err := b.repo.Start(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("persist start: %w", err)
		}
		stored, _ := b.cache.Upsert(presence.Entry{
			Identity:  cmd.UserID,
			Task:      task,
			Label:     cmd.Label,
			StartedAt: entry.StartedAt,
		})
		ev := presence.StartedEvent(stored)
		b.pub.Publish(ctx, ev, cmd.Origin)
		return &Result{Entry: entry, Previous: previous, Event: ev, Changed: true}, nil
	}()
	if err != nil || !res.Changed {
		return res, err
	}

	meta := map[string]any{"projectId": cmd.ProjectID, "taskId": cmd.TaskID, "entryId": res.Entry.ID, "source": cmd.Source}
	if res.Previous != nil {
		meta["previousEntryId"] = res.Previous.ID
	}
	b.after(ctx, cmd.UserID, cmd.SessionID, cmd.Source, audit.ActionTimerStarted, telemetry.EventTimerStarted, b.startedCounter, meta)
	b.log.Debug("bridge: timer started", "user_id", cmd.UserID, "task_id", cmd.TaskID, "version", res.Event.Version)
	return res, nil
}

// StopTimer closes the running entry, clears the cache and publishes presence_stopped.
// Returns ErrNotRunning when nothing runs.
func (b *Bridge) StopTimer(ctx context.Context, cmd StopCommand) (*Result, error) {
	if cmd.UserID == "" {
		return nil, ErrInvalidCommand
	}

	res, err := func() (*Result, error) {
		unlock := b.locks.Lock(cmd.UserID)
		defer unlock()

		now := b.now().UTC().Truncate(time.Microsecond)
		stopped, err := b.repo.Stop(ctx, cmd.UserID, now)
		if err != nil {
			return nil, fmt.Errorf("persist stop: %w", err)
		}
		if stopped == nil {
			// The store is authoritative; drop any cache entry it does not back.
			if _, version, ok := b.cache.Clear(cmd.UserID); ok {
				b.pub.Publish(ctx, presence.StoppedEvent(cmd.UserID, now, 0, version), cmd.Origin)
			}
			return nil, ErrNotRunning
		}
		if stopped.StoppedAt == nil {
			stopped.Stop(now)
		}
		_, version, ok := b.cache.Clear(cmd.UserID)
		ev := presence.StoppedEvent(cmd.UserID, *stopped.StoppedAt, stopped.DurationSeconds, version)
		if ok {
			b.pub.Publish(ctx, ev, cmd.Origin)
		}
		return &Result{Entry: stopped, Event: ev, Changed: true}, nil
	}()
	if err != nil {
		return nil, err
	}

	action := audit.ActionTimerStopped
	if cmd.Source == SourceTerminate {
		action = audit.ActionTimerForceStopped
	}
	meta := map[string]any{"entryId": res.Entry.ID, "durationSeconds": res.Entry.DurationSeconds, "source": cmd.Source}
	if cmd.Reason != "" {
		meta["reason"] = cmd.Reason
	}
	b.after(ctx, cmd.UserID, cmd.SessionID, cmd.Source, action, telemetry.EventTimerStopped, b.stoppedCounter, meta)
	b.log.Debug("bridge: timer stopped", "user_id", cmd.UserID, "duration_seconds", res.Entry.DurationSeconds)
	return res, nil
}

// ForceStop stops userID's timer on behalf of an administrative action. Reports whether a
// timer was running.
func (b *Bridge) ForceStop(ctx context.Context, userID, reason string) (bool, error) {
	_, err := b.StopTimer(ctx, StopCommand{UserID: userID, Source: SourceTerminate, Reason: reason})
	if errors.Is(err, ErrNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rehydrate loads every persisted running entry into the cache. Called once at startup,
// before connections are accepted, so nothing is published.
func (b *Bridge) Rehydrate(ctx context.Context) (int, error) {
	running, err := b.repo.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running entries: %w", err)
	}
	for _, e := range running {
		unlock := b.locks.Lock(e.UserID)
		b.cache.Upsert(presence.Entry{
			Identity:  e.UserID,
			Task:      presence.Task{ProjectID: e.ProjectID, TaskID: e.TaskID},
			Label:     e.Label,
			StartedAt: e.StartedAt,
		})
		unlock()
	}
	return len(running), nil
}

func (b *Bridge) after(ctx context.Context, userID, sessionID, source, action, eventType string, counter metric.Int64Counter, meta map[string]any) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
	if b.audit != nil {
		var metadata string
		if raw, err := json.Marshal(meta); err == nil {
			metadata = string(raw)
		}
		b.audit.LogEvent(ctx, userID, action, audit.ResourceTimer, metadata)
	}
	telemetry.EmitAsync(ctx, b.emitter, telemetry.NewEvent(eventType, "bridge", userID, sessionID, meta), b.log)
}
