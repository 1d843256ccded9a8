// Package reconciler merges socket events and polled snapshots into the client's presence
// view. Per identity the strictly newer version wins, so a stale poll never overwrites a
// fresher broadcast and a late start never resurrects a stopped timer.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"timepulse/backend/internal/client/api"
	"timepulse/backend/internal/client/authstate"
	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/presence"
)

// Poller fetches the full presence table.
type Poller interface {
	Presence(ctx context.Context) (presence.Snapshot, error)
}

// Credentials reports whether a usable credential is held. Polls are never sent without one.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
}

// SyncState persists when presence was last synced.
type SyncState interface {
	Load(ctx context.Context) (authstate.State, error)
	MarkSynced(ctx context.Context, t time.Time) error
}

type Options struct {
	DebounceWindow     time.Duration
	StalenessThreshold time.Duration
	Interval           time.Duration
	DegradedInterval   time.Duration
	Clock              clockwork.Clock
	Logger             *slog.Logger
	// OnChange runs after the view changed, outside the reconciler's lock.
	OnChange func()
}

type Reconciler struct {
	poller Poller
	creds  Credentials
	state  SyncState
	opts   Options
	clock  clockwork.Clock
	log    *slog.Logger
	group  singleflight.Group

	mu       sync.RWMutex
	entries  map[string]presence.Entry
	versions map[string]int64 // highest version applied per identity, kept after a stop until covered by the floor
	floor    int64            // highest snapshot AsOf applied
	lastPoll time.Time
	restored time.Time // persisted sync time Rehydrate trusted instead of polling

	degraded atomic.Bool
	wake     chan struct{}
	polls    atomic.Int64
}

func New(poller Poller, creds Credentials, state SyncState, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.DegradedInterval <= 0 {
		opts.DegradedInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Reconciler{
		poller:   poller,
		creds:    creds,
		state:    state,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger,
		entries:  make(map[string]presence.Entry),
		versions: make(map[string]int64),
		wake:     make(chan struct{}, 1),
	}
}

// ApplyEvent merges one broadcast event. Events at or below the identity's applied
// version, or covered by an applied snapshot, are dropped.
func (r *Reconciler) ApplyEvent(ev presence.Event) {
	if r.applyEvent(ev) {
		r.changed()
	}
}

func (r *Reconciler) applyEvent(ev presence.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Version <= r.applied(ev.Identity) || ev.Version <= r.floor {
		return false
	}
	switch ev.Type {
	case presence.EventStarted:
		e, ok := ev.Entry()
		if !ok {
			return false
		}
		r.entries[ev.Identity] = e
	case presence.EventStopped:
		delete(r.entries, ev.Identity)
	default:
		return false
	}
	r.versions[ev.Identity] = ev.Version
	return true
}

// ApplySnapshot merges a full table. An entry replaces local state only when strictly
// newer; an identity missing from the snapshot is dropped only if nothing newer than AsOf
// was applied for it.
func (r *Reconciler) ApplySnapshot(s presence.Snapshot) {
	if r.applySnapshot(s) {
		r.changed()
	}
}

func (r *Reconciler) applySnapshot(s presence.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	seen := make(map[string]bool, len(s.Entries))
	for _, e := range s.Entries {
		seen[e.Identity] = true
		if e.Version <= r.applied(e.Identity) {
			continue
		}
		r.entries[e.Identity] = e
		r.versions[e.Identity] = e.Version
		changed = true
	}
	for id := range r.entries {
		if seen[id] || r.versions[id] > s.AsOf {
			continue
		}
		delete(r.entries, id)
		r.versions[id] = s.AsOf
		changed = true
	}
	if s.AsOf > r.floor {
		r.floor = s.AsOf
	}
	// Records at or below the floor add nothing once the identity is gone.
	for id, v := range r.versions {
		if _, running := r.entries[id]; !running && v <= r.floor {
			delete(r.versions, id)
		}
	}
	return changed
}

// applied is the version a change for id must exceed. Identities without a record fall
// back to the floor. mu must be held.
func (r *Reconciler) applied(id string) int64 {
	if v, ok := r.versions[id]; ok {
		return v
	}
	return r.floor
}

func (r *Reconciler) changed() {
	if r.opts.OnChange != nil {
		r.opts.OnChange()
	}
}

// Entries returns the current view ordered by identity.
func (r *Reconciler) Entries() []presence.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]presence.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (r *Reconciler) Get(identity string) (presence.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Polls counts presence requests actually sent.
func (r *Reconciler) Polls() int64 { return r.polls.Load() }

// IsDegraded reports whether Run is on the degraded interval.
func (r *Reconciler) IsDegraded() bool { return r.degraded.Load() }

// Trigger polls on mount or reconnect. It is skipped when the last successful poll finished
// within the debounce window, and concurrent triggers share one request. polled reports
// whether this call observed a completed poll.
func (r *Reconciler) Trigger(ctx context.Context, reason string) (polled bool, err error) {
	r.mu.RLock()
	last := r.lastPoll
	r.mu.RUnlock()
	if !last.IsZero() && r.clock.Since(last) < r.opts.DebounceWindow {
		r.log.Debug("poll debounced", "reason", reason, "since", r.clock.Since(last))
		return false, nil
	}
	if err := r.poll(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Rehydrate polls after a restart unless the persisted sync is fresher than the staleness
// threshold.
func (r *Reconciler) Rehydrate(ctx context.Context) (bool, error) {
	st, err := r.state.Load(ctx)
	if err != nil {
		return false, err
	}
	if !st.LastSyncAt.IsZero() && r.clock.Since(st.LastSyncAt) < r.opts.StalenessThreshold {
		r.log.Debug("skip rehydrate, state is fresh", "last_sync", st.LastSyncAt)
		r.mu.Lock()
		r.restored = st.LastSyncAt
		r.mu.Unlock()
		return false, nil
	}
	return r.Trigger(ctx, "rehydrate")
}

// poll runs one shared request. A caller whose ctx ends stops waiting without cancelling
// the request for the others.
func (r *Reconciler) poll(ctx context.Context) error {
	if _, err := r.creds.AccessToken(ctx); err != nil {
		return err
	}
	ch := r.group.DoChan("presence", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		r.polls.Add(1)
		snap, err := r.poller.Presence(pctx)
		if err != nil {
			return nil, err
		}
		r.ApplySnapshot(snap)
		now := r.clock.Now()
		r.mu.Lock()
		r.lastPoll = now
		r.mu.Unlock()
		if err := r.state.MarkSynced(pctx, now); err != nil {
			r.log.Warn("persist sync time", "error", err)
		}
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Opened is called by the connection manager on every open: leave degraded mode and
// reconcile whatever was missed while disconnected. The first open after a Rehydrate that
// trusted fresh persisted state does not poll; the server's admission snapshot covers it.
func (r *Reconciler) Opened(ctx context.Context) {
	if r.degraded.Swap(false) {
		r.signal()
	}
	r.mu.Lock()
	restored := r.restored
	r.restored = time.Time{}
	r.mu.Unlock()
	if !restored.IsZero() && r.clock.Since(restored) < r.opts.StalenessThreshold {
		r.log.Debug("skip open poll, state is fresh", "last_sync", restored)
		return
	}
	go func() {
		if _, err := r.Trigger(ctx, "reconnect"); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("reconnect poll failed", "error", err)
		}
	}()
}

// Degraded switches Run to the degraded poll interval.
func (r *Reconciler) Degraded() {
	if !r.degraded.Swap(true) {
		r.log.Warn("socket unavailable, polling only")
		r.signal()
	}
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls periodically until ctx ends. Rate limiting skips the cycle and keeps the last
// known good view.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		interval := r.opts.Interval
		if r.degraded.Load() {
			interval = r.opts.DegradedInterval
		}
		timer := r.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.wake:
			timer.Stop()
			continue
		case <-timer.Chan():
		}

		err := r.poll(ctx)
		switch {
		case err == nil:
		case errors.Is(err, api.ErrNoCredential):
			r.log.Debug("periodic poll skipped, no credential")
		case errors.Is(err, api.ErrRateLimited):
			r.log.Info("periodic poll rate limited, keeping last view", "retry_after", api.RetryAfter(err))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			r.log.Warn("periodic poll failed", "error", err)
		}
	}
}
