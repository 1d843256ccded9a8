// Package conn owns the client's presence socket: it connects, flushes queued requests on
// open, reconnects with exponential backoff, and hands inbound presence data to a Sink.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/realtime/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "disconnected"
	}
}

var (
	ErrClosed         = errors.New("connection closed")
	ErrExhausted      = errors.New("reconnect attempts exhausted")
	ErrSessionEnded   = errors.New("session ended by server")
	ErrAlreadyRunning = errors.New("connection manager already running")
	errDropped        = errors.New("transport dropped")
	errTokenExpired   = errors.New("access token expired")
)

const (
	maxQueuedMessages  = 256
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 8
)

// Guard is the session guard as seen by the connection.
type Guard interface {
	AccessToken(ctx context.Context) (string, error)
	Identity() string
	ValidFor(identity string) bool
	ObserveAuthFailure(ctx context.Context, source string) error
}

// Sink receives presence data and connection lifecycle signals.
type Sink interface {
	ApplyEvent(ev presence.Event)
	ApplySnapshot(s presence.Snapshot)
	// Opened is called each time the socket reaches Open.
	Opened(ctx context.Context)
	// Degraded is called once when reconnects are exhausted.
	Degraded()
}

type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Clock       clockwork.Clock
	Logger      *slog.Logger
	// OnState observes transitions. It runs on the manager goroutine.
	OnState func(State)
	// Refresh renews the credential when the server reports the access token expired.
	// It reports authorization failures to the guard itself; any error ends Run. Without
	// it an expired token ends the session like a revocation.
	Refresh func(ctx context.Context) error
}

// Manager is the single owner of the client socket. Run is the only writer of its state.
type Manager struct {
	url    string
	dialer Dialer
	guard  Guard
	sink   Sink
	opts   Options
	clock  clockwork.Clock
	log    *slog.Logger

	running atomic.Bool

	mu    sync.Mutex
	state State
	tr    Transport
	queue [][]byte

	discarded atomic.Int64
}

func New(url string, dialer Dialer, guard Guard, sink Sink, opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = max(defaultMaxDelay, opts.BaseDelay)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{
		url:    url,
		dialer: dialer,
		guard:  guard,
		sink:   sink,
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Logger,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Discarded counts inbound messages dropped because the credential no longer matched.
func (m *Manager) Discarded() int64 { return m.discarded.Load() }

// Send writes msg now when the socket is open, and otherwise queues it for the next open.
func (m *Manager) Send(msg []byte) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Open || m.tr == nil {
		if len(m.queue) >= maxQueuedMessages {
			m.queue = m.queue[1:]
		}
		m.queue = append(m.queue, msg)
		m.mu.Unlock()
		return nil
	}
	tr := m.tr
	m.mu.Unlock()
	return tr.WriteMessage(msg)
}

// RequestSnapshot asks the server for a fresh snapshot, queueing while not open.
func (m *Manager) RequestSnapshot(ref string) error {
	return m.Send(protocol.Encode(protocol.ClientMessage{Type: protocol.TypeSnapshotRequest, Ref: ref}))
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	m.log.Debug("connection state", "from", prev.String(), "to", s.String())
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

// Run connects and keeps the socket alive until ctx ends, the session ends, or reconnects
// are exhausted. It always leaves the manager Closed.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)
	defer m.setState(Closed)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.BaseDelay
	b.MaxInterval = m.opts.MaxDelay
	b.Reset()

	failures := 0
	var refreshedAt time.Time
	m.setState(Connecting)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		token, err := m.guard.AccessToken(ctx)
		if err != nil {
			m.log.Info("no usable credential, not connecting", "error", err)
			return err
		}
		identity := m.guard.Identity()

		tr, err := m.dialer.Dial(ctx, m.url, token)
		switch {
		case errors.Is(err, ErrHandshakeUnauthorized):
			_ = m.guard.ObserveAuthFailure(ctx, "socket_handshake")
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			m.log.Warn("dial failed", "attempt", failures, "error", err)
			if failures >= m.opts.MaxAttempts {
				m.log.Warn("reconnects exhausted, degrading to polling", "attempts", failures)
				m.sink.Degraded()
				return ErrExhausted
			}
			m.setState(Reconnecting)
			if err := m.wait(ctx, b.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		failures = 0
		b.Reset()
		err = m.serve(ctx, tr, identity)
		switch {
		case errors.Is(err, errTokenExpired):
			// One refresh per MaxDelay; a server that keeps rejecting fresh tokens ends it.
			if m.opts.Refresh == nil || (!refreshedAt.IsZero() && m.clock.Since(refreshedAt) < m.opts.MaxDelay) {
				_ = m.guard.ObserveAuthFailure(ctx, "socket")
				return ErrSessionEnded
			}
			refreshedAt = m.clock.Now()
			if err := m.opts.Refresh(ctx); err != nil {
				m.log.Info("refresh after expiry failed", "error", err)
				return errors.Join(ErrSessionEnded, err)
			}
			m.log.Info("access token refreshed, reconnecting")
			m.setState(Reconnecting)
			continue
		case errors.Is(err, ErrSessionEnded):
			_ = m.guard.ObserveAuthFailure(ctx, "socket")
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		m.log.Info("connection lost, reconnecting", "error", err)
		m.setState(Reconnecting)
		if err := m.wait(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}

// serve runs one open socket until it fails.
func (m *Manager) serve(ctx context.Context, tr Transport, identity string) error {
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer stop()
	defer func() {
		m.mu.Lock()
		m.tr = nil
		m.mu.Unlock()
		_ = tr.Close()
	}()

	if err := m.open(tr); err != nil {
		return err
	}
	m.sink.Opened(ctx)

	for {
		raw, err := tr.ReadMessage()
		if err != nil {
			return errors.Join(errDropped, err)
		}
		if err := m.handle(raw, identity); err != nil {
			return err
		}
	}
}

// open flushes the queue in order, then publishes the transport as Open. Messages sent
// during the flush land behind the flushed ones.
func (m *Manager) open(tr Transport) error {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.tr = tr
			m.mu.Unlock()
			m.setState(Open)
			return nil
		}
		msg := m.queue[0]
		m.mu.Unlock()
		if err := tr.WriteMessage(msg); err != nil {
			return errors.Join(errDropped, err)
		}
		m.mu.Lock()
		m.queue = m.queue[1:]
		m.mu.Unlock()
	}
}

func (m *Manager) handle(raw []byte, identity string) error {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.log.Warn("invalid message from server", "error", err)
		return nil
	}
	switch env.Type {
	case protocol.TypeSessionRevoked:
		m.log.Info("server ended session", "type", env.Type)
		return ErrSessionEnded
	case protocol.TypeSessionExpired:
		m.log.Info("server reported expired access token")
		return errTokenExpired
	}
	if !m.guard.ValidFor(identity) {
		m.discarded.Add(1)
		m.log.Debug("discarding message for stale credential", "type", env.Type)
		return nil
	}

	switch env.Type {
	case presence.EventStarted, presence.EventStopped:
		var ev presence.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			m.log.Warn("invalid presence event", "error", err)
			return nil
		}
		m.sink.ApplyEvent(ev)
	case protocol.TypeSnapshot:
		var msg protocol.SnapshotMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Warn("invalid snapshot", "error", err)
			return nil
		}
		m.sink.ApplySnapshot(presence.Snapshot{Entries: msg.Entries, AsOf: msg.AsOf})
	case protocol.TypeAck:
		var msg protocol.AckMessage
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Event != nil {
			m.sink.ApplyEvent(*msg.Event)
		}
	case protocol.TypeError:
		var msg protocol.ErrorMessage
		_ = json.Unmarshal(raw, &msg)
		m.log.Warn("server rejected request", "ref", msg.Ref, "code", msg.Code, "message", msg.Message)
	default:
		m.log.Debug("ignoring message", "type", env.Type)
	}
	return nil
}
