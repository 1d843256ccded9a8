// Package realtime admits long-lived presence connections, keeps them alive with
// heartbeats, and closes them when their credential stops being valid.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/broadcast"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/realtime/protocol"
	"timepulse/backend/internal/security"
	"timepulse/backend/internal/telemetry"
)

// ErrRejected wraps the authenticator error when a credential is refused at admission.
var ErrRejected = errors.New("connection rejected")

// DefaultScope is the subscription scope every connection starts with.
const DefaultScope = "presence"

// Authenticator validates a credential, including the revocation ledger.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*security.AccessToken, error)
}

// TimerCommands is the write path socket commands are dispatched into.
type TimerCommands interface {
	StartTimer(ctx context.Context, cmd bridge.StartCommand) (*bridge.Result, error)
	StopTimer(ctx context.Context, cmd bridge.StopCommand) (*bridge.Result, error)
}

// SnapshotSource answers snapshot requests.
type SnapshotSource interface {
	Snapshot() presence.Snapshot
}

// Options configures a Registry.
type Options struct {
	HeartbeatInterval time.Duration
	// MissThreshold is how many consecutive unanswered pings are tolerated; one more reaps.
	MissThreshold int
	SendBuffer    int
	Clock         clockwork.Clock
	Registerer    prometheus.Registerer
	Logger        *slog.Logger
	// Unavailable reports whether an authenticator error means the check could not be made.
	// Such errors keep established connections open; every other error closes them.
	Unavailable func(error) bool
}

// Registry is the set of live connections.
type Registry struct {
	auth      Authenticator
	snapshots SnapshotSource
	timers    TimerCommands
	emitter   telemetry.EventEmitter
	opts      Options
	clock     clockwork.Clock
	log       *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	live     prometheus.Gauge
	reaped   prometheus.Counter
	rejected prometheus.Counter
}

// NewRegistry returns an empty registry.
func NewRegistry(auth Authenticator, snapshots SnapshotSource, opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.MissThreshold < 1 {
		opts.MissThreshold = 2
	}
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	factory := promauto.With(opts.Registerer)
	return &Registry{
		auth:      auth,
		snapshots: snapshots,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger,
		conns:     make(map[string]*Conn),
		live: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "timepulse", Subsystem: "realtime", Name: "connections",
			Help: "Live presence connections.",
		}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "timepulse", Subsystem: "realtime", Name: "reaped_total",
			Help: "Connections closed after missing heartbeats.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "timepulse", Subsystem: "realtime", Name: "rejected_total",
			Help: "Connection attempts refused at admission.",
		}),
	}
}

// SetTimerCommands sets the write path for socket commands. Without it, timer commands are
// answered with an unavailable error.
func (r *Registry) SetTimerCommands(t TimerCommands) { r.timers = t }

// SetEventEmitter sets the telemetry emitter. Optional.
func (r *Registry) SetEventEmitter(e telemetry.EventEmitter) { r.emitter = e }

// Authenticate validates credential without admitting anything. Used to refuse a socket
// before the protocol upgrade.
func (r *Registry) Authenticate(ctx context.Context, credential string) (*security.AccessToken, error) {
	tok, err := r.auth.Authenticate(ctx, credential)
	if err != nil {
		r.rejected.Inc()
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return tok, nil
}

// Connect validates credential and, only if it is accepted, opens the transport and admits
// the connection. The new connection is queued a presence snapshot. Callers then run Serve.
func (r *Registry) Connect(ctx context.Context, credential string, open func() (Transport, error)) (*Conn, error) {
	tok, err := r.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	t, err := open()
	if err != nil {
		return nil, err
	}
	return r.admit(ctx, tok, credential, t), nil
}

func (r *Registry) admit(ctx context.Context, tok *security.AccessToken, credential string, t Transport) *Conn {
	c := &Conn{
		id:         uuid.NewString(),
		UserID:     tok.UserID,
		SessionID:  tok.SessionID,
		TokenID:    tok.TokenID,
		Role:       tok.Role,
		Scope:      DefaultScope,
		ExpiresAt:  tok.ExpiresAt,
		credential: credential,
		transport:  t,
		reg:        r,
		send:       make(chan []byte, r.opts.SendBuffer),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	c.lastSeen.Store(r.clock.Now().UnixNano())
	t.SetPongHandler(c.touch)

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	r.live.Inc()

	// Registered before the snapshot is taken: any event published meanwhile is either in
	// the snapshot or queued behind it with a higher version.
	if r.snapshots != nil {
		c.Enqueue(protocol.Encode(protocol.Snapshot("", r.snapshots.Snapshot())))
	}
	r.log.Info("realtime: connection admitted", "conn_id", c.id, "user_id", c.UserID, "session_id", c.SessionID)
	telemetry.EmitAsync(ctx, r.emitter, telemetry.NewEvent(telemetry.EventConnectionOpened, "realtime", c.UserID, c.SessionID, nil), r.log)
	return c
}

// Serve runs the connection until it closes or ctx ends, then removes it. Presence for the
// identity is left untouched.
func (r *Registry) Serve(ctx context.Context, c *Conn) {
	defer r.Disconnect(c)
	go c.readLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(nil, websocket.CloseGoingAway, "server shutting down")
		case <-c.done:
		}
	}()
	c.writeLoop()
	<-c.readDone
}

// Disconnect closes c and removes it from the live set. It never clears presence: a dropped
// socket does not mean a stopped timer.
func (r *Registry) Disconnect(c *Conn) {
	c.shutdown(nil, websocket.CloseNormalClosure, "disconnect")
	r.mu.Lock()
	_, ok := r.conns[c.id]
	delete(r.conns, c.id)
	r.mu.Unlock()
	if ok {
		r.live.Dec()
		r.log.Debug("realtime: connection removed", "conn_id", c.id, "user_id", c.UserID)
	}
}

// ForEachLive calls fn for every live connection. fn must not block.
func (r *Registry) ForEachLive(fn func(broadcast.Subscriber)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		fn(c)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseSession sends session_revoked to, and closes, every connection of sessionID.
func (r *Registry) CloseSession(sessionID, reason string) int {
	return r.closeMatching(func(c *Conn) bool { return c.SessionID == sessionID }, reason)
}

// CloseIdentity sends session_revoked to, and closes, every connection of userID.
func (r *Registry) CloseIdentity(userID, reason string) int {
	return r.closeMatching(func(c *Conn) bool { return c.UserID == userID }, reason)
}

// CloseAll closes every connection with a going-away frame. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		c.shutdown(nil, websocket.CloseGoingAway, "server shutting down")
	}
}

func (r *Registry) closeMatching(match func(*Conn) bool, reason string) int {
	msg := protocol.Encode(protocol.SessionRevoked(reason))
	r.mu.RLock()
	var matched []*Conn
	for _, c := range r.conns {
		if match(c) {
			matched = append(matched, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range matched {
		c.shutdown(msg, websocket.ClosePolicyViolation, reason)
	}
	return len(matched)
}

// heartbeat runs on the connection's writer goroutine every HeartbeatInterval.
func (r *Registry) heartbeat(c *Conn) {
	if !c.ExpiresAt.IsZero() && !r.clock.Now().Before(c.ExpiresAt) {
		c.shutdown(protocol.Encode(protocol.SessionExpired()), websocket.ClosePolicyViolation, "token expired")
		return
	}
	if int(c.pending.Load()) > r.opts.MissThreshold {
		r.reap(c)
		return
	}
	if !r.revalidate(c) {
		return
	}
	if err := c.transport.WritePing(); err != nil {
		c.shutdown(nil, websocket.CloseGoingAway, "ping failed")
		return
	}
	c.pending.Add(1)
}

func (r *Registry) reap(c *Conn) {
	r.reaped.Inc()
	r.log.Info("realtime: reaping unresponsive connection", "conn_id", c.id, "user_id", c.UserID, "last_seen", c.LastSeen())
	telemetry.EmitAsync(context.Background(), r.emitter, telemetry.NewEvent(telemetry.EventConnectionReaped, "realtime", c.UserID, c.SessionID, map[string]any{
		"lastSeen": c.LastSeen(),
	}), r.log)
	c.shutdown(nil, websocket.CloseGoingAway, "heartbeat timeout")
}

// revalidate re-checks the connection's credential so a revocation recorded by another
// instance closes this socket within one heartbeat. Returns false if c was closed.
func (r *Registry) revalidate(c *Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.auth.Authenticate(ctx, c.credential)
	if err == nil {
		return true
	}
	if r.opts.Unavailable != nil && r.opts.Unavailable(err) {
		r.log.Warn("realtime: credential check unavailable, keeping connection", "conn_id", c.id, "error", err)
		return true
	}
	c.shutdown(protocol.Encode(protocol.SessionRevoked("revoked")), websocket.ClosePolicyViolation, "credential revoked")
	return false
}
