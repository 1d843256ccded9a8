package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepulse/backend/internal/client/api"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/realtime/protocol"
)

type fakeTransport struct {
	in      chan []byte
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closed:
		return nil, errors.New("closed")
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return errors.New("closed")
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.written...)
}

// fakeDialer returns queued results in order; an empty queue fails the dial.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	tokens  []string
}

type dialResult struct {
	tr  *fakeTransport
	err error
}

func (d *fakeDialer) push(r dialResult) {
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.tr, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

type fakeGuard struct {
	mu       sync.Mutex
	token    string
	identity string
	valid    bool
	failures []string
}

func (g *fakeGuard) AccessToken(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.valid {
		return "", api.ErrNoCredential
	}
	return g.token, nil
}

func (g *fakeGuard) Identity() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity
}

func (g *fakeGuard) ValidFor(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valid && g.identity == identity
}

func (g *fakeGuard) ObserveAuthFailure(_ context.Context, source string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valid = false
	g.failures = append(g.failures, source)
	return nil
}

func (g *fakeGuard) setIdentity(id string) {
	g.mu.Lock()
	g.identity = id
	g.mu.Unlock()
}

func (g *fakeGuard) failureList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.failures...)
}

type fakeSink struct {
	mu        sync.Mutex
	events    []presence.Event
	snapshots []presence.Snapshot
	opened    int
	degraded  int
}

func (s *fakeSink) ApplyEvent(ev presence.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeSink) ApplySnapshot(snap presence.Snapshot) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *fakeSink) Opened(context.Context) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
}

func (s *fakeSink) Degraded() {
	s.mu.Lock()
	s.degraded++
	s.mu.Unlock()
}

func (s *fakeSink) counts() (events, snapshots, opened, degraded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.snapshots), s.opened, s.degraded
}

type fixture struct {
	m      *Manager
	dialer *fakeDialer
	guard  *fakeGuard
	sink   *fakeSink
	clock  *clockwork.FakeClock

	statesMu sync.Mutex
	states   []State
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &fakeDialer{},
		guard:  &fakeGuard{token: "tok", identity: "u1", valid: true},
		sink:   &fakeSink{},
		clock:  clockwork.NewFakeClock(),
	}
	f.m = New("ws://test/ws", f.dialer, f.guard, f.sink, Options{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: maxAttempts,
		Clock:       f.clock,
		OnState: func(s State) {
			f.statesMu.Lock()
			f.states = append(f.states, s)
			f.statesMu.Unlock()
		},
	})
	return f
}

func (f *fixture) stateList() []State {
	f.statesMu.Lock()
	defer f.statesMu.Unlock()
	return append([]State(nil), f.states...)
}

// run starts Run and returns a channel with its result.
func (f *fixture) run(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()
	return done
}

// advanceBackoff releases one pending backoff wait.
func (f *fixture) advanceBackoff(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(2 * time.Second)
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestOpen_FlushesQueuedMessagesInOrder(t *testing.T) {
	f := newFixture(t, 3)
	tr := newFakeTransport()
	f.dialer.push(dialResult{tr: tr})

	require.NoError(t, f.m.RequestSnapshot("r1"))
	require.NoError(t, f.m.Send([]byte(`{"type":"timer_stop","ref":"r2"}`)))

	ctx, cancel := context.WithCancel(context.Background())
	done := f.run(t, ctx)
	eventually(t, func() bool { return f.m.State() == Open })

	require.NoError(t, f.m.Send([]byte(`{"type":"timer_stop","ref":"r3"}`)))
	writes := tr.writes()
	require.Len(t, writes, 3)
	assert.Contains(t, string(writes[0]), `"r1"`)
	assert.Contains(t, string(writes[1]), `"r2"`)
	assert.Contains(t, string(writes[2]), `"r3"`)

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
	assert.Equal(t, Closed, f.m.State())
	assert.Equal(t, []State{Connecting, Open, Closed}, f.stateList())
	assert.ErrorIs(t, f.m.Send([]byte("x")), ErrClosed)
}

func TestInbound_DeliveredToSink(t *testing.T) {
	f := newFixture(t, 3)
	tr := newFakeTransport()
	f.dialer.push(dialResult{tr: tr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx)

	tr.in <- protocol.Encode(protocol.Snapshot("", presence.Snapshot{AsOf: 4}))
	tr.in <- protocol.Encode(presence.StoppedEvent("u2", time.Now(), 5, 6))
	tr.in <- protocol.Encode(protocol.Ack("r1", presence.StoppedEvent("u1", time.Now(), 5, 7)))
	tr.in <- protocol.Encode(protocol.Error("r2", protocol.CodeNotRunning, "no timer"))
	tr.in <- []byte(`not json`)

	eventually(t, func() bool {
		ev, snaps, opened, _ := f.sink.counts()
		return ev == 2 && snaps == 1 && opened == 1
	})
}

func TestDrop_ReconnectsAndReopens(t *testing.T) {
	f := newFixture(t, 3)
	first, second := newFakeTransport(), newFakeTransport()
	f.dialer.push(dialResult{tr: first})
	f.dialer.push(dialResult{tr: second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx)

	eventually(t, func() bool { return f.m.State() == Open })
	_ = first.Close()
	eventually(t, func() bool { return f.m.State() == Reconnecting })
	require.NoError(t, f.m.RequestSnapshot("after-drop"))

	f.advanceBackoff(t)
	eventually(t, func() bool { return f.m.State() == Open })
	_, _, opened, degraded := f.sink.counts()
	assert.Equal(t, 2, opened)
	assert.Zero(t, degraded)
	require.Len(t, second.writes(), 1)
	assert.Contains(t, string(second.writes()[0]), "after-drop")
}

func TestExhausted_SignalsDegradedExactlyOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.run(t, ctx)

	f.advanceBackoff(t)
	f.advanceBackoff(t)
	assert.ErrorIs(t, waitErr(t, done), ErrExhausted)

	_, _, opened, degraded := f.sink.counts()
	assert.Zero(t, opened)
	assert.Equal(t, 1, degraded)
	assert.Equal(t, 3, f.dialer.dials())
	assert.Equal(t, Closed, f.m.State())
}

func TestHandshakeUnauthorized_NoReconnect(t *testing.T) {
	f := newFixture(t, 3)
	f.dialer.push(dialResult{err: ErrHandshakeUnauthorized})

	err := waitErr(t, f.run(t, context.Background()))
	assert.ErrorIs(t, err, ErrHandshakeUnauthorized)
	assert.Equal(t, []string{"socket_handshake"}, f.guard.failureList())
	assert.Equal(t, 1, f.dialer.dials())
	_, _, _, degraded := f.sink.counts()
	assert.Zero(t, degraded)
}

func TestSessionRevoked_NoReconnect(t *testing.T) {
	f := newFixture(t, 3)
	tr := newFakeTransport()
	f.dialer.push(dialResult{tr: tr})
	f.dialer.push(dialResult{tr: newFakeTransport()})
	done := f.run(t, context.Background())

	tr.in <- protocol.Encode(protocol.SessionRevoked("logout"))
	assert.ErrorIs(t, waitErr(t, done), ErrSessionEnded)
	assert.Equal(t, []string{"socket"}, f.guard.failureList())
	assert.Equal(t, 1, f.dialer.dials())
	assert.Equal(t, Closed, f.m.State())
}

func TestSessionExpired_RefreshesAndReconnects(t *testing.T) {
	f := newFixture(t, 3)
	var refreshes atomic.Int32
	f.m.opts.Refresh = func(context.Context) error {
		refreshes.Add(1)
		f.guard.mu.Lock()
		f.guard.token = "tok2"
		f.guard.mu.Unlock()
		return nil
	}
	first, second := newFakeTransport(), newFakeTransport()
	f.dialer.push(dialResult{tr: first})
	f.dialer.push(dialResult{tr: second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx)

	eventually(t, func() bool { return f.m.State() == Open })
	first.in <- protocol.Encode(protocol.SessionExpired())
	eventually(t, func() bool { return f.dialer.dials() == 2 && f.m.State() == Open })

	assert.Equal(t, int32(1), refreshes.Load())
	assert.Empty(t, f.guard.failureList(), "a refreshable expiry is not an auth failure")
	f.dialer.mu.Lock()
	assert.Equal(t, []string{"tok", "tok2"}, f.dialer.tokens)
	f.dialer.mu.Unlock()
}

func TestSessionExpired_WithoutRefreshEndsSession(t *testing.T) {
	f := newFixture(t, 3)
	tr := newFakeTransport()
	f.dialer.push(dialResult{tr: tr})
	done := f.run(t, context.Background())

	eventually(t, func() bool { return f.m.State() == Open })
	tr.in <- protocol.Encode(protocol.SessionExpired())
	assert.ErrorIs(t, waitErr(t, done), ErrSessionEnded)
	assert.Equal(t, []string{"socket"}, f.guard.failureList())
}

func TestSessionExpired_FailedRefreshEndsRun(t *testing.T) {
	f := newFixture(t, 3)
	refreshErr := errors.New("refresh rejected")
	f.m.opts.Refresh = func(context.Context) error { return refreshErr }
	tr := newFakeTransport()
	f.dialer.push(dialResult{tr: tr})
	f.dialer.push(dialResult{tr: newFakeTransport()})
	done := f.run(t, context.Background())

	eventually(t, func() bool { return f.m.State() == Open })
	tr.in <- protocol.Encode(protocol.SessionExpired())
	err := waitErr(t, done)
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.ErrorIs(t, err, refreshErr)
	assert.Equal(t, 1, f.dialer.dials())
}

func TestNoCredential_DoesNotDial(t *testing.T) {
	f := newFixture(t, 3)
	f.guard.valid = false

	err := waitErr(t, f.run(t, context.Background()))
	assert.ErrorIs(t, err, api.ErrNoCredential)
	assert.Zero(t, f.dialer.dials())
}

func TestIdentityChange_DiscardsInbound(t *testing.T) {
	f := newFixture(t, 3)
	tr := newFakeTransport()
	f.dialer.push(dialResult{tr: tr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx)
	eventually(t, func() bool { return f.m.State() == Open })

	f.guard.setIdentity("u2")
	tr.in <- protocol.Encode(presence.StoppedEvent("u3", time.Now(), 1, 2))
	eventually(t, func() bool { return f.m.Discarded() == 1 })
	events, _, _, _ := f.sink.counts()
	assert.Zero(t, events)
}

func TestRun_OnlyOnce(t *testing.T) {
	f := newFixture(t, 3)
	f.dialer.push(dialResult{tr: newFakeTransport()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx)
	eventually(t, func() bool { return f.m.State() == Open })

	assert.ErrorIs(t, f.m.Run(ctx), ErrAlreadyRunning)
}
