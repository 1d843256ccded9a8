package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/broadcast"
	"timepulse/backend/internal/identity/service"
	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/realtime"
	"timepulse/backend/internal/realtime/protocol"
	"timepulse/backend/internal/security"
	timerdomain "timepulse/backend/internal/timer/domain"
)

// fakeAuth maps bearer tokens to principals; revoked tokens fail with ErrTokenRevoked.
type fakeAuth struct {
	mu        sync.Mutex
	tokens    map[string]*security.AccessToken
	revoked   map[string]bool
	ledgerErr error
	loggedOut []string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{tokens: map[string]*security.AccessToken{}, revoked: map[string]bool{}}
}

func (f *fakeAuth) add(token, userID, sessionID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = &security.AccessToken{TokenID: "jti-" + token, UserID: userID, SessionID: sessionID, Role: role, ExpiresAt: time.Now().Add(time.Hour)}
}

func (f *fakeAuth) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[token] = true
}

func (f *fakeAuth) failLedger(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerErr = err
}

func (f *fakeAuth) Authenticate(ctx context.Context, token string) (*security.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledgerErr != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrLedgerUnavailable, f.ledgerErr)
	}
	if f.revoked[token] {
		return nil, service.ErrTokenRevoked
	}
	p, ok := f.tokens[token]
	if !ok {
		return nil, service.ErrUnauthenticated
	}
	return p, nil
}

func (f *fakeAuth) Login(ctx context.Context, email, password, ip string) (*service.AuthResult, error) {
	if password != "Correct-Horse-9" {
		return nil, service.ErrInvalidCredentials
	}
	f.add("issued", "u1", "s1", "member")
	return &service.AuthResult{AccessToken: "issued", RefreshToken: "r1", UserID: "u1", SessionID: "s1", Role: "member"}, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*service.AuthResult, error) {
	if refreshToken == "reused" {
		return nil, service.ErrRefreshTokenReuse
	}
	return &service.AuthResult{AccessToken: "issued2", RefreshToken: "r2", UserID: "u1", SessionID: "s1"}, nil
}

func (f *fakeAuth) Logout(ctx context.Context, p *security.AccessToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, q := range f.tokens {
		if q.SessionID == p.SessionID {
			f.revoked[tok] = true
		}
	}
	f.loggedOut = append(f.loggedOut, p.SessionID)
	return nil
}

func (f *fakeAuth) TerminateUser(ctx context.Context, actor *security.AccessToken, target string) (*service.TerminationResult, error) {
	if actor.Role != "admin" {
		return nil, service.ErrForbidden
	}
	if target == "ghost" {
		return nil, service.ErrUserNotFound
	}
	return &service.TerminationResult{UserID: target, SessionsRevoked: 2, ConnectionsClosed: 1, TimerStopped: true}, nil
}

type memTimerRepo struct {
	mu      sync.Mutex
	running map[string]*timerdomain.TimeEntry
}

func (r *memTimerRepo) Start(ctx context.Context, e *timerdomain.TimeEntry) (*timerdomain.TimeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.running[e.UserID]
	if prev != nil {
		prev.Stop(e.StartedAt)
	}
	cp := *e
	r.running[e.UserID] = &cp
	return prev, nil
}

func (r *memTimerRepo) Stop(ctx context.Context, userID string, at time.Time) (*timerdomain.TimeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.running[userID]
	if e == nil {
		return nil, nil
	}
	delete(r.running, userID)
	e.Stop(at)
	return e, nil
}

func (r *memTimerRepo) GetRunning(ctx context.Context, userID string) (*timerdomain.TimeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[userID], nil
}

func (r *memTimerRepo) ListRunning(ctx context.Context) ([]*timerdomain.TimeEntry, error) {
	return nil, nil
}

type readiness struct{ err error }

func (r readiness) Ready(context.Context) error { return r.err }

type testServer struct {
	*httptest.Server
	auth  *fakeAuth
	cache *presence.Cache
	reg   *realtime.Registry
}

func newTestServer(t *testing.T, limiter *Limiter, health Readiness) *testServer {
	t.Helper()
	auth := newFakeAuth()
	cache := presence.NewCache()
	promReg := prometheus.NewRegistry()
	reg := realtime.NewRegistry(auth, cache, realtime.Options{
		Registerer:  promReg,
		Logger:      logging.Discard(),
		Unavailable: func(err error) bool { return errors.Is(err, service.ErrLedgerUnavailable) },
	})
	hub := broadcast.NewHub(reg, promReg, logging.Discard())
	b := bridge.New(&memTimerRepo{running: map[string]*timerdomain.TimeEntry{}}, cache, hub, logging.Discard())
	reg.SetTimerCommands(b)

	router := NewRouter(Deps{
		Auth:       auth,
		Timers:     b,
		Presence:   cache,
		Sockets:    reg,
		Health:     health,
		Limiter:    limiter,
		Metrics:    promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Registerer: promReg,
		Logger:     logging.Discard(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})
	return &testServer{Server: srv, auth: auth, cache: cache, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, nil, nil)

	resp := s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@x.io", "password": "Correct-Horse-9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decode[TokenResponse](t, resp)
	assert.Equal(t, "issued", tokens.AccessToken)
	assert.Equal(t, "s1", tokens.SessionID)

	resp = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@x.io", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeInvalidCredentials, decode[ErrorResponse](t, resp).Code)

	resp = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@x.io"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefresh_ReuseIsUnauthorized(t *testing.T) {
	s := newTestServer(t, nil, nil)
	resp := s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": "reused"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeRefreshTokenReuse, decode[ErrorResponse](t, resp).Code)
}

func TestAuthenticatedRoutes_StatusMapping(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.auth.add("tok", "u1", "s1", "member")
	s.auth.revoke("old")

	resp := s.do(t, http.MethodGet, "/api/v1/presence", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthenticated, decode[ErrorResponse](t, resp).Code)

	resp = s.do(t, http.MethodGet, "/api/v1/presence", "old", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeTokenRevoked, decode[ErrorResponse](t, resp).Code)

	s.auth.failLedger(errors.New("redis down"))
	resp = s.do(t, http.MethodGet, "/api/v1/presence", "tok", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeUnavailable, decode[ErrorResponse](t, resp).Code)
}

func TestTimers_StartStopAndPoll(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.auth.add("tok", "u1", "s1", "member")

	resp := s.do(t, http.MethodPost, "/api/v1/timers/start", "tok", map[string]string{"projectId": "p1", "taskId": "t1", "label": "review"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decode[TimerResponse](t, resp)
	assert.True(t, started.Changed)
	assert.Equal(t, presence.EventStarted, started.Event.Type)
	assert.Equal(t, "t1", started.Entry.TaskID)

	resp = s.do(t, http.MethodGet, "/api/v1/presence", "tok", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decode[PresenceResponse](t, resp)
	require.Len(t, poll.Entries, 1)
	assert.Equal(t, started.Event.Version, poll.Entries[0].Version)
	assert.GreaterOrEqual(t, poll.AsOf, started.Event.Version)

	resp = s.do(t, http.MethodPost, "/api/v1/timers/stop", "tok", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, presence.EventStopped, decode[TimerResponse](t, resp).Event.Type)

	resp = s.do(t, http.MethodPost, "/api/v1/timers/stop", "tok", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotRunning, decode[ErrorResponse](t, resp).Code)

	resp = s.do(t, http.MethodPost, "/api/v1/timers/start", "tok", map[string]string{"projectId": "p1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTerminate(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.auth.add("admin", "a1", "sa", "admin")
	s.auth.add("member", "u1", "s1", "member")

	resp := s.do(t, http.MethodPost, "/api/v1/admin/users/u2/terminate", "member", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/admin/users/ghost/terminate", "admin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/admin/users/u2/terminate", "admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[TerminationResponse](t, resp)
	assert.Equal(t, TerminationResponse{UserID: "u2", SessionsRevoked: 2, ConnectionsClosed: 1, TimerStopped: true}, res)
}

func TestRateLimit_PerIdentity(t *testing.T) {
	s := newTestServer(t, NewLimiter(0.001, 2), nil)
	s.auth.add("a", "u1", "s1", "member")
	s.auth.add("b", "u2", "s2", "member")

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/presence", "a", nil).StatusCode)
	}
	resp := s.do(t, http.MethodGet, "/api/v1/presence", "a", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, resp).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/presence", "b", nil).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, readiness{err: errors.New("database: down")})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/livez", "", nil).StatusCode)
	resp := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "timepulse_http_requests_total")
}

func wsURL(s *testServer, query string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" + query
}

func readMessage(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWebSocket_RejectedBeforeUpgrade(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.auth.revoke("old")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(s, "?access_token=old"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.auth.add("tok", "u1", "s1", "member")
	s.auth.failLedger(errors.New("redis down"))
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(s, "?access_token=tok"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, s.reg.Len())
}

// A timer started over REST reaches a connected socket without any poll.
func TestWebSocket_ReceivesRESTMutation(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.auth.add("alice", "u1", "s1", "member")
	s.auth.add("bob", "u2", "s2", "member")

	header := http.Header{"Authorization": {"Bearer bob"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(s, ""), header)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, protocol.TypeSnapshot, readMessage(t, ws).Type)

	resp := s.do(t, http.MethodPost, "/api/v1/timers/start", "alice", map[string]string{"projectId": "p", "taskId": "t"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, presence.EventStarted, readMessage(t, ws).Type)
}

func TestWebSocket_LogoutClosesSocket(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.auth.add("tok", "u1", "s1", "member")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(s, "?access_token=tok"), nil)
	require.NoError(t, err)
	defer ws.Close()
	readMessage(t, ws)

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/v1/auth/logout", "tok", nil).StatusCode)
	s.auth.mu.Lock()
	assert.Equal(t, []string{"s1"}, s.auth.loggedOut)
	s.auth.mu.Unlock()

	// AuthService.Logout closes the session's sockets through the registry; the fake does not.
	s.reg.CloseSession("s1", service.ReasonLogout)
	assert.Equal(t, protocol.TypeSessionRevoked, readMessage(t, ws).Type)
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}
