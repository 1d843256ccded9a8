package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	identitydomain "timepulse/backend/internal/identity/domain"
	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/policy/engine"
	"timepulse/backend/internal/revocation"
	"timepulse/backend/internal/security"
	sessiondomain "timepulse/backend/internal/session/domain"
	userdomain "timepulse/backend/internal/user/domain"
)

type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*userdomain.User
	byEmail map[string]*userdomain.User
}

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id], nil
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEmail[email], nil
}

type memIdentityRepo struct {
	mu sync.Mutex
	m  map[string]*identitydomain.Identity
}

func (r *memIdentityRepo) GetByUserAndProvider(ctx context.Context, userID string, provider identitydomain.IdentityProvider) (*identitydomain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.m {
		if i.UserID == userID && i.Provider == provider {
			return i, nil
		}
	}
	return nil, nil
}

type memSessionRepo struct {
	mu sync.Mutex
	m  map[string]*sessiondomain.Session
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok {
		s2 := *s
		return &s2, nil
	}
	return nil, nil
}

func (r *memSessionRepo) Create(ctx context.Context, s *sessiondomain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s2 := *s
	r.m[s.ID] = &s2
	return nil
}

func (r *memSessionRepo) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok && s.RevokedAt == nil {
		t := time.Now()
		s.RevokedAt = &t
	}
	return nil
}

func (r *memSessionRepo) RevokeAllByUser(ctx context.Context, userID string) ([]*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := time.Now()
	var out []*sessiondomain.Session
	for _, s := range r.m {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &t
			s2 := *s
			out = append(out, &s2)
		}
	}
	return out, nil
}

func (r *memSessionRepo) UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[sessionID]; ok {
		s.RefreshJti = jti
		s.RefreshTokenHash = refreshTokenHash
	}
	return nil
}

func (r *memSessionRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok {
		s.LastSeenAt = &at
	}
	return nil
}

type fakeCloser struct {
	mu         sync.Mutex
	sessions   []string
	identities []string
}

func (c *fakeCloser) CloseSession(sessionID, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sessionID)
	return 1
}

func (c *fakeCloser) CloseIdentity(userID, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identities = append(c.identities, userID)
	return 2
}

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) ForceStop(ctx context.Context, userID, reason string) (bool, error) {
	f.stopped = append(f.stopped, userID)
	return true, nil
}

type failingLedger struct{}

func (failingLedger) Revoke(ctx context.Context, id, userID string, ttl time.Duration) error {
	return revocation.ErrUnavailable
}

func (failingLedger) IsRevoked(ctx context.Context, id string) (bool, error) {
	return false, revocation.ErrUnavailable
}

const testPassword = "Correct-Horse-9"

type fixture struct {
	svc      *AuthService
	sessions *memSessionRepo
	ledger   *revocation.MemoryLedger
	closer   *fakeCloser
	stopper  *fakeStopper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	hasher := security.NewHasher(4)
	hash, err := hasher.Hash([]byte(testPassword))
	require.NoError(t, err)

	now := time.Now().UTC()
	users := &memUserRepo{byID: map[string]*userdomain.User{}, byEmail: map[string]*userdomain.User{}}
	for _, u := range []*userdomain.User{
		{ID: "u1", Email: "ada@example.com", Role: userdomain.RoleMember, Status: userdomain.UserStatusActive, CreatedAt: now},
		{ID: "u2", Email: "bob@example.com", Role: userdomain.RoleMember, Status: userdomain.UserStatusDisabled, CreatedAt: now},
		{ID: "a1", Email: "admin@example.com", Role: userdomain.RoleAdmin, Status: userdomain.UserStatusActive, CreatedAt: now},
	} {
		users.byID[u.ID] = u
		users.byEmail[u.Email] = u
	}
	idents := &memIdentityRepo{m: map[string]*identitydomain.Identity{}}
	for _, uid := range []string{"u1", "u2", "a1"} {
		idents.m["i-"+uid] = &identitydomain.Identity{ID: "i-" + uid, UserID: uid, Provider: identitydomain.IdentityProviderLocal, PasswordHash: hash}
	}
	sessions := &memSessionRepo{m: map[string]*sessiondomain.Session{}}
	ledger := revocation.NewMemoryLedger()

	svc := NewAuthService(users, idents, sessions, hasher, tokens, ledger, logging.Discard())
	closer := &fakeCloser{}
	stopper := &fakeStopper{}
	svc.SetConnectionCloser(closer)
	svc.SetTimerStopper(stopper)
	svc.SetPolicy(engine.NewOPAEvaluator(nil, logging.Discard()))
	return &fixture{svc: svc, sessions: sessions, ledger: ledger, closer: closer, stopper: stopper}
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Login(context.Background(), "  ADA@example.com ", testPassword, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.UserID)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "member", res.Role)

	sess, _ := f.sessions.GetByID(context.Background(), res.SessionID)
	require.NotNil(t, sess)
	assert.Equal(t, "10.0.0.1", sess.IPAddress)
	assert.True(t, security.RefreshTokenHashEqual(res.RefreshToken, sess.RefreshTokenHash))
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name, email, password string
	}{
		{"empty", "", ""},
		{"unknown user", "nobody@example.com", testPassword},
		{"wrong password", "ada@example.com", "wrong"},
		{"disabled user", "bob@example.com", testPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Login(context.Background(), tt.email, tt.password, "")
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Login(context.Background(), "ada@example.com", testPassword, "")
	require.NoError(t, err)

	tok, err := f.svc.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", tok.UserID)
	assert.Equal(t, res.SessionID, tok.SessionID)

	_, err = f.svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = f.svc.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_LedgerUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Login(context.Background(), "ada@example.com", testPassword, "")
	require.NoError(t, err)

	f.svc.ledger = failingLedger{}
	tok, err := f.svc.Authenticate(context.Background(), res.AccessToken)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestLogout_RevokesTokenAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)
	principal, err := f.svc.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, principal))

	_, err = f.svc.Authenticate(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	revoked, err := f.ledger.IsRevoked(ctx, revocation.SessionKey(res.SessionID))
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, []string{res.SessionID}, f.closer.sessions)

	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Empty(t, f.stopper.stopped, "logout must not stop the timer")
}

func TestLogout_SessionKeyCoversOtherAccessTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)
	refreshed, err := f.svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)

	principal, err := f.svc.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, principal))

	_, err = f.svc.Authenticate(ctx, refreshed.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestLogout_LedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)
	principal, err := f.svc.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)

	f.svc.ledger = failingLedger{}
	assert.ErrorIs(t, f.svc.Logout(ctx, principal), ErrLedgerUnavailable)
	assert.Empty(t, f.closer.sessions)
}

func TestRefresh_Rotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, next.RefreshToken)
	assert.Equal(t, res.SessionID, next.SessionID)

	_, err = f.svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_ReuseRevokesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)
	next, err := f.svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenReuse)

	_, err = f.svc.Authenticate(ctx, next.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.Equal(t, []string{"u1"}, f.closer.identities)
}

func TestTerminateUser_AdminTerminatesMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)
	admin, err := f.svc.Login(ctx, "admin@example.com", testPassword, "")
	require.NoError(t, err)
	actor, err := f.svc.Authenticate(ctx, admin.AccessToken)
	require.NoError(t, err)

	res, err := f.svc.TerminateUser(ctx, actor, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SessionsRevoked)
	assert.Equal(t, 2, res.ConnectionsClosed)
	assert.True(t, res.TimerStopped)
	assert.Equal(t, []string{"u1"}, f.stopper.stopped)

	_, err = f.svc.Authenticate(ctx, member.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = f.svc.Authenticate(ctx, admin.AccessToken)
	assert.NoError(t, err, "admin session untouched")
}

func TestTerminateUser_Forbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member, err := f.svc.Login(ctx, "ada@example.com", testPassword, "")
	require.NoError(t, err)
	actor, err := f.svc.Authenticate(ctx, member.AccessToken)
	require.NoError(t, err)

	_, err = f.svc.TerminateUser(ctx, actor, "a1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, f.stopper.stopped)

	_, err = f.svc.TerminateUser(ctx, actor, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTerminateUser_NoPolicyAllowsSelfOnly(t *testing.T) {
	f := newFixture(t)
	f.svc.SetPolicy(nil)
	ctx := context.Background()
	admin, err := f.svc.Login(ctx, "admin@example.com", testPassword, "")
	require.NoError(t, err)
	actor, err := f.svc.Authenticate(ctx, admin.AccessToken)
	require.NoError(t, err)

	_, err = f.svc.TerminateUser(ctx, actor, "u1")
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = f.svc.TerminateUser(ctx, actor, "a1")
	assert.NoError(t, err)
}
