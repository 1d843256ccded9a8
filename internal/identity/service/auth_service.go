package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"timepulse/backend/internal/audit"
	identitydomain "timepulse/backend/internal/identity/domain"
	"timepulse/backend/internal/policy/engine"
	"timepulse/backend/internal/revocation"
	"timepulse/backend/internal/security"
	sessiondomain "timepulse/backend/internal/session/domain"
	"timepulse/backend/internal/telemetry"
	userdomain "timepulse/backend/internal/user/domain"
)

// Sentinel errors for auth service; handlers map them to HTTP and gRPC codes.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected; all sessions revoked")
	ErrUnauthenticated     = errors.New("missing or invalid access token")
	ErrTokenRevoked        = errors.New("access token revoked")
	ErrLedgerUnavailable   = errors.New("revocation ledger unavailable")
	ErrForbidden           = errors.New("not permitted")
	ErrUserNotFound        = errors.New("user not found")
)

// Reasons carried in session_revoked control messages.
const (
	ReasonLogout       = "logout"
	ReasonTerminated   = "terminated"
	ReasonRefreshReuse = "refresh_reuse"
)

// AuthResult holds the outcome of Login or Refresh.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	UserID           string
	SessionID        string
	Role             string
}

// TerminationResult summarizes a forced termination.
type TerminationResult struct {
	UserID            string
	SessionsRevoked   int
	ConnectionsClosed int
	TimerStopped      bool
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
}

// IdentityRepo is the minimal identity repository needed by the auth service.
type IdentityRepo interface {
	GetByUserAndProvider(ctx context.Context, userID string, provider identitydomain.IdentityProvider) (*identitydomain.Identity, error)
}

// SessionRepo is the minimal session repository needed by the auth service.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	Create(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllByUser(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

// ConnectionCloser closes live connections after their credential stops being valid.
type ConnectionCloser interface {
	CloseSession(sessionID, reason string) int
	CloseIdentity(userID, reason string) int
}

// TimerStopper stops an identity's running timer outside a normal client request.
type TimerStopper interface {
	ForceStop(ctx context.Context, userID, reason string) (bool, error)
}

// AuthService implements login, refresh, logout, request authentication and forced
// termination.
type AuthService struct {
	userRepo     UserRepo
	identityRepo IdentityRepo
	sessionRepo  SessionRepo
	hasher       *security.Hasher
	tokens       *security.TokenProvider
	ledger       revocation.Ledger
	log          *slog.Logger
	now          func() time.Time

	policy  engine.Evaluator
	closer  ConnectionCloser
	timers  TimerStopper
	audit   audit.AuditLogger
	emitter telemetry.EventEmitter
}

// NewAuthService returns an AuthService with the given dependencies. Optional collaborators
// are attached with the Set methods once they exist.
func NewAuthService(
	userRepo UserRepo,
	identityRepo IdentityRepo,
	sessionRepo SessionRepo,
	hasher *security.Hasher,
	tokens *security.TokenProvider,
	ledger revocation.Ledger,
	log *slog.Logger,
) *AuthService {
	if log == nil {
		log = slog.Default()
	}
	return &AuthService{
		userRepo:     userRepo,
		identityRepo: identityRepo,
		sessionRepo:  sessionRepo,
		hasher:       hasher,
		tokens:       tokens,
		ledger:       ledger,
		log:          log,
		now:          time.Now,
	}
}

// SetPolicy sets the evaluator consulted by TerminateUser. Without one only self-termination is allowed.
func (s *AuthService) SetPolicy(p engine.Evaluator) { s.policy = p }

// SetConnectionCloser sets the registry used to close sockets on logout and termination.
func (s *AuthService) SetConnectionCloser(c ConnectionCloser) { s.closer = c }

// SetTimerStopper sets the bridge used to stop timers on termination.
func (s *AuthService) SetTimerStopper(t TimerStopper) { s.timers = t }

// SetAuditLogger sets the audit logger.
func (s *AuthService) SetAuditLogger(a audit.AuditLogger) { s.audit = a }

// SetEventEmitter sets the telemetry emitter.
func (s *AuthService) SetEventEmitter(e telemetry.EventEmitter) { s.emitter = e }

// Authenticate validates an access token and consults the revocation ledger for both the
// token id and its session. A ledger failure returns ErrLedgerUnavailable, never a principal.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*security.AccessToken, error) {
	if accessToken == "" {
		return nil, ErrUnauthenticated
	}
	tok, err := s.tokens.ValidateAccess(accessToken)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	for _, id := range []string{tok.TokenID, revocation.SessionKey(tok.SessionID)} {
		revoked, err := s.ledger.IsRevoked(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return tok, nil
}

// Login authenticates with email/password, creates a session, and returns tokens.
func (s *AuthService) Login(ctx context.Context, email, password, ip string) (*AuthResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Status != userdomain.UserStatusActive {
		s.logAudit(ctx, "", audit.ActionLoginFailure, audit.ResourceSession, map[string]string{"email": email})
		return nil, ErrInvalidCredentials
	}
	ident, err := s.identityRepo.GetByUserAndProvider(ctx, user.ID, identitydomain.IdentityProviderLocal)
	if err != nil {
		return nil, err
	}
	if ident == nil || ident.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(ident.PasswordHash, []byte(password)); err != nil {
		s.logAudit(ctx, user.ID, audit.ActionLoginFailure, audit.ResourceSession, nil)
		return nil, ErrInvalidCredentials
	}

	sessionID := uuid.NewString()
	refreshToken, jti, refreshExp, err := s.tokens.IssueRefresh(sessionID, user.ID)
	if err != nil {
		return nil, err
	}
	accessToken, _, accessExp, err := s.tokens.IssueAccess(sessionID, user.ID, string(user.Role))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &sessiondomain.Session{
		ID:               sessionID,
		UserID:           user.ID,
		ExpiresAt:        refreshExp,
		IPAddress:        ip,
		RefreshJti:       jti,
		RefreshTokenHash: security.HashRefreshToken(refreshToken),
		CreatedAt:        now,
		LastSeenAt:       &now,
	}
	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logAudit(ctx, user.ID, audit.ActionLoginSuccess, audit.ResourceSession, map[string]string{"sessionId": sessionID})
	return &AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        accessExp,
		RefreshExpiresAt: refreshExp,
		UserID:           user.ID,
		SessionID:        sessionID,
		Role:             string(user.Role),
	}, nil
}

// Refresh validates the refresh token, rotates it, and returns new tokens. Presenting a
// refresh token that was already rotated away revokes every session of the user.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	rt, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	sess, err := s.sessionRepo.GetByID(ctx, rt.SessionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if sess == nil || sess.UserID != rt.UserID || !sess.Active(now) {
		return nil, ErrInvalidRefreshToken
	}
	if sess.RefreshJti != rt.TokenID {
		s.log.Warn("auth: refresh token reuse detected", "user_id", rt.UserID, "session_id", rt.SessionID)
		if _, err := s.revokeAll(ctx, rt.UserID, ReasonRefreshReuse); err != nil {
			s.log.Error("auth: revoke after reuse failed", "user_id", rt.UserID, "error", err)
		}
		s.logAudit(ctx, rt.UserID, audit.ActionRefreshReuse, audit.ResourceSession, map[string]string{"sessionId": rt.SessionID})
		return nil, ErrRefreshTokenReuse
	}
	if sess.RefreshTokenHash != "" && !security.RefreshTokenHashEqual(refreshToken, sess.RefreshTokenHash) {
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.userRepo.GetByID(ctx, rt.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Status != userdomain.UserStatusActive {
		return nil, ErrInvalidRefreshToken
	}

	_ = s.sessionRepo.UpdateLastSeen(ctx, sess.ID, now)
	newRefresh, newJti, _, err := s.tokens.IssueRefresh(sess.ID, user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionRepo.UpdateRefreshToken(ctx, sess.ID, newJti, security.HashRefreshToken(newRefresh)); err != nil {
		return nil, err
	}
	accessToken, _, accessExp, err := s.tokens.IssueAccess(sess.ID, user.ID, string(user.Role))
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     newRefresh,
		ExpiresAt:        accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
		UserID:           user.ID,
		SessionID:        sess.ID,
		Role:             string(user.Role),
	}, nil
}

// Logout revokes the caller's session. The access token id is recorded in the ledger for its
// remaining lifetime and the session for the session's remaining lifetime, then every socket
// of the session is closed. The running timer, if any, is left alone.
func (s *AuthService) Logout(ctx context.Context, principal *security.AccessToken) error {
	if principal == nil {
		return ErrUnauthenticated
	}
	now := s.now()
	sessExp := principal.ExpiresAt
	sess, err := s.sessionRepo.GetByID(ctx, principal.SessionID)
	if err != nil {
		return err
	}
	if sess != nil {
		if sess.ExpiresAt.After(sessExp) {
			sessExp = sess.ExpiresAt
		}
		if err := s.sessionRepo.Revoke(ctx, sess.ID); err != nil {
			return err
		}
	}
	if err := s.ledger.Revoke(ctx, principal.TokenID, principal.UserID, revocation.RemainingTTL(now, principal.ExpiresAt)); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if err := s.ledger.Revoke(ctx, revocation.SessionKey(principal.SessionID), principal.UserID, revocation.RemainingTTL(now, sessExp)); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if s.closer != nil {
		s.closer.CloseSession(principal.SessionID, ReasonLogout)
	}
	s.logAudit(ctx, principal.UserID, audit.ActionLogout, audit.ResourceSession, map[string]string{"sessionId": principal.SessionID})
	return nil
}

// TerminateUser revokes every session of targetUserID, stops the user's running timer and
// closes the user's live connections. actor must be allowed by the policy evaluator.
func (s *AuthService) TerminateUser(ctx context.Context, actor *security.AccessToken, targetUserID string) (*TerminationResult, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	target, err := s.userRepo.GetByID(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrUserNotFound
	}
	if err := s.authorizeTermination(ctx, actor, target); err != nil {
		return nil, err
	}

	revoked, err := s.revokeAll(ctx, target.ID, ReasonTerminated)
	if err != nil {
		return nil, err
	}
	res := &TerminationResult{UserID: target.ID, SessionsRevoked: revoked}
	if s.timers != nil {
		stopped, err := s.timers.ForceStop(ctx, target.ID, ReasonTerminated)
		if err != nil {
			s.log.Error("auth: force stop failed", "user_id", target.ID, "error", err)
		}
		res.TimerStopped = stopped
	}
	if s.closer != nil {
		res.ConnectionsClosed = s.closer.CloseIdentity(target.ID, ReasonTerminated)
	}

	s.logAudit(ctx, actor.UserID, audit.ActionSessionTerminated, audit.ResourceUser, map[string]string{"targetUserId": target.ID})
	telemetry.EmitAsync(ctx, s.emitter, telemetry.NewEvent(telemetry.EventSessionTerminated, "auth_service", target.ID, "", map[string]any{
		"actorId":           actor.UserID,
		"sessionsRevoked":   res.SessionsRevoked,
		"connectionsClosed": res.ConnectionsClosed,
		"timerStopped":      res.TimerStopped,
	}), s.log)
	s.log.Info("auth: user terminated", "user_id", target.ID, "actor_id", actor.UserID,
		"sessions", res.SessionsRevoked, "connections", res.ConnectionsClosed)
	return res, nil
}

func (s *AuthService) authorizeTermination(ctx context.Context, actor *security.AccessToken, target *userdomain.User) error {
	if s.policy == nil {
		if actor.UserID == target.ID {
			return nil
		}
		return ErrForbidden
	}
	d, err := s.policy.AuthorizeTermination(ctx, engine.TerminationRequest{
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		TargetID:   target.ID,
		TargetRole: string(target.Role),
	})
	if err != nil || !d.Allowed {
		return ErrForbidden
	}
	return nil
}

// revokeAll revokes every active session of userID in the database and the ledger and closes
// the user's connections. Returns the number of sessions revoked.
func (s *AuthService) revokeAll(ctx context.Context, userID, reason string) (int, error) {
	sessions, err := s.sessionRepo.RevokeAllByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var errs []error
	for _, sess := range sessions {
		ttl := revocation.RemainingTTL(now, sess.ExpiresAt)
		if err := s.ledger.Revoke(ctx, revocation.SessionKey(sess.ID), userID, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	if reason == ReasonRefreshReuse && s.closer != nil {
		s.closer.CloseIdentity(userID, reason)
	}
	if err := errors.Join(errs...); err != nil {
		return len(sessions), fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return len(sessions), nil
}

func (s *AuthService) logAudit(ctx context.Context, userID, action, resource string, meta map[string]string) {
	if s.audit == nil {
		return
	}
	var metadata string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metadata = string(b)
		}
	}
	s.audit.LogEvent(ctx, userID, action, resource, metadata)
}
