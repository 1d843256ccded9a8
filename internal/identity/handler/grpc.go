package handler

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"timepulse/backend/internal/identity/service"
	"timepulse/backend/internal/security"
	"timepulse/backend/internal/server/interceptors"
)

// Accounts is the auth service surface the server delegates to.
type Accounts interface {
	Login(ctx context.Context, email, password, ip string) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*service.AuthResult, error)
	Logout(ctx context.Context, principal *security.AccessToken) error
	TerminateUser(ctx context.Context, actor *security.AccessToken, targetUserID string) (*service.TerminationResult, error)
}

// AuthServer implements AuthService for login, refresh, logout and forced termination.
type AuthServer struct {
	accounts Accounts
}

// NewAuthServer returns an AuthService server. A nil accounts makes every method Unimplemented.
func NewAuthServer(accounts Accounts) *AuthServer {
	return &AuthServer{accounts: accounts}
}

// Login authenticates email and password and opens a session.
func (s *AuthServer) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	if s.accounts == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	if req.Email == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}
	res, err := s.accounts.Login(ctx, req.Email, req.Password, peerIP(ctx))
	if err != nil {
		return nil, authStatus(err)
	}
	return tokenResponse(res), nil
}

// Refresh rotates the refresh token and mints a new access token.
func (s *AuthServer) Refresh(ctx context.Context, req *RefreshRequest) (*TokenResponse, error) {
	if s.accounts == nil {
		return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refreshToken is required")
	}
	res, err := s.accounts.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, authStatus(err)
	}
	return tokenResponse(res), nil
}

// Logout revokes the caller's session.
func (s *AuthServer) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResponse, error) {
	if s.accounts == nil {
		return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
	}
	p, ok := interceptors.PrincipalFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	if err := s.accounts.Logout(ctx, p); err != nil {
		return nil, authStatus(err)
	}
	return &LogoutResponse{}, nil
}

// TerminateUser revokes every session of the target user, closes their sockets and stops their timer.
func (s *AuthServer) TerminateUser(ctx context.Context, req *TerminateUserRequest) (*TerminateUserResponse, error) {
	if s.accounts == nil {
		return nil, status.Error(codes.Unimplemented, "method TerminateUser not implemented")
	}
	p, ok := interceptors.PrincipalFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	if req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "userId is required")
	}
	res, err := s.accounts.TerminateUser(ctx, p, req.UserID)
	if err != nil {
		return nil, authStatus(err)
	}
	return &TerminateUserResponse{
		UserID:            res.UserID,
		SessionsRevoked:   res.SessionsRevoked,
		ConnectionsClosed: res.ConnectionsClosed,
		TimerStopped:      res.TimerStopped,
	}, nil
}

// authStatus maps auth service sentinels to gRPC codes. Unknown errors become Internal without detail.
func authStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrLedgerUnavailable):
		return status.Error(codes.Unavailable, "authorization temporarily unavailable")
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidRefreshToken),
		errors.Is(err, service.ErrRefreshTokenReuse),
		errors.Is(err, service.ErrTokenRevoked),
		errors.Is(err, service.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, "auth request failed")
	}
}

func tokenResponse(res *service.AuthResult) *TokenResponse {
	return &TokenResponse{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		ExpiresAt:        res.ExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
		UserID:           res.UserID,
		SessionID:        res.SessionID,
		Role:             res.Role,
	}
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}
