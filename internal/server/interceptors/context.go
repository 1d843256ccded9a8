package interceptors

import (
	"context"

	"timepulse/backend/internal/security"
)

type contextKey struct{ name string }

var principalKey = contextKey{"principal"}

// WithPrincipal returns a context carrying the authenticated access token.
// Handlers and the HTTP middleware read it back via PrincipalFrom.
func WithPrincipal(ctx context.Context, p *security.AccessToken) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal from context, or nil, false if the call is unauthenticated.
func PrincipalFrom(ctx context.Context) (*security.AccessToken, bool) {
	p, ok := ctx.Value(principalKey).(*security.AccessToken)
	return p, ok && p != nil
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	if p, ok := PrincipalFrom(ctx); ok {
		return p.UserID, true
	}
	return "", false
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	if p, ok := PrincipalFrom(ctx); ok {
		return p.SessionID, true
	}
	return "", false
}
