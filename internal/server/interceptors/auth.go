package interceptors

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"timepulse/backend/internal/identity/service"
	"timepulse/backend/internal/security"
)

const bearerPrefix = "bearer "

// Authenticator validates an access token against signature, expiry and the revocation ledger.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*security.AccessToken, error)
}

// AuthUnary returns a unary server interceptor that authenticates the Bearer (access) token
// from gRPC metadata and stores the principal in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. AuthService Login, Refresh; grpc.health.v1 Check).
// When the revocation ledger cannot be reached the call fails with Unavailable, never admitted.
func AuthUnary(auth Authenticator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		principal, err := auth.Authenticate(ctx, token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, AuthStatus(err)
		}
		return handler(WithPrincipal(ctx, principal), req)
	}
}

// AuthStatus maps an authentication error to a gRPC status.
func AuthStatus(err error) error {
	if errors.Is(err, service.ErrLedgerUnavailable) {
		return status.Error(codes.Unavailable, "authorization temporarily unavailable")
	}
	return status.Error(codes.Unauthenticated, "missing or invalid authorization")
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return ParseBearer(vals[0])
}

// ParseBearer returns the token of an "Authorization: Bearer <token>" value, or "".
func ParseBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
