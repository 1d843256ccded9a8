package interceptors

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"timepulse/backend/internal/audit"
)

// ActionAccessDenied is recorded for authenticated calls refused with PermissionDenied.
const ActionAccessDenied = "access_denied"

// AuditUnary returns a unary server interceptor that records authenticated calls refused with
// PermissionDenied. Successful mutations are audited by the services that perform them.
// skipMethods is the set of full method names never audited. Writes are best-effort.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] || status.Code(err) != codes.PermissionDenied {
			return resp, err
		}
		userID, ok := GetUserID(ctx)
		if !ok {
			return resp, err
		}
		service, method := splitFullMethod(info.FullMethod)
		meta, _ := json.Marshal(map[string]string{"service": service, "method": method})
		logger.LogEvent(ctx, userID, ActionAccessDenied, resourceFor(service), string(meta))
		return resp, err
	}
}

// splitFullMethod splits "/pkg.Service/Method" into "pkg.Service" and "Method".
func splitFullMethod(full string) (service, method string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

func resourceFor(service string) string {
	switch {
	case strings.HasSuffix(service, "TimerService"):
		return audit.ResourceTimer
	case strings.HasSuffix(service, "AuthService"):
		return audit.ResourceSession
	default:
		return strings.ToLower(service)
	}
}

type clientIPKey struct{}

// WithClientIP records the caller address for transports without a gRPC peer.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the address set by WithClientIP, else the client IP from gRPC metadata
// (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
