package interceptors

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"timepulse/backend/internal/audit"
	"timepulse/backend/internal/security"
)

type auditCall struct {
	userID, action, resource, metadata string
}

type recordingAuditLogger struct {
	mu    sync.Mutex
	calls []auditCall
}

func (r *recordingAuditLogger) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, auditCall{userID, action, resource, metadata})
}

func authedCtx() context.Context {
	return WithPrincipal(context.Background(), &security.AccessToken{UserID: "user-1", SessionID: "session-1"})
}

func deniedHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return nil, status.Error(codes.PermissionDenied, "no")
}

func TestAuditUnary_RecordsPermissionDenied(t *testing.T) {
	logger := &recordingAuditLogger{}
	interceptor := AuditUnary(logger, nil)

	_, err := interceptor(authedCtx(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/timepulse.v1.AuthService/TerminateUser",
	}, deniedHandler)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("err = %v, want PermissionDenied passed through", err)
	}
	if len(logger.calls) != 1 {
		t.Fatalf("audit calls = %d, want 1", len(logger.calls))
	}
	c := logger.calls[0]
	if c.userID != "user-1" || c.action != ActionAccessDenied || c.resource != audit.ResourceSession {
		t.Errorf("audit call = %+v", c)
	}
	if c.metadata != `{"method":"TerminateUser","service":"timepulse.v1.AuthService"}` {
		t.Errorf("metadata = %s", c.metadata)
	}
}

func TestAuditUnary_SkipsSuccessSkippedAndAnonymous(t *testing.T) {
	logger := &recordingAuditLogger{}
	interceptor := AuditUnary(logger, map[string]bool{"/timepulse.v1.TimerService/Skip": true})

	_, _ = interceptor(authedCtx(), "request", &grpc.UnaryServerInfo{FullMethod: "/timepulse.v1.TimerService/StartTimer"}, okHandler)
	_, _ = interceptor(authedCtx(), "request", &grpc.UnaryServerInfo{FullMethod: "/timepulse.v1.TimerService/Skip"}, deniedHandler)
	_, _ = interceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/timepulse.v1.TimerService/StopTimer"}, deniedHandler)

	if len(logger.calls) != 0 {
		t.Errorf("audit calls = %d, want 0", len(logger.calls))
	}
}

func TestAuditUnary_NilLogger(t *testing.T) {
	interceptor := AuditUnary(nil, nil)
	if _, err := interceptor(authedCtx(), "request", &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}, deniedHandler); status.Code(err) != codes.PermissionDenied {
		t.Errorf("err = %v", err)
	}
}

func TestSplitFullMethod(t *testing.T) {
	svc, m := splitFullMethod("/timepulse.v1.TimerService/StartTimer")
	if svc != "timepulse.v1.TimerService" || m != "StartTimer" {
		t.Errorf("splitFullMethod = %q, %q", svc, m)
	}
	if resourceFor(svc) != audit.ResourceTimer {
		t.Errorf("resourceFor(%q) = %q", svc, resourceFor(svc))
	}
}

func TestClientIP_XForwardedFor(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"x-forwarded-for": "192.168.1.1, 10.0.0.1",
	}))
	if ip := ClientIP(ctx); ip != "192.168.1.1" {
		t.Errorf("IP = %q, want %q", ip, "192.168.1.1")
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"x-real-ip": "192.168.1.2",
	}))
	if ip := ClientIP(ctx); ip != "192.168.1.2" {
		t.Errorf("IP = %q, want %q", ip, "192.168.1.2")
	}
}

func TestClientIP_Peer(t *testing.T) {
	addr, _ := net.ResolveTCPAddr("tcp", "192.168.1.3:12345")
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: addr})
	if ip := ClientIP(ctx); ip != "192.168.1.3" {
		t.Errorf("IP = %q, want %q", ip, "192.168.1.3")
	}
}

func TestClientIP_Unknown(t *testing.T) {
	if ip := ClientIP(context.Background()); ip != "unknown" {
		t.Errorf("IP = %q, want %q", ip, "unknown")
	}
}

func TestClientIP_ExplicitWins(t *testing.T) {
	md := metadata.Pairs("x-forwarded-for", "192.168.1.1")
	ctx := WithClientIP(metadata.NewIncomingContext(context.Background(), md), "10.0.0.9")
	if ip := ClientIP(ctx); ip != "10.0.0.9" {
		t.Errorf("ClientIP = %q, want 10.0.0.9", ip)
	}
}
