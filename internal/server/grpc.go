package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"timepulse/backend/internal/audit"
	healthhandler "timepulse/backend/internal/health/handler"
	identityhandler "timepulse/backend/internal/identity/handler"
	"timepulse/backend/internal/server/interceptors"
	"timepulse/backend/internal/telemetry"
	timerhandler "timepulse/backend/internal/timer/handler"
)

// Deps holds service dependencies for the gRPC server.
type Deps struct {
	// Auth authenticates bearer tokens. Required.
	Auth interceptors.Authenticator
	// Accounts serves AuthService. If nil, auth RPCs return Unimplemented.
	Accounts identityhandler.Accounts
	// Timers is the write-through bridge. If nil, timer RPCs return Unimplemented.
	Timers timerhandler.Timers
	// Presence answers ListPresence. If nil, ListPresence returns Unimplemented.
	Presence timerhandler.Snapshotter
	// Health is the readiness checker. If nil, the health service is not registered.
	Health *healthhandler.Server
	// Audit records denied calls. Optional.
	Audit audit.AuditLogger
	// Emitter receives grpc_request telemetry. Optional.
	Emitter telemetry.EventEmitter
	Logger  *slog.Logger
}

// publicMethods never require a bearer token.
var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
	identityhandler.MethodLogin:          true,
	identityhandler.MethodRefresh:        true,
}

// NewGRPCServer returns a server with the interceptor chain (telemetry, auth, audit), the
// otelgrpc stats handler and every service registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.TelemetryUnary(deps.Emitter, publicMethods, deps.Logger),
			interceptors.AuthUnary(deps.Auth, publicMethods),
			interceptors.AuditUnary(deps.Audit, publicMethods),
		),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - timepulse.timer.v1.TimerService → internal/timer/handler
//   - timepulse.auth.v1.AuthService   → internal/identity/handler
//   - grpc.health.v1.Health           → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	timerhandler.RegisterTimerServiceServer(s, timerhandler.NewServer(deps.Timers, deps.Presence))
	identityhandler.RegisterAuthServiceServer(s, identityhandler.NewAuthServer(deps.Accounts))
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
