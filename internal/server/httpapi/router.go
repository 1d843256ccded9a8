// Package httpapi is the REST, websocket and operational HTTP surface of the server.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/identity/service"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/realtime"
	"timepulse/backend/internal/security"
	"timepulse/backend/internal/telemetry"
)

// AuthService is the identity service surface used by the API.
type AuthService interface {
	Authenticate(ctx context.Context, token string) (*security.AccessToken, error)
	Login(ctx context.Context, email, password, ip string) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*service.AuthResult, error)
	Logout(ctx context.Context, principal *security.AccessToken) error
	TerminateUser(ctx context.Context, actor *security.AccessToken, targetUserID string) (*service.TerminationResult, error)
}

// Timers is the write-through bridge.
type Timers interface {
	StartTimer(ctx context.Context, cmd bridge.StartCommand) (*bridge.Result, error)
	StopTimer(ctx context.Context, cmd bridge.StopCommand) (*bridge.Result, error)
}

// Snapshotter serves the presence poll.
type Snapshotter interface {
	Snapshot() presence.Snapshot
}

// Sockets admits and runs websocket connections.
type Sockets interface {
	Connect(ctx context.Context, credential string, open func() (realtime.Transport, error)) (*realtime.Conn, error)
	Serve(ctx context.Context, c *realtime.Conn)
}

// Readiness reports whether dependencies are reachable.
type Readiness interface {
	Ready(ctx context.Context) error
}

// Deps holds the API's collaborators. Auth is required; nil optional fields disable their routes.
type Deps struct {
	Auth       AuthService
	Timers     Timers
	Presence   Snapshotter
	Sockets    Sockets
	Health     Readiness
	Limiter    *Limiter
	Metrics    http.Handler
	Registerer prometheus.Registerer
	Emitter    telemetry.EventEmitter
	Logger     *slog.Logger
	// Timeout bounds non-websocket API requests. Zero disables it.
	Timeout time.Duration
}

// API serves HTTP requests.
type API struct {
	auth     AuthService
	timers   Timers
	presence Snapshotter
	sockets  Sockets
	health   Readiness
	limiter  *Limiter
	log      *slog.Logger
}

// NewRouter builds the chi router with middleware and all routes.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	a := &API{
		auth:     deps.Auth,
		timers:   deps.Timers,
		presence: deps.Presence,
		sockets:  deps.Sockets,
		health:   deps.Health,
		limiter:  deps.Limiter,
		log:      deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		observe(deps.Logger, newRequestMetrics(deps.Registerer), deps.Emitter),
		chimw.Recoverer,
	)

	r.Get("/livez", a.livez)
	r.Get("/healthz", a.healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if a.sockets != nil {
		r.Get("/ws", a.websocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Timeout > 0 {
			r.Use(chimw.Timeout(deps.Timeout))
		}
		r.Group(func(r chi.Router) {
			r.Use(a.rateLimit)
			r.Post("/auth/login", a.login)
			r.Post("/auth/refresh", a.refresh)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate, a.rateLimit)
			r.Post("/auth/logout", a.logout)
			r.Post("/admin/users/{userID}/terminate", a.terminate)
			if a.timers != nil {
				r.Post("/timers/start", a.startTimer)
				r.Post("/timers/stop", a.stopTimer)
			}
			if a.presence != nil {
				r.Get("/presence", a.listPresence)
			}
		})
	})
	return r
}
