package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/security"
	"timepulse/backend/internal/server/interceptors"
	"timepulse/backend/internal/telemetry"
)

// statusWriter records status and size. It passes Hijack through so websocket upgrades work
// behind the logging middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
	count  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.count += n
	return n, err
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

type requestMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newRequestMetrics(reg prometheus.Registerer) *requestMetrics {
	f := promauto.With(reg)
	return &requestMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timepulse", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "timepulse", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// observe logs every request with a request-scoped logger, records metrics by route pattern
// and emits an http_request telemetry event for API calls.
func observe(log *slog.Logger, m *requestMetrics, emitter telemetry.EventEmitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLog := log.With(slog.String("request_id", chimw.GetReqID(r.Context())))
			info := &requestInfo{}
			ctx := context.WithValue(logging.Into(r.Context(), reqLog), requestInfoKey{}, info)
			ctx = interceptors.WithClientIP(ctx, clientIP(r))
			r = r.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)
			if sw.status == 0 {
				sw.status = http.StatusOK
			}

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			m.duration.WithLabelValues(r.Method, route).Observe(dur.Seconds())

			reqLog.LogAttrs(r.Context(), slog.LevelInfo, "http",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", sw.status),
				slog.Duration("dur", dur),
				slog.Int("bytes", sw.count),
			)

			if principal := info.principal; principal != nil {
				telemetry.EmitAsync(r.Context(), emitter, telemetry.NewEvent(telemetry.EventHTTPRequest, "http_api", principal.UserID, principal.SessionID, map[string]any{
					"method": r.Method, "route": route, "status": sw.status, "durationMs": dur.Milliseconds(),
				}), reqLog)
			}
		})
	}
}

// requestInfo lets inner middleware hand the principal back to observe.
type requestInfo struct {
	principal *security.AccessToken
}

type requestInfoKey struct{}

// authenticate requires a valid, unrevoked bearer token and stores the principal in context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := interceptors.ParseBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid authorization")
			return
		}
		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.principal = principal
		}
		next.ServeHTTP(w, r.WithContext(interceptors.WithPrincipal(r.Context(), principal)))
	})
}

// rateLimit applies the per-key token bucket: the identity when authenticated, the client
// address otherwise.
func (a *API) rateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if p, ok := interceptors.PrincipalFrom(r.Context()); ok {
			key = "user:" + p.UserID
		}
		if ok, retry := a.limiter.Allow(key); !ok {
			writeRateLimited(w, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request host; chi's RealIP has already applied forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
