// Package audit records security- and presence-relevant actions (logins, terminations, timer changes).
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"timepulse/backend/internal/audit/domain"
	auditrepo "timepulse/backend/internal/audit/repository"
)

// Actions written by the auth service and the write-through bridge.
const (
	ActionLoginSuccess      = "login_success"
	ActionLoginFailure      = "login_failure"
	ActionLogout            = "logout"
	ActionRefreshReuse      = "refresh_reuse_detected"
	ActionSessionTerminated = "session_terminated"
	ActionTimerStarted      = "timer_started"
	ActionTimerStopped      = "timer_stopped"
	ActionTimerForceStopped = "timer_force_stopped"
)

// Resources the actions apply to.
const (
	ResourceSession = "session"
	ResourceTimer   = "timer"
	ResourceUser    = "user"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event. LogEvent is best-effort: failures are logged and
// never affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	log         *slog.Logger
	now         func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo. ipExtractor may be nil; then IP is
// recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{repo: repo, ipExtractor: ipExtractor, log: log, now: time.Now}
}

// LogEvent writes one audit log entry. The write survives cancellation of ctx.
func (l *Logger) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.now().UTC(),
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := l.repo.Create(writeCtx, entry); err != nil {
		l.log.Warn("audit: failed to log event", "action", action, "resource", resource, "error", err)
	}
}
