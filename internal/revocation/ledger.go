// Package revocation records access tokens and sessions that must no longer be honored
// before their natural expiry. Records self-expire when the token would have.
package revocation

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the ledger cannot be consulted. Callers fail closed.
var ErrUnavailable = errors.New("revocation ledger unavailable")

// Ledger is the revocation store consulted by every authenticated entry point.
type Ledger interface {
	// Revoke records id as revoked for ttl. A non-positive ttl writes nothing: the
	// credential has already expired on its own.
	Revoke(ctx context.Context, id, userID string, ttl time.Duration) error
	// IsRevoked reports whether id has an unexpired revocation record.
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// record is a single revocation entry as held by MemoryLedger.
type record struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// SessionKey is the ledger id under which a whole session is revoked. Access tokens are
// revoked under their jti; revoking the session covers every access token minted for it.
func SessionKey(sessionID string) string {
	return "sess:" + sessionID
}

// RemainingTTL returns the lifetime left until expiresAt, or zero when already expired.
func RemainingTTL(now, expiresAt time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
