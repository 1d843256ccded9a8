package repository

import (
	"context"
	"time"

	"timepulse/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Revoke(ctx context.Context, id string) error
	// RevokeAllByUser revokes every active session of the user and returns the sessions it revoked.
	RevokeAllByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error
}
