package repository

import (
	"context"

	"timepulse/backend/internal/policy/domain"
)

// Repository defines persistence for policies.
type Repository interface {
	ListEnabled(ctx context.Context) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
}
