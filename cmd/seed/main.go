// seed inserts development users and the default termination policy.
// Idempotent: skips inserts if the dev admin (admin@example.com) already exists.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"timepulse/backend/internal/config"
	"timepulse/backend/internal/db"
	identitydomain "timepulse/backend/internal/identity/domain"
	identityrepo "timepulse/backend/internal/identity/repository"
	"timepulse/backend/internal/logging"
	policydomain "timepulse/backend/internal/policy/domain"
	policyrepo "timepulse/backend/internal/policy/repository"
	"timepulse/backend/internal/security"
	userdomain "timepulse/backend/internal/user/domain"
	userrepo "timepulse/backend/internal/user/repository"
)

// terminatePolicy mirrors the built-in policy in internal/policy/engine/opa_evaluator.go so
// operators have a stored row to edit.
const terminatePolicy = `package timepulse.terminate

default allow = false
default reason = "not permitted"

allow if {
	input.actor.id == input.target.id
}

allow if {
	input.actor.role == "admin"
	input.target.role != "admin"
}

reason = "self" if {
	input.actor.id == input.target.id
}

reason = "admin" if {
	input.actor.id != input.target.id
	input.actor.role == "admin"
	input.target.role != "admin"
}
`

const devPassword = "password123"

type seedUser struct {
	id, identityID, email, name string
	role                        userdomain.Role
}

var seedUsers = []seedUser{
	{"dev-user-001", "dev-identity-001", "admin@example.com", "Dev Admin", userdomain.RoleAdmin},
	{"dev-user-002", "dev-identity-002", "alice@example.com", "Alice", userdomain.RoleMember},
	{"dev-user-003", "dev-identity-003", "bob@example.com", "Bob", userdomain.RoleMember},
}

func main() {
	log := logging.New("development", "info")
	if err := run(context.Background(), log); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	identities := identityrepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)

	existing, err := users.GetByEmail(ctx, seedUsers[0].email)
	if err != nil {
		return fmt.Errorf("seed check: %w", err)
	}
	if existing != nil {
		log.Info("seed already applied, skipping", "email", seedUsers[0].email)
		return nil
	}

	passwordHash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(devPassword))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	for _, u := range seedUsers {
		if err := users.Create(ctx, &userdomain.User{
			ID:        u.id,
			Email:     u.email,
			Name:      u.name,
			Role:      u.role,
			Status:    userdomain.UserStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("create user %s: %w", u.email, err)
		}
		if err := identities.Create(ctx, &identitydomain.Identity{
			ID:           u.identityID,
			UserID:       u.id,
			Provider:     identitydomain.IdentityProviderLocal,
			ProviderID:   u.email,
			PasswordHash: passwordHash,
			CreatedAt:    now,
		}); err != nil {
			return fmt.Errorf("create identity %s: %w", u.email, err)
		}
	}

	if err := policies.Create(ctx, &policydomain.Policy{
		ID:        "dev-policy-001",
		Name:      "terminate",
		Rules:     terminatePolicy,
		Enabled:   true,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("create policy: %w", err)
	}

	log.Info("seed completed")
	for _, u := range seedUsers {
		fmt.Printf("%s login: %s / %s\n", u.role, u.email, devPassword)
	}
	return nil
}
