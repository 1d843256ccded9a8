package handler

import (
	"context"
	"fmt"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const checkTimeout = 2 * time.Second

// Pinger reports database reachability (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// LedgerPinger reports revocation ledger reachability (e.g. *revocation.RedisLedger).
type LedgerPinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker reports whether the policy engine can evaluate (e.g. OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server implements grpc.health.v1.Health and the HTTP readiness check.
// A request is only served when every configured dependency answers; nil dependencies are skipped.
type Server struct {
	healthpb.UnimplementedHealthServer
	db     Pinger
	ledger LedgerPinger
	policy PolicyChecker
}

// NewServer returns a new health server.
func NewServer(db Pinger, ledger LedgerPinger, policy PolicyChecker) *Server {
	return &Server{db: db, ledger: ledger, policy: policy}
}

// Ready returns the first failing dependency check, or nil.
func (s *Server) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Ping(ctx); err != nil {
			return fmt.Errorf("revocation ledger: %w", err)
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			return fmt.Errorf("policy engine: %w", err)
		}
	}
	return nil
}

// Check returns SERVING when Ready succeeds and NOT_SERVING otherwise. Kubernetes, load
// balancers and CI use it.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.Ready(ctx); err != nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
