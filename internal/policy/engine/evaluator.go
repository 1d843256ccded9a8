package engine

import (
	"context"
	"errors"
)

// ErrDenied is returned by callers when the evaluator refuses an action.
var ErrDenied = errors.New("policy denied")

// TerminationRequest describes a forced termination of every session of Target by Actor.
type TerminationRequest struct {
	ActorID    string
	ActorRole  string
	TargetID   string
	TargetRole string
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator decides administrative actions using OPA or other engines.
type Evaluator interface {
	AuthorizeTermination(ctx context.Context, req TerminationRequest) (Decision, error)
}
