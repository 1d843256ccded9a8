package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"timepulse/backend/internal/policy/repository"
)

const (
	allowQuery  = "data.timepulse.terminate.allow"
	reasonQuery = "data.timepulse.terminate.reason"
)

// Default Rego policy: admins may terminate members and themselves, anyone may terminate
// their own sessions, admins may not terminate other admins.
const defaultRegoPolicy = `package timepulse.terminate

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

// OPAEvaluator evaluates administrative policies using OPA Rego.
type OPAEvaluator struct {
	policyRepo repository.Repository
	log        *slog.Logger
}

// NewOPAEvaluator returns an OPA-based policy evaluator. policyRepo may be nil, in which case
// only the built-in policy is used.
func NewOPAEvaluator(policyRepo repository.Repository, log *slog.Logger) *OPAEvaluator {
	if log == nil {
		log = slog.Default()
	}
	return &OPAEvaluator{policyRepo: policyRepo, log: log}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
// Does not call the policy repo or database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.evaluate(ctx, []string{defaultRegoPolicy}, buildInput(TerminationRequest{ActorID: "a", TargetID: "a"}))
	return err
}

// AuthorizeTermination evaluates the enabled policies (or the built-in one when none are
// stored) for req. Evaluation failures deny.
func (e *OPAEvaluator) AuthorizeTermination(ctx context.Context, req TerminationRequest) (Decision, error) {
	var policies []string
	if e.policyRepo != nil {
		enabled, err := e.policyRepo.ListEnabled(ctx)
		if err != nil {
			e.log.Warn("policy: failed to load policies, using default", "error", err)
		} else {
			for _, p := range enabled {
				if p.Enabled && p.Rules != "" {
					policies = append(policies, p.Rules)
				}
			}
		}
	}
	if len(policies) == 0 {
		policies = []string{defaultRegoPolicy}
	}

	d, err := e.evaluate(ctx, policies, buildInput(req))
	if err != nil {
		e.log.Error("policy: evaluation failed, denying", "error", err)
		return Decision{Allowed: false, Reason: "policy evaluation failed"}, err
	}
	return d, nil
}

func buildInput(req TerminationRequest) map[string]interface{} {
	return map[string]interface{}{
		"actor": map[string]interface{}{
			"id":   req.ActorID,
			"role": req.ActorRole,
		},
		"target": map[string]interface{}{
			"id":   req.TargetID,
			"role": req.TargetRole,
		},
	}
}

func (e *OPAEvaluator) evaluate(ctx context.Context, policies []string, input map[string]interface{}) (Decision, error) {
	modules := make(map[string]string, len(policies))
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return Decision{}, fmt.Errorf("compile policies: %w", err)
	}

	allowRS, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("eval allow: %w", err)
	}
	if len(allowRS) == 0 || len(allowRS[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy query returned no result")
	}
	out := Decision{}
	if v, ok := allowRS[0].Expressions[0].Value.(bool); ok {
		out.Allowed = v
	}

	reasonRS, err := rego.New(
		rego.Query(reasonQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err == nil && len(reasonRS) > 0 && len(reasonRS[0].Expressions) > 0 {
		if v, ok := reasonRS[0].Expressions[0].Value.(string); ok {
			out.Reason = v
		}
	}
	return out, nil
}
