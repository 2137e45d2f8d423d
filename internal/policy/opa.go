package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultBundle is the rego module evaluated when no on-disk bundle is
// configured. It encodes the clearance lattice, jurisdiction match,
// and purpose limitation as a default-deny policy: `allow` only
// becomes true when every condition explicitly holds, so an input that
// fails to bind any rule body simply never produces `allow = true`.
const DefaultBundle = `
package obpoc.abac

default allow = false

allow {
	input.actor_clearance_rank >= input.required_clearance_rank
	input.purpose == input.allowed_purpose
	jurisdiction_ok
}

jurisdiction_ok {
	input.allowed_jurisdictions[_] == input.actor_jurisdiction
}

jurisdiction_ok {
	count(input.allowed_jurisdictions) == 0
}
`

// Engine evaluates ABAC decisions via an embedded OPA query — OPA's
// Go embedding API directly, not an external OPA daemon.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the ABAC query against the given rego module
// source (pass DefaultBundle, or the contents of the bundle at
// OBPOC_OPA_BUNDLE_PATH).
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	pq, err := rego.New(
		rego.Query("data.obpoc.abac.allow"),
		rego.Module("abac.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego query: %w", err)
	}
	return &Engine{query: pq}, nil
}

// Decision is the full ABAC input for one access check.
type Decision struct {
	ActorClearance     Clearance
	RequiredClearance  Clearance
	ActorJurisdiction  string
	AllowedJurisdictions []string
	Purpose            string
	AllowedPurpose      string
}

// Allow evaluates the decision and fails closed: any evaluation error,
// or a result set that does not explicitly contain `allow = true`, is
// treated as denied.
func (e *Engine) Allow(ctx context.Context, d Decision) (bool, error) {
	input := map[string]any{
		"actor_clearance_rank":  int(d.ActorClearance),
		"required_clearance_rank": int(d.RequiredClearance),
		"actor_jurisdiction":    d.ActorJurisdiction,
		"allowed_jurisdictions": d.AllowedJurisdictions,
		"purpose":               d.Purpose,
		"allowed_purpose":       d.AllowedPurpose,
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, nil
	}
	return allowed, nil
}
