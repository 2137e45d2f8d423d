package exec

import (
	"context"
	"fmt"

	"github.com/ob-poc/runbook-engine/internal/errcode"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/statemachine"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

// EntityStateSource reads the current lifecycle state of the entity a
// step operates on. Implementations look the row up by the step's
// resolved arguments (the entity's status_column per its declared
// lifecycle).
type EntityStateSource interface {
	CurrentState(ctx context.Context, step planner.CompiledStep) (entityType, state string, err error)
}

// StateGuard decorates a VerbExecutor with declarative lifecycle
// enforcement: a verb whose contract names required_states only runs
// when the target entity is in one of them, and its final_state must
// be a transition the entity type's state machine declares legal. A
// mismatch is a Failed step carrying E:EXEC:STATE_VIOLATION, never a
// silent skip.
type StateGuard struct {
	inner    VerbExecutor
	source   EntityStateSource
	machines map[string]*statemachine.Machine
	verbs    *verbs.Registry
}

func NewStateGuard(inner VerbExecutor, source EntityStateSource, machines map[string]*statemachine.Machine, registry *verbs.Registry) *StateGuard {
	return &StateGuard{inner: inner, source: source, machines: machines, verbs: registry}
}

func (g *StateGuard) Execute(ctx context.Context, step planner.CompiledStep) (StepResult, error) {
	contract, err := g.verbs.Lookup(step.Verb)
	if err != nil {
		return StepResult{Outcome: Failed}, fmt.Errorf("exec: state guard: %w", err)
	}
	if len(contract.Lifecycle.RequiredStates) == 0 && contract.Lifecycle.FinalState == "" {
		return g.inner.Execute(ctx, step)
	}

	entityType, current, err := g.source.CurrentState(ctx, step)
	if err != nil {
		return StepResult{Outcome: Failed}, fmt.Errorf("exec: read entity state for %s: %w", step.Verb, err)
	}

	if len(contract.Lifecycle.RequiredStates) > 0 {
		ok := false
		for _, s := range contract.Lifecycle.RequiredStates {
			if s == current {
				ok = true
				break
			}
		}
		if !ok {
			return StepResult{Outcome: Failed}, errcode.New(errcode.EExecStateViolation,
				fmt.Sprintf("verb %s requires entity states %v but %s is %q",
					step.Verb, contract.Lifecycle.RequiredStates, entityType, current))
		}
	}

	if contract.Lifecycle.FinalState != "" {
		machine, ok := g.machines[entityType]
		if !ok {
			return StepResult{Outcome: Failed}, errcode.New(errcode.EExecStateViolation,
				fmt.Sprintf("entity type %q has no declared lifecycle for verb %s", entityType, step.Verb))
		}
		if err := machine.Apply(current, contract.Lifecycle.FinalState); err != nil {
			return StepResult{Outcome: Failed}, errcode.Wrap(errcode.EExecStateViolation,
				fmt.Sprintf("verb %s would move %s through an undeclared transition", step.Verb, entityType), err)
		}
	}

	return g.inner.Execute(ctx, step)
}
