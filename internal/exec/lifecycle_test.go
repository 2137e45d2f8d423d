package exec

import (
	"context"
	"testing"

	"github.com/ob-poc/runbook-engine/internal/errcode"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/statemachine"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

type stubStateSource struct {
	entityType string
	state      string
}

func (s stubStateSource) CurrentState(_ context.Context, _ planner.CompiledStep) (string, string, error) {
	return s.entityType, s.state, nil
}

func guardFixture(t *testing.T, current string) (*StateGuard, *fakeExecutor) {
	t.Helper()
	machine, err := statemachine.New(statemachine.Definition{
		EntityType:  "case",
		States:      []string{"draft", "active", "closed"},
		Transitions: []statemachine.Transition{{From: "draft", To: "active"}, {From: "active", To: "closed"}},
		Initial:     "draft",
		Terminal:    []string{"closed"},
	})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}

	reg := verbs.NewRegistry()
	reg.Rebuild([]verbs.Contract{
		{Name: "case.close", Kind: verbs.KindPrimitive,
			Lifecycle: verbs.Lifecycle{RequiredStates: []string{"active"}, FinalState: "closed"}},
		{Name: "case.note", Kind: verbs.KindPrimitive},
	})

	inner := &fakeExecutor{results: []StepResult{{Outcome: Completed}}}
	guard := NewStateGuard(inner, stubStateSource{entityType: "case", state: current},
		map[string]*statemachine.Machine{"case": machine}, reg)
	return guard, inner
}

func TestStateGuardAllowsDeclaredTransition(t *testing.T) {
	guard, inner := guardFixture(t, "active")

	result, err := guard.Execute(context.Background(), planner.CompiledStep{Verb: "case.close"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != Completed || inner.calls != 1 {
		t.Fatalf("expected inner executor to run once, got %+v calls=%d", result, inner.calls)
	}
}

func TestStateGuardRejectsWrongState(t *testing.T) {
	guard, inner := guardFixture(t, "draft")

	result, err := guard.Execute(context.Background(), planner.CompiledStep{Verb: "case.close"})
	if result.Outcome != Failed {
		t.Fatalf("expected Failed, got %v", result.Outcome)
	}
	code, ok := errcode.CodeOf(err)
	if !ok || code != errcode.EExecStateViolation {
		t.Fatalf("expected E:EXEC:STATE_VIOLATION, got %v", err)
	}
	if inner.calls != 0 {
		t.Fatal("inner executor must not run on a state violation")
	}
}

func TestStateGuardPassesThroughUnconstrainedVerbs(t *testing.T) {
	guard, inner := guardFixture(t, "draft")

	result, err := guard.Execute(context.Background(), planner.CompiledStep{Verb: "case.note"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != Completed || inner.calls != 1 {
		t.Fatalf("expected pass-through, got %+v calls=%d", result, inner.calls)
	}
}
