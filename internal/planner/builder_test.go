package planner

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ob-poc/runbook-engine/internal/session"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

func newTestRegistry() *verbs.Registry {
	r := verbs.NewRegistry()
	r.Rebuild([]verbs.Contract{
		{Name: "case.create", Kind: verbs.KindPrimitive, Produces: []string{"case"}},
		{Name: "kyc.start", Kind: verbs.KindPrimitive, Produces: []string{"kyc_case"}, Consumes: []string{"case"}},
		{
			Name: "kyc.setup", Kind: verbs.KindMacro,
			Expansion: []verbs.ExpansionStep{{Verb: "case.create"}, {Verb: "kyc.start"}},
			SetsState: map[string]string{"kyc-ready": "true"},
		},
		{
			Name: "structure.setup", Kind: verbs.KindMacro,
			Prereqs:   []verbs.Prereq{{Kind: verbs.PrereqStateExists, Key: "has-client"}},
			Expansion: []verbs.ExpansionStep{{Verb: "case.create", Args: map[string]string{"name": "${arg.client_name}"}}},
		},
		{
			Name: "cbu.assign-role", Kind: verbs.KindPrimitive,
			Args: []verbs.ArgDef{
				{Name: "cbu_id", Type: "entity_ref", Required: true},
				{Name: "entity_id", Type: "entity_ref", Required: true},
			},
			Crud: &verbs.CrudMapping{Operation: "insert", Table: "cbu_entity_roles", KeyColumn: "cbu_id"},
		},
	})
	return r
}

func TestCompileExpandsMacroAndOrdersSteps(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)

	rb, err := b.Compile(context.Background(), CompileRequest{Verbs: []string{"kyc.setup"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(rb.Steps) != 2 || rb.Steps[0].Verb != "case.create" || rb.Steps[1].Verb != "kyc.start" {
		t.Fatalf("unexpected steps: %+v", rb.Steps)
	}
	if len(rb.WriteSet) == 0 {
		t.Fatal("expected a non-empty write set")
	}
	if rb.SetsState["kyc-ready"] != "true" {
		t.Fatalf("expected macro sets_state carried onto runbook, got %+v", rb.SetsState)
	}
	if got := rb.Envelope.MacroResolutions["kyc.setup"]; len(got) != 2 {
		t.Fatalf("expected macro resolution recorded in envelope, got %v", got)
	}
}

func TestCompileUnknownVerbReturnsClarificationWithSuggestions(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)

	_, err := b.Compile(context.Background(), CompileRequest{Verbs: []string{"kyc.starrt"}})
	if err == nil {
		t.Fatal("expected an error for an unknown verb")
	}

	var clarification *ClarificationError
	if !errors.As(err, &clarification) {
		t.Fatalf("expected *ClarificationError, got %T: %v", err, err)
	}
	if len(clarification.Suggestions) == 0 {
		t.Fatalf("expected at least one suggested verb, got none")
	}
	found := false
	for _, s := range clarification.Suggestions {
		if s == "kyc.start" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected kyc.start among suggestions, got %v", clarification.Suggestions)
	}
}

func TestCompileMacroPrereqFailureNamesMissingFlag(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)
	sess := session.New()

	_, err := b.Compile(context.Background(), CompileRequest{
		Verbs:   []string{"structure.setup"},
		Session: sess,
	})
	var clarification *ClarificationError
	if !errors.As(err, &clarification) {
		t.Fatalf("expected *ClarificationError, got %T: %v", err, err)
	}
	if len(clarification.MissingFields) != 1 || clarification.MissingFields[0] != "has-client" {
		t.Fatalf("expected missing field has-client, got %v", clarification.MissingFields)
	}
}

func TestCompileMacroPrereqMetSubstitutesArgTemplate(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)
	sess := session.New()
	sess.SetFlag("has-client", "true")

	rb, err := b.Compile(context.Background(), CompileRequest{
		Verbs:   []string{"structure.setup"},
		Args:    map[string]map[string]any{"structure.setup": {"client_name": "Apex Fund"}},
		Session: sess,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !bytes.Contains(rb.Steps[0].Args, []byte("Apex Fund")) {
		t.Fatalf("expected substituted arg in %s", rb.Steps[0].Args)
	}
	if rb.RunbookVersion != 1 {
		t.Fatalf("expected first session runbook version 1, got %d", rb.RunbookVersion)
	}
}

func TestCompilePreviewDoesNotConsumeRunbookVersion(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)
	sess := session.New()

	preview, err := b.Compile(context.Background(), CompileRequest{
		Verbs:   []string{"kyc.setup"},
		Session: sess,
		Preview: true,
	})
	if err != nil {
		t.Fatalf("preview compile: %v", err)
	}
	if preview.RunbookVersion != 0 {
		t.Fatalf("preview must not assign a runbook version, got %d", preview.RunbookVersion)
	}

	real, err := b.Compile(context.Background(), CompileRequest{
		Verbs:   []string{"kyc.setup"},
		Session: sess,
	})
	if err != nil {
		t.Fatalf("real compile: %v", err)
	}
	if real.RunbookVersion != 1 {
		t.Fatalf("expected first non-preview version 1, got %d", real.RunbookVersion)
	}
}

func TestCompilePackRejectsVerbOutsidePermittedSet(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)

	_, err := b.Compile(context.Background(), CompileRequest{
		Verbs: []string{"kyc.setup"},
		Pack:  &Pack{ID: "onboarding-light", Version: 3, Permitted: []string{"case.create"}},
	})
	var violation *ConstraintViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected *ConstraintViolationError, got %T: %v", err, err)
	}
	if violation.Verb != "kyc.start" || violation.PackID != "onboarding-light" {
		t.Fatalf("unexpected violation: %+v", violation)
	}
	if len(violation.Allowed) != 1 {
		t.Fatalf("expected allowed alternatives listed, got %v", violation.Allowed)
	}
}

func TestCompileRequiredArgMissingReturnsClarification(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)

	_, err := b.Compile(context.Background(), CompileRequest{Verbs: []string{"cbu.assign-role"}})
	var clarification *ClarificationError
	if !errors.As(err, &clarification) {
		t.Fatalf("expected *ClarificationError, got %T: %v", err, err)
	}
}

func TestCompileCrudMappingDerivesRowLockKey(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)

	rb, err := b.Compile(context.Background(), CompileRequest{
		Verbs: []string{"cbu.assign-role"},
		Args: map[string]map[string]any{
			"cbu.assign-role": {"cbu_id": "cbu_42", "entity_id": "ent_7"},
		},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := "ob-poc.cbu_entity_roles/cbu_id=cbu_42"
	if len(rb.WriteSet) != 1 || rb.WriteSet[0] != want {
		t.Fatalf("expected write set [%s], got %v", want, rb.WriteSet)
	}
}

func TestCompileDeterministicStepsForSameRequest(t *testing.T) {
	b := NewBuilder(newTestRegistry(), nil, nil, nil)

	req := CompileRequest{Utterance: "set up kyc", Verbs: []string{"kyc.setup"}}
	a, err := b.Compile(context.Background(), req)
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}
	c, err := b.Compile(context.Background(), req)
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}

	if len(a.Steps) != len(c.Steps) {
		t.Fatalf("step count differs: %d vs %d", len(a.Steps), len(c.Steps))
	}
	for i := range a.Steps {
		if a.Steps[i].Verb != c.Steps[i].Verb || !bytes.Equal(a.Steps[i].Args, c.Steps[i].Args) {
			t.Fatalf("step %d differs between identical compiles", i)
		}
	}
	if a.Envelope.UtteranceHash != c.Envelope.UtteranceHash || a.Envelope.UtteranceHash == "" {
		t.Fatal("expected identical, non-empty utterance hashes")
	}
}

func TestApplyConstraintsInjectsRequiredVerbsOnce(t *testing.T) {
	b := &Builder{rules: []ConstraintRule{
		{EntityType: "CBU", Jurisdiction: "US", RequireVerbs: []string{"kyc.start"}},
	}}

	out := b.applyConstraints("CBU", "US", []expandedStep{{verb: "case.create"}, {verb: "kyc.start"}})
	count := 0
	for _, s := range out {
		if s.verb == "kyc.start" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected kyc.start exactly once, got %d in %v", count, out)
	}
}
