package resolve

import (
	"context"
	"fmt"
	"testing"
)

type mapSource map[string]string

func (m mapSource) Resolve(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", fmt.Errorf("no such attribute %q", name)
	}
	return v, nil
}

func TestResolveSubstitutesPlaceholders(t *testing.T) {
	r := New(mapSource{"cbu_name": "Acme Corp"})
	out, envelope, err := r.Resolve(context.Background(), "case.create(name=<cbu_name>)")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out != "case.create(name=Acme Corp)" {
		t.Fatalf("unexpected output: %q", out)
	}
	if envelope.Resolved["cbu_name"] != "Acme Corp" {
		t.Fatalf("expected envelope to record resolved value")
	}
}

func TestReplayUsesEnvelopeNotSource(t *testing.T) {
	envelope := &ReplayEnvelope{Resolved: map[string]string{"cbu_name": "Acme Corp"}}
	out, err := ReplayWith("case.create(name=<cbu_name>)", envelope)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out != "case.create(name=Acme Corp)" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestReplayFailsOnMissingAttribute(t *testing.T) {
	envelope := &ReplayEnvelope{Resolved: map[string]string{}}
	if _, err := ReplayWith("case.create(name=<cbu_name>)", envelope); err == nil {
		t.Fatal("expected error for attribute missing from envelope")
	}
}

func TestFindPlaceholdersDeduplicates(t *testing.T) {
	got := FindPlaceholders("<a> and <b> and <a> again")
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct placeholders, got %v", got)
	}
}
