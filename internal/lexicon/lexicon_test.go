package lexicon

import "testing"

func TestSuggestRanksByTokenOverlap(t *testing.T) {
	lx := NewLexicon([]string{"cbu.assign-role", "cbu.create", "kyc.start"})

	got := lx.Suggest("cbu.assign_rol", 5)
	if len(got) == 0 || got[0] != "cbu.assign-role" {
		t.Fatalf("expected cbu.assign-role ranked first, got %v", got)
	}
}

func TestSuggestRespectsLimit(t *testing.T) {
	lx := NewLexicon([]string{"cbu.create", "cbu.update", "cbu.delete"})

	got := lx.Suggest("cbu", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 suggestions, got %d: %v", len(got), got)
	}
}

func TestSuggestEmptyForNoOverlap(t *testing.T) {
	lx := NewLexicon([]string{"cbu.create"})

	got := lx.Suggest("zzz", 5)
	if len(got) != 0 {
		t.Fatalf("expected no suggestions, got %v", got)
	}
}
