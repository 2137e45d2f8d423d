package policy

import "testing"

func TestClearanceSatisfies(t *testing.T) {
	if !Confidential.Satisfies(Internal) {
		t.Fatal("confidential should satisfy internal requirement")
	}
	if Public.Satisfies(Restricted) {
		t.Fatal("public should not satisfy restricted requirement")
	}
}

func TestParseClearanceFailsClosed(t *testing.T) {
	if _, err := ParseClearance("super-secret"); err == nil {
		t.Fatal("expected error for unparseable clearance label")
	}
}
