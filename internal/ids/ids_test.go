package ids

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCaseIDStringCarriesPrefix(t *testing.T) {
	id := NewCaseID()
	if !strings.HasPrefix(id.String(), "case_") {
		t.Fatalf("expected case_ prefix, got %s", id)
	}
}

func TestParseAcceptsPrefixedAndBareForms(t *testing.T) {
	id := NewCBUID()

	fromPrefixed, err := ParseCBUID(id.String())
	if err != nil {
		t.Fatalf("parse prefixed: %v", err)
	}
	bare := strings.TrimPrefix(id.String(), "cbu_")
	fromBare, err := ParseCBUID(bare)
	if err != nil {
		t.Fatalf("parse bare: %v", err)
	}
	if fromPrefixed.String() != id.String() || fromBare.String() != id.String() {
		t.Fatalf("round trips disagree: %s / %s / %s", id, fromPrefixed, fromBare)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseRunbookID("rb_not-a-uuid"); err == nil {
		t.Fatal("expected parse error for a malformed uuid")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type doc struct {
		Runbook RunbookID `json:"runbook"`
		Session SessionID `json:"session"`
	}
	in := doc{Runbook: NewRunbookID(), Session: NewSessionID()}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out doc
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Runbook.String() != in.Runbook.String() || out.Session.String() != in.Session.String() {
		t.Fatalf("round trip mismatch: %+v vs %+v", in, out)
	}
}

func TestScanValueRoundTrip(t *testing.T) {
	id := NewCaseID()
	v, err := id.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var scanned CaseID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned.String() != id.String() {
		t.Fatalf("round trip mismatch: %s vs %s", scanned, id)
	}
}

func TestIDsAreTimeOrdered(t *testing.T) {
	a := NewTaskID()
	b := NewTaskID()
	if a.String() >= b.String() {
		t.Fatalf("expected %s to sort before the later-generated %s", a, b)
	}
}
