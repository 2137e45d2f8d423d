package policy

import (
	"encoding/json"
	"fmt"
)

// HandlingControl is one special-handling marker on a security label.
type HandlingControl string

const (
	NoLlmExternal HandlingControl = "no_llm_external"
	NoCrossBorder HandlingControl = "no_cross_border"
	AuditRequired HandlingControl = "audit_required"
)

// PurposeLlmExternal is the purpose string an LLM-bound read declares;
// any label carrying NoLlmExternal denies it outright.
const PurposeLlmExternal = "llm_external"

// SecurityLabel classifies one snapshot's content: its clearance
// level, whether it carries PII, which jurisdictions may see it, what
// purposes it is limited to, and its handling controls.
type SecurityLabel struct {
	Classification    string            `json:"classification"`
	PII               bool              `json:"pii"`
	Jurisdictions     []string          `json:"jurisdictions,omitempty"`
	PurposeLimitation []string          `json:"purpose_limitation,omitempty"`
	HandlingControls  []HandlingControl `json:"handling_controls,omitempty"`
}

// ParseLabel parses a raw JSON security label, failing on anything
// structurally or semantically unparseable. Callers treat a parse
// failure as Deny: fail closed on a missing or broken label.
func ParseLabel(raw []byte) (SecurityLabel, error) {
	if len(raw) == 0 {
		return SecurityLabel{}, fmt.Errorf("policy: empty security label")
	}
	var label SecurityLabel
	if err := json.Unmarshal(raw, &label); err != nil {
		return SecurityLabel{}, fmt.Errorf("policy: unparseable security label: %w", err)
	}
	if _, err := ParseClearance(label.Classification); err != nil {
		return SecurityLabel{}, err
	}
	return label, nil
}

// Actor is the requesting principal's attributes.
type Actor struct {
	Clearance    Clearance
	Jurisdiction string
	Roles        []string
}

// RoleComplianceOfficer bypasses the jurisdiction-intersection rule.
const RoleComplianceOfficer = "compliance_officer"

func (a Actor) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Effect is an EnforceRead outcome.
type Effect string

const (
	EffectAllow            Effect = "allow"
	EffectAllowWithMasking Effect = "allow_with_masking"
	EffectDeny             Effect = "deny"
)

// ReadDecision is one read's full ABAC verdict.
type ReadDecision struct {
	Effect       Effect
	MaskedFields []string
	Reason       string
}

// EnforceRead evaluates the ABAC rules over a raw label: clearance
// lattice, handling controls, jurisdiction intersection, purpose
// limitation. An unparseable label is Deny, never a guess.
func EnforceRead(actor Actor, rawLabel []byte, purpose string) ReadDecision {
	label, err := ParseLabel(rawLabel)
	if err != nil {
		return ReadDecision{Effect: EffectDeny, Reason: "unparseable security label"}
	}

	required, err := ParseClearance(label.Classification)
	if err != nil {
		return ReadDecision{Effect: EffectDeny, Reason: "unparseable classification"}
	}
	if !actor.Clearance.Satisfies(required) {
		return ReadDecision{Effect: EffectDeny, Reason: fmt.Sprintf("clearance below %s", label.Classification)}
	}

	for _, hc := range label.HandlingControls {
		if hc == NoLlmExternal && purpose == PurposeLlmExternal {
			return ReadDecision{Effect: EffectDeny, Reason: "content must not reach an external llm"}
		}
	}

	if len(label.Jurisdictions) > 0 && !actor.hasRole(RoleComplianceOfficer) {
		ok := false
		for _, j := range label.Jurisdictions {
			if j == actor.Jurisdiction {
				ok = true
				break
			}
		}
		if !ok {
			return ReadDecision{Effect: EffectDeny, Reason: "actor jurisdiction outside label jurisdictions"}
		}
	}

	if len(label.PurposeLimitation) > 0 {
		ok := false
		for _, p := range label.PurposeLimitation {
			if p == purpose {
				ok = true
				break
			}
		}
		if !ok {
			return ReadDecision{Effect: EffectDeny, Reason: fmt.Sprintf("purpose %q outside the label's purpose limitation", purpose)}
		}
	}

	if label.PII {
		return ReadDecision{Effect: EffectAllowWithMasking, MaskedFields: []string{"pii"}}
	}
	return ReadDecision{Effect: EffectAllow}
}

// RedactedStub is what a denied row surfaces as in list queries: enough
// to show something exists without leaking its content.
type RedactedStub struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Redacted bool   `json:"redacted"`
	Reason   string `json:"reason"`
}

// LabeledRow is one list-query row under enforcement: its identity for
// stub purposes plus its raw label.
type LabeledRow struct {
	Kind  string
	Name  string
	Label []byte
}

// FilterList splits rows into allowed rows and redacted stubs under
// one actor/purpose.
func FilterList(actor Actor, purpose string, rows []LabeledRow) (allowed []LabeledRow, stubs []RedactedStub) {
	for _, row := range rows {
		d := EnforceRead(actor, row.Label, purpose)
		if d.Effect == EffectDeny {
			stubs = append(stubs, RedactedStub{
				Kind:     row.Kind,
				Name:     row.Name,
				Redacted: true,
				Reason:   d.Reason,
			})
			continue
		}
		allowed = append(allowed, row)
	}
	return allowed, stubs
}
