// Package planner implements the Plan Builder: macro expansion,
// constraint gating, DAG assembly via produces/consumes dependency
// inference, policy filtering, write-set derivation, and freezing into
// an immutable CompiledRunbook.
//
// DAG assembly is a staged topological sort: each stage admits the
// requests whose consumed bindings have all been produced, and a stage
// that makes no progress is a cycle.
package planner

import (
	"encoding/json"
	"fmt"

	"github.com/ob-poc/runbook-engine/internal/ids"
)

// StepRequest is one verb invocation after macro expansion, before DAG
// assembly: it names its produces/consumes binding keys (used for
// dependency inference), the lock keys it touches, and its raw,
// not-yet-locked argument payload.
type StepRequest struct {
	Verb     string
	Produces []string
	Consumes []string
	LockKeys []string
	Args     json.RawMessage
}

// CompiledStep is one frozen, ordered step of a CompiledRunbook. Args
// is frozen as macro expansion and argument defaulting left it; the
// Plan Builder does not substitute attribute placeholders in it (that
// substitution lives in internal/resolve). LockKeys is the sorted
// set of keys the Execution Gate must hold before running it — derived
// from the verb's crud_mapping target when it has one, falling back to
// the step's binding keys otherwise.
type CompiledStep struct {
	Index          int
	Verb           string
	Args           json.RawMessage
	LockKeys       []string
	IdempotencyKey string
}

// ReplayEnvelope is everything needed to rebuild the same compiled step
// list from the same intent under the same active snapshot-set:
// the set version the compile read, every entity reference resolved
// during enrichment, which macros expanded to what, the governing pack,
// and a hash of the originating utterance.
type ReplayEnvelope struct {
	SnapshotSetVersion int64               `json:"snapshot_set_version"`
	ResolvedRefs       map[string]string   `json:"resolved_refs,omitempty"`
	MacroResolutions   map[string][]string `json:"macro_resolutions,omitempty"`
	PackID             string              `json:"pack_id,omitempty"`
	PackVersion        int                 `json:"pack_version,omitempty"`
	UtteranceHash      string              `json:"utterance_hash,omitempty"`
	SemRegConsulted    bool                `json:"sem_reg_consulted"`
}

// CompiledRunbook is the immutable, frozen output of a successful
// compile: an ordered DAG of steps (topologically ordered at freeze
// time so execution is a simple sequential iteration), the session
// that owns it and its monotonic version within that session, the
// envelope a replay recompiles from, and the overall write-set (the
// union of every step's lock keys, sorted, used by the Execution Gate
// to acquire all runbook locks up front).
type CompiledRunbook struct {
	ID             ids.RunbookID
	SessionID      ids.SessionID
	RunbookVersion int64
	Steps          []CompiledStep
	WriteSet       []string
	Envelope       ReplayEnvelope
	SetsState      map[string]string
}

// ExecutedVerbs lists the verbs of every step in freeze order, the
// list a session marks completed once the runbook finishes.
func (rb CompiledRunbook) ExecutedVerbs() []string {
	out := make([]string, len(rb.Steps))
	for i, s := range rb.Steps {
		out[i] = s.Verb
	}
	return out
}

// ClarificationError is the response shape for every compile-time
// failure that asks the user rather than hard-failing: an unknown
// verb, a macro whose prereqs aren't met, a missing argument or scope
// value, or an empty plan. Entity-resolution ambiguity is reported by
// internal/resolve as its own AmbiguityError, not through this type.
// Callers type-assert on this rather than parsing Error() text.
type ClarificationError struct {
	Question      string
	Suggestions   []string
	MissingFields []string
	Context       map[string]string
}

func (e *ClarificationError) Error() string {
	return e.Question
}

// ConstraintViolationError is returned when the operator journey pack
// (or an explicit policy deny) rejects an expanded verb: the verb, the
// pack that rejected it, why, and what the pack would have allowed.
type ConstraintViolationError struct {
	Verb    string
	PackID  string
	Reason  string
	Allowed []string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("verb %s rejected by pack %s: %s", e.Verb, e.PackID, e.Reason)
}
