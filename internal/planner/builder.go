package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/lexicon"
	"github.com/ob-poc/runbook-engine/internal/session"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

// maxSuggestions bounds how many neighbor verbs a Clarification lists
// for an unknown-verb compile failure.
const maxSuggestions = 5

// ConstraintRule is one operator journey pack entry: an entity-type
// and jurisdiction keyed requirement that injects additional required
// verbs into a plan before DAG assembly (a CORPORATE entity pulls in
// UBO analysis, a US jurisdiction pulls in FinCEN reporting, and so
// on — the rule table is data, not a hardcoded switch).
type ConstraintRule struct {
	EntityType   string
	Jurisdiction string // "" matches any
	RequireVerbs []string
}

// Pack is the active operator journey's permitted-verb set. A nil Pack
// permits everything; a non-nil Pack rejects any expanded verb outside
// Permitted with a ConstraintViolationError.
type Pack struct {
	ID        string
	Version   int
	Permitted []string
}

func (p *Pack) permits(verb string) bool {
	for _, v := range p.Permitted {
		if v == verb {
			return true
		}
	}
	return false
}

// PolicyFilter decides whether an actor is permitted to include a given
// verb in a compiled plan (the ABAC gate, see internal/policy). Kept as
// an interface here so the Plan Builder does not import OPA directly.
type PolicyFilter interface {
	Allow(ctx context.Context, actorClearance, verb string) (bool, error)
}

// CompileRequest is one compile invocation's full input.
type CompileRequest struct {
	ActorClearance string
	EntityType     string
	Jurisdiction   string
	Utterance      string
	Verbs          []string
	Args           map[string]map[string]any // caller args per requested verb
	Session        *session.UnifiedSession
	Pack           *Pack
	ResolvedRefs   map[string]string // enrichment output, recorded into the envelope
	Preview        bool              // compile without assigning a session runbook version
}

// Builder drives a set of primitive/macro verb invocations through the
// full compile pipeline.
type Builder struct {
	registry   *verbs.Registry
	rules      []ConstraintRule
	policy     PolicyFilter
	lexicon    *lexicon.Lexicon
	log        *zap.SugaredLogger
	setVersion int64
}

func NewBuilder(registry *verbs.Registry, rules []ConstraintRule, policy PolicyFilter, log *zap.SugaredLogger) *Builder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Builder{
		registry: registry,
		rules:    rules,
		policy:   policy,
		log:      log,
		lexicon:  lexicon.NewLexicon(registry.Names()),
	}
}

// SetSnapshotSetVersion records which active SnapshotSet version this
// builder's registry was loaded from; every envelope it freezes
// carries it.
func (b *Builder) SetSnapshotSetVersion(v int64) { b.setVersion = v }

// expandedStep is one post-expansion verb invocation with its merged
// argument map, before DAG assembly.
type expandedStep struct {
	verb string
	args map[string]any
}

// Compile runs: macro expansion (with prereq evaluation) -> constraint
// gate -> pack gate -> DAG assembly -> policy filter -> write-set
// derivation -> freeze.
func (b *Builder) Compile(ctx context.Context, req CompileRequest) (CompiledRunbook, error) {
	envelope := ReplayEnvelope{
		SnapshotSetVersion: b.setVersion,
		ResolvedRefs:       req.ResolvedRefs,
		MacroResolutions:   make(map[string][]string),
		SemRegConsulted:    true,
	}
	if req.Pack != nil {
		envelope.PackID = req.Pack.ID
		envelope.PackVersion = req.Pack.Version
	}
	if req.Utterance != "" {
		sum := sha256.Sum256([]byte(req.Utterance))
		envelope.UtteranceHash = hex.EncodeToString(sum[:])
	}

	expanded, setsState, err := b.expandMacros(req, envelope.MacroResolutions)
	if err != nil {
		return CompiledRunbook{}, err
	}

	expanded = b.applyConstraints(req.EntityType, req.Jurisdiction, expanded)

	if req.Pack != nil {
		for _, step := range expanded {
			if !req.Pack.permits(step.verb) {
				return CompiledRunbook{}, &ConstraintViolationError{
					Verb:    step.verb,
					PackID:  req.Pack.ID,
					Reason:  "verb is not in the active journey pack's permitted set",
					Allowed: req.Pack.Permitted,
				}
			}
		}
	}

	requests := make([]StepRequest, 0, len(expanded))
	for _, step := range expanded {
		contract, err := b.registry.Lookup(step.verb)
		if err != nil {
			return CompiledRunbook{}, fmt.Errorf("planner: %w", err)
		}
		argsJSON, err := marshalArgs(contract, step.args)
		if err != nil {
			return CompiledRunbook{}, err
		}
		requests = append(requests, StepRequest{
			Verb:     step.verb,
			Produces: contract.Produces,
			Consumes: contract.Consumes,
			LockKeys: lockKeysFor(contract, step.args),
			Args:     argsJSON,
		})
	}

	ordered, err := assembleDAG(requests)
	if err != nil {
		return CompiledRunbook{}, err
	}

	if b.policy != nil {
		for _, r := range ordered {
			allowed, err := b.policy.Allow(ctx, req.ActorClearance, r.Verb)
			if err != nil {
				// Registry/policy unavailability fails open with a log
				// warning; only an explicit deny fails closed.
				b.log.Warnw("planner: policy filter unavailable, failing open",
					"verb", r.Verb, "error", err)
				envelope.SemRegConsulted = false
				continue
			}
			if !allowed {
				return CompiledRunbook{}, &ConstraintViolationError{
					Verb:   r.Verb,
					PackID: envelope.PackID,
					Reason: "policy denied verb for this actor",
				}
			}
		}
	}

	if len(ordered) == 0 {
		return CompiledRunbook{}, &ClarificationError{
			Question: "the request compiled to an empty plan; which operation did you intend?",
		}
	}

	steps := make([]CompiledStep, len(ordered))
	for i, r := range ordered {
		sort.Strings(r.LockKeys)
		steps[i] = CompiledStep{
			Index:    i,
			Verb:     r.Verb,
			Args:     r.Args,
			LockKeys: r.LockKeys,
		}
	}

	rb := CompiledRunbook{
		ID:        ids.NewRunbookID(),
		Steps:     steps,
		WriteSet:  writeSet(steps),
		Envelope:  envelope,
		SetsState: setsState,
	}
	if req.Session != nil {
		rb.SessionID = req.Session.ID()
		if !req.Preview {
			rb.RunbookVersion = req.Session.NextRunbookVersion()
		}
	}
	return rb, nil
}

// expandMacros replaces every macro verb in the requested list with its
// primitive expansion, evaluating each macro's prereqs against the
// session's DagState and substituting its argument templates
// (${arg.x} from the macro's caller args, ${scope.k} from session
// scope). Macro-of-macro is already rejected at registry load time, so
// one level of expansion suffices here.
func (b *Builder) expandMacros(req CompileRequest, resolutions map[string][]string) ([]expandedStep, map[string]string, error) {
	var out []expandedStep
	setsState := make(map[string]string)

	for _, verb := range req.Verbs {
		kind, err := b.registry.Classify(verb)
		if err != nil {
			return nil, nil, &ClarificationError{
				Question:    fmt.Sprintf("%q is not a known verb", verb),
				Suggestions: b.lexicon.Suggest(verb, maxSuggestions),
				Context:     map[string]string{"verb": verb},
			}
		}

		callerArgs := req.Args[verb]

		if kind == verbs.KindPrimitive {
			out = append(out, expandedStep{verb: verb, args: callerArgs})
			continue
		}

		contract, err := b.registry.Lookup(verb)
		if err != nil {
			return nil, nil, fmt.Errorf("planner: %w", err)
		}

		if missing := unmetPrereqs(req.Session, contract.Prereqs); len(missing) > 0 {
			return nil, nil, &ClarificationError{
				Question:      fmt.Sprintf("macro %s has unmet prerequisites: %s", verb, strings.Join(missing, ", ")),
				MissingFields: missing,
				Context:       map[string]string{"verb": verb},
			}
		}

		for _, step := range contract.Expansion {
			if !b.registry.IsValidVerb(step.Verb) {
				return nil, nil, &ClarificationError{
					Question:    fmt.Sprintf("macro %s expands to unknown verb %q", verb, step.Verb),
					Suggestions: b.lexicon.Suggest(step.Verb, maxSuggestions),
					Context:     map[string]string{"macro": verb, "verb": step.Verb},
				}
			}
			args, err := substituteTemplates(step.Args, callerArgs, req.Session)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, expandedStep{verb: step.Verb, args: args})
			resolutions[verb] = append(resolutions[verb], step.Verb)
		}
		for k, v := range contract.SetsState {
			setsState[k] = v
		}
	}
	return out, setsState, nil
}

// unmetPrereqs evaluates a macro's prereqs against the session,
// returning a human-readable name for each one that failed. A nil
// session satisfies nothing, so a macro with prereqs always needs a
// session-scoped compile.
func unmetPrereqs(s *session.UnifiedSession, prereqs []verbs.Prereq) []string {
	var missing []string
	for _, p := range prereqs {
		if !prereqMet(s, p) {
			missing = append(missing, prereqLabel(p))
		}
	}
	return missing
}

func prereqMet(s *session.UnifiedSession, p verbs.Prereq) bool {
	switch p.Kind {
	case verbs.PrereqStateExists:
		return s != nil && s.HasFlag(p.Key)
	case verbs.PrereqVerbCompleted:
		return s != nil && s.VerbCompleted(p.Verb)
	case verbs.PrereqAnyOf:
		for _, sub := range p.AnyOf {
			if prereqMet(s, sub) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func prereqLabel(p verbs.Prereq) string {
	switch p.Kind {
	case verbs.PrereqStateExists:
		return p.Key
	case verbs.PrereqVerbCompleted:
		return p.Verb
	case verbs.PrereqAnyOf:
		labels := make([]string, len(p.AnyOf))
		for i, sub := range p.AnyOf {
			labels[i] = prereqLabel(sub)
		}
		return "any of: " + strings.Join(labels, "|")
	default:
		return string(p.Kind)
	}
}

// substituteTemplates resolves a macro expansion step's argument
// templates: ${arg.x} substitutes the macro's caller argument x,
// ${scope.k} the session scope value k. A literal passes through.
func substituteTemplates(templates map[string]string, callerArgs map[string]any, s *session.UnifiedSession) (map[string]any, error) {
	if len(templates) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(templates))
	for name, tpl := range templates {
		switch {
		case strings.HasPrefix(tpl, "${arg.") && strings.HasSuffix(tpl, "}"):
			key := tpl[len("${arg.") : len(tpl)-1]
			v, ok := callerArgs[key]
			if !ok {
				return nil, &ClarificationError{
					Question:      fmt.Sprintf("argument %q is required but was not provided", key),
					MissingFields: []string{key},
				}
			}
			out[name] = v
		case strings.HasPrefix(tpl, "${scope.") && strings.HasSuffix(tpl, "}"):
			key := tpl[len("${scope.") : len(tpl)-1]
			if s == nil {
				return nil, &ClarificationError{
					Question:      fmt.Sprintf("session scope value %q is required but no session is active", key),
					MissingFields: []string{key},
				}
			}
			v, ok := s.Scope(key)
			if !ok {
				return nil, &ClarificationError{
					Question:      fmt.Sprintf("session scope value %q is not set", key),
					MissingFields: []string{key},
				}
			}
			out[name] = v
		default:
			out[name] = tpl
		}
	}
	return out, nil
}

// marshalArgs merges contract defaults under the caller's arguments and
// checks required slots, freezing the result as canonical JSON.
func marshalArgs(contract verbs.Contract, args map[string]any) (json.RawMessage, error) {
	merged := make(map[string]any, len(args))
	for _, def := range contract.Args {
		if def.Default != "" {
			merged[def.Name] = def.Default
		}
	}
	for k, v := range args {
		merged[k] = v
	}
	for _, def := range contract.Args {
		if def.Required {
			if _, ok := merged[def.Name]; !ok {
				return nil, &ClarificationError{
					Question:      fmt.Sprintf("verb %s requires argument %q", contract.Name, def.Name),
					MissingFields: []string{def.Name},
					Context:       map[string]string{"verb": contract.Name},
				}
			}
		}
	}
	if len(merged) == 0 {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("planner: marshal args for %s: %w", contract.Name, err)
	}
	return b, nil
}

// lockKeysFor derives a step's lock keys. A crud-mapped verb locks its
// target row when the key column's value is known at compile time
// ("schema.table/key=value"), or the whole table otherwise; a verb
// without a crud mapping falls back to its binding keys, which still
// serializes runbooks that touch the same bindings.
func lockKeysFor(contract verbs.Contract, args map[string]any) []string {
	if contract.Crud != nil {
		schema := contract.Crud.Schema
		if schema == "" {
			schema = "ob-poc"
		}
		table := schema + "." + contract.Crud.Table
		if contract.Crud.KeyColumn != "" {
			if v, ok := args[contract.Crud.KeyColumn]; ok {
				return []string{fmt.Sprintf("%s/%s=%v", table, contract.Crud.KeyColumn, v)}
			}
		}
		return []string{table}
	}
	keys := append(append([]string{}, contract.Produces...), contract.Consumes...)
	return keys
}

// applyConstraints injects additional required verbs per the operator
// journey pack rule table, appending any verb not already requested.
func (b *Builder) applyConstraints(entityType, jurisdiction string, steps []expandedStep) []expandedStep {
	have := make(map[string]bool, len(steps))
	for _, s := range steps {
		have[s.verb] = true
	}

	out := append([]expandedStep{}, steps...)
	for _, rule := range b.rules {
		if rule.EntityType != entityType {
			continue
		}
		if rule.Jurisdiction != "" && rule.Jurisdiction != jurisdiction {
			continue
		}
		for _, v := range rule.RequireVerbs {
			if !have[v] {
				have[v] = true
				out = append(out, expandedStep{verb: v})
			}
		}
	}
	return out
}
