// Package verbs implements the Verb Registry & Classifier: the runtime
// container of published verb contracts for the currently active
// SnapshotSet, and the primitive-vs-macro classification used by the
// Plan Builder's macro expansion stage.
package verbs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind classifies a verb contract as primitive (directly executable)
// or macro (expands to a sequence of primitive verbs at compile time).
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindMacro     Kind = "macro"
)

// Behavior is how a primitive verb takes effect at execution time: a
// generic CRUD mapping, or a registered plugin op.
type Behavior string

const (
	BehaviorCrud   Behavior = "crud"
	BehaviorPlugin Behavior = "plugin"
)

// ArgDef is one declared argument slot of a verb contract. Lookup, when
// present, names where an entity_ref argument resolves; it is parsed
// and carried on the contract, but neither the Plan Builder nor
// internal/resolve reads it.
type ArgDef struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Required    bool     `yaml:"required"`
	Default     string   `yaml:"default,omitempty"`
	ValidValues []string `yaml:"valid_values,omitempty"`
	Lookup      *Lookup  `yaml:"lookup,omitempty"`
}

// Lookup names the table and keys an entity_ref argument resolves
// through.
type Lookup struct {
	Table      string `yaml:"table"`
	EntityType string `yaml:"entity_type"`
	SearchKey  string `yaml:"search_key"`
	PrimaryKey string `yaml:"primary_key"`
}

// CrudMapping binds a crud-behavior verb to its target table, from
// which the Plan Builder derives the step's lock keys.
type CrudMapping struct {
	Operation string `yaml:"operation"` // insert, update, delete, select
	Schema    string `yaml:"schema,omitempty"`
	Table     string `yaml:"table"`
	KeyColumn string `yaml:"key_column,omitempty"`
}

// Lifecycle constrains a verb to entities in one of RequiredStates and
// names the state the entity lands in after the verb completes.
type Lifecycle struct {
	RequiredStates []string `yaml:"required_states,omitempty"`
	FinalState     string   `yaml:"final_state,omitempty"`
}

// PrereqKind discriminates the macro prerequisite sum type.
type PrereqKind string

const (
	PrereqStateExists   PrereqKind = "state_exists"
	PrereqVerbCompleted PrereqKind = "verb_completed"
	PrereqAnyOf         PrereqKind = "any_of"
)

// Prereq is one macro prerequisite: a session flag that must be set, a
// verb that must have completed this session, or any-of a condition
// list.
type Prereq struct {
	Kind  PrereqKind `yaml:"kind"`
	Key   string     `yaml:"key,omitempty"`
	Verb  string     `yaml:"verb,omitempty"`
	AnyOf []Prereq   `yaml:"any_of,omitempty"`
}

// ExpansionStep is one entry of a macro's expands_to template: a
// primitive verb plus its argument templates (`${arg.x}` substitutes a
// caller argument, `${scope.k}` a session scope value).
type ExpansionStep struct {
	Verb string            `yaml:"verb"`
	Args map[string]string `yaml:"args,omitempty"`
}

// Contract is one published verb's compile-time metadata: its
// produces/consumes binding keys (used by the Plan Builder's DAG
// assembly, see planner package), its argument schema and CRUD
// mapping, and — for macros — its prereqs and expansion template.
type Contract struct {
	Name      string
	Kind      Kind
	Behavior  Behavior
	Produces  []string
	Consumes  []string
	Args      []ArgDef
	Crud      *CrudMapping
	Lifecycle Lifecycle

	// Macro only.
	Prereqs   []Prereq
	Expansion []ExpansionStep
	SetsState map[string]string
	Unlocks   []string
}

// Registry is the thread-safe, metrics-tracked container of contracts
// active for the current SnapshotSet. Rebuild replaces the whole set
// under the lock rather than mutating it incrementally, which keeps
// "what's live right now" a single swap. The application builds it once
// at startup from the active snapshots; a publish does not rebuild it.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract

	invocations *prometheus.CounterVec
}

func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[string]Contract),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obpoc",
			Subsystem: "verb_registry",
			Name:      "invocations_total",
			Help:      "Count of verb lookups by verb name.",
		}, []string{"verb"}),
	}
}

// Collector exposes the registry's Prometheus metrics for registration
// with a prometheus.Registerer.
func (r *Registry) Collector() prometheus.Collector { return r.invocations }

// Rebuild atomically replaces the live contract set, e.g. at
// application start. The set is swapped wholesale under lock, never
// mutated incrementally.
func (r *Registry) Rebuild(contracts []Contract) {
	m := make(map[string]Contract, len(contracts))
	for _, c := range contracts {
		m[c.Name] = c
	}
	r.mu.Lock()
	r.contracts = m
	r.mu.Unlock()
}

// Lookup returns the contract for a verb name, recording a per-verb
// invocation metric.
func (r *Registry) Lookup(verb string) (Contract, error) {
	r.mu.RLock()
	c, ok := r.contracts[verb]
	r.mu.RUnlock()
	if !ok {
		return Contract{}, fmt.Errorf("verbs: unknown verb %q", verb)
	}
	r.invocations.WithLabelValues(verb).Inc()
	return c, nil
}

// IsValidVerb reports whether a verb name is currently registered,
// without recording a usage metric — a pure membership check used
// during validation, distinct from an actual lookup/dispatch.
func (r *Registry) IsValidVerb(verb string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[verb]
	return ok
}

// Names returns every registered verb name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classify reports whether a verb is primitive or macro.
func (r *Registry) Classify(verb string) (Kind, error) {
	c, err := r.Lookup(verb)
	if err != nil {
		return "", err
	}
	return c.Kind, nil
}

// Expand returns a macro's ordered expansion template. Calling it on
// a primitive verb is an error — only the Plan Builder's macro
// expansion stage should call this, after Classify confirms KindMacro.
func (r *Registry) Expand(verb string) ([]ExpansionStep, error) {
	c, err := r.Lookup(verb)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindMacro {
		return nil, fmt.Errorf("verbs: %q is not a macro", verb)
	}
	return c.Expansion, nil
}
