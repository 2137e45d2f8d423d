// Package statemachine implements the declarative per-entity-type
// lifecycle runtime shared by verb executors and the audit trail: a
// single data-driven Machine built from a transition table loaded from
// the Semantic Registry, so new entity-type lifecycles are authored as
// snapshots rather than new Go code.
package statemachine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Transition is one legal (from, to) edge.
type Transition struct {
	From string
	To   string
}

// Definition is the declarative lifecycle for one entity type: its
// states, legal transitions, initial state, and terminal states.
type Definition struct {
	EntityType string
	States     []string
	Transitions []Transition
	Initial    string
	Terminal   []string
}

// Machine evaluates one Definition's transition rules.
type Machine struct {
	def         Definition
	stateSet    map[string]bool
	terminalSet map[string]bool
	edges       map[string]map[string]bool
}

func New(def Definition) (*Machine, error) {
	if def.Initial == "" {
		return nil, fmt.Errorf("statemachine: %s: initial state required", def.EntityType)
	}

	states := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		states[s] = true
	}
	if !states[def.Initial] {
		return nil, fmt.Errorf("statemachine: %s: initial state %q is not a declared state", def.EntityType, def.Initial)
	}

	terminal := make(map[string]bool, len(def.Terminal))
	for _, s := range def.Terminal {
		if !states[s] {
			return nil, fmt.Errorf("statemachine: %s: terminal state %q is not a declared state", def.EntityType, s)
		}
		terminal[s] = true
	}

	edges := make(map[string]map[string]bool)
	for _, t := range def.Transitions {
		if !states[t.From] || !states[t.To] {
			return nil, fmt.Errorf("statemachine: %s: transition %s->%s references an undeclared state", def.EntityType, t.From, t.To)
		}
		if edges[t.From] == nil {
			edges[t.From] = make(map[string]bool)
		}
		edges[t.From][t.To] = true
	}

	return &Machine{def: def, stateSet: states, terminalSet: terminal, edges: edges}, nil
}

func (m *Machine) IsValidState(state string) bool { return m.stateSet[state] }

func (m *Machine) IsTerminal(state string) bool { return m.terminalSet[state] }

func (m *Machine) InitialState() string { return m.def.Initial }

// IsValidTransition reports whether from->to is a declared edge. An
// unknown `from` or `to` state is never valid, regardless of the edge
// table — state transitions fail closed the same way ABAC reads do.
func (m *Machine) IsValidTransition(from, to string) bool {
	if !m.stateSet[from] || !m.stateSet[to] {
		return false
	}
	return m.edges[from][to]
}

// ValidNextStates returns every state reachable from the given state in
// one transition.
func (m *Machine) ValidNextStates(from string) []string {
	var out []string
	for to := range m.edges[from] {
		out = append(out, to)
	}
	return out
}

// Apply validates and performs a transition, returning an error if it
// is not declared legal or if `from` is already terminal.
func (m *Machine) Apply(from, to string) error {
	if m.IsTerminal(from) {
		return fmt.Errorf("statemachine: %s: %q is a terminal state, no transitions out", m.def.EntityType, from)
	}
	if !m.IsValidTransition(from, to) {
		return fmt.Errorf("statemachine: %s: %s -> %s is not a declared transition", m.def.EntityType, from, to)
	}
	return nil
}

// definitionDoc is the on-disk schema of one entity-type lifecycle,
// the payload stored in a Semantic Registry snapshot of kind
// entity_type: states, legal transitions, the initial state, and the
// column the state persists in.
type definitionDoc struct {
	EntityType   string   `yaml:"entity_type"`
	States       []string `yaml:"states"`
	Transitions  []struct {
		From string   `yaml:"from"`
		To   []string `yaml:"to"`
	} `yaml:"transitions"`
	Initial      string   `yaml:"initial"`
	Terminal     []string `yaml:"terminal,omitempty"`
	StatusColumn string   `yaml:"status_column,omitempty"`
}

// ParseDefinitionYAML builds a Machine from a declarative lifecycle
// payload, so new entity-type lifecycles are authored as snapshots
// rather than new Go code.
func ParseDefinitionYAML(payload []byte) (*Machine, error) {
	var doc definitionDoc
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("statemachine: parse lifecycle yaml: %w", err)
	}

	def := Definition{
		EntityType: doc.EntityType,
		States:     doc.States,
		Initial:    doc.Initial,
		Terminal:   doc.Terminal,
	}
	for _, t := range doc.Transitions {
		for _, to := range t.To {
			def.Transitions = append(def.Transitions, Transition{From: t.From, To: to})
		}
	}
	return New(def)
}
