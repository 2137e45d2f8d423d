package verbs

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// verbDoc is the on-disk schema of one primitive verb contract, the
// payload stored in a Semantic Registry snapshot of kind verb_contract.
type verbDoc struct {
	FQN      string       `yaml:"fqn"`
	Behavior string       `yaml:"behavior,omitempty"`
	Produces []string     `yaml:"produces,omitempty"`
	Consumes []string     `yaml:"consumes,omitempty"`
	Args     []ArgDef     `yaml:"args,omitempty"`
	Crud     *CrudMapping `yaml:"crud_mapping,omitempty"`
	Lifecycle Lifecycle   `yaml:"lifecycle,omitempty"`
}

// macroDoc is the on-disk schema of one operator macro, the payload
// stored in a snapshot of kind macro.
type macroDoc struct {
	FQN       string            `yaml:"fqn"`
	Prereqs   []Prereq          `yaml:"prereqs,omitempty"`
	ExpandsTo []ExpansionStep   `yaml:"expands_to"`
	SetsState map[string]string `yaml:"sets_state,omitempty"`
	Unlocks   []string          `yaml:"unlocks,omitempty"`
}

// ParseVerbYAML unmarshals one primitive verb contract payload.
func ParseVerbYAML(payload []byte) (Contract, error) {
	var doc verbDoc
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return Contract{}, fmt.Errorf("verbs: parse verb yaml: %w", err)
	}
	if doc.FQN == "" {
		return Contract{}, fmt.Errorf("verbs: verb yaml missing fqn")
	}
	behavior := Behavior(doc.Behavior)
	if behavior == "" {
		behavior = BehaviorCrud
	}
	if behavior != BehaviorCrud && behavior != BehaviorPlugin {
		return Contract{}, fmt.Errorf("verbs: verb %s: unknown behavior %q", doc.FQN, doc.Behavior)
	}
	return Contract{
		Name:      doc.FQN,
		Kind:      KindPrimitive,
		Behavior:  behavior,
		Produces:  doc.Produces,
		Consumes:  doc.Consumes,
		Args:      doc.Args,
		Crud:      doc.Crud,
		Lifecycle: doc.Lifecycle,
	}, nil
}

// ParseMacroYAML unmarshals one operator macro payload.
func ParseMacroYAML(payload []byte) (Contract, error) {
	var doc macroDoc
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return Contract{}, fmt.Errorf("verbs: parse macro yaml: %w", err)
	}
	if doc.FQN == "" {
		return Contract{}, fmt.Errorf("verbs: macro yaml missing fqn")
	}
	if len(doc.ExpandsTo) == 0 {
		return Contract{}, fmt.Errorf("verbs: macro %s: expands_to must not be empty", doc.FQN)
	}
	return Contract{
		Name:      doc.FQN,
		Kind:      KindMacro,
		Prereqs:   doc.Prereqs,
		Expansion: doc.ExpandsTo,
		SetsState: doc.SetsState,
		Unlocks:   doc.Unlocks,
	}, nil
}

// LoadResult is Load's outcome: the merged contract list plus warnings
// for macros whose expansion references a verb not (yet) registered —
// those are tolerated at load time to allow phased rollout, and compile
// re-checks when the macro is actually expanded.
type LoadResult struct {
	Contracts []Contract
	Warnings  []string
}

// Load merges primitive and macro contracts under the registry's load
// rules: primitives take precedence, a macro fqn colliding with a
// primitive is rejected outright, and a macro expanding to another
// macro is rejected (macro-of-macro is disallowed at load time, not
// deferred to compile).
func Load(primitives, macros []Contract) (LoadResult, error) {
	byName := make(map[string]Contract, len(primitives))
	for _, c := range primitives {
		if c.Kind != KindPrimitive {
			return LoadResult{}, fmt.Errorf("verbs: load: %s passed as primitive but classified %s", c.Name, c.Kind)
		}
		if _, dup := byName[c.Name]; dup {
			return LoadResult{}, fmt.Errorf("verbs: load: duplicate primitive %s", c.Name)
		}
		byName[c.Name] = c
	}

	macroNames := make(map[string]bool, len(macros))
	for _, m := range macros {
		macroNames[m.Name] = true
	}

	var result LoadResult
	for _, m := range macros {
		if m.Kind != KindMacro {
			return LoadResult{}, fmt.Errorf("verbs: load: %s passed as macro but classified %s", m.Name, m.Kind)
		}
		if _, collides := byName[m.Name]; collides {
			return LoadResult{}, fmt.Errorf("verbs: load: macro %s collides with a primitive verb", m.Name)
		}
		for _, step := range m.Expansion {
			if macroNames[step.Verb] {
				return LoadResult{}, fmt.Errorf("verbs: load: macro %s expands to macro %s; macro-of-macro is not allowed", m.Name, step.Verb)
			}
			if _, known := byName[step.Verb]; !known {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("macro %s expands to unregistered verb %s", m.Name, step.Verb))
			}
		}
		byName[m.Name] = m
	}

	result.Contracts = make([]Contract, 0, len(byName))
	for _, c := range primitives {
		result.Contracts = append(result.Contracts, c)
	}
	for _, m := range macros {
		result.Contracts = append(result.Contracts, byName[m.Name])
	}
	return result, nil
}
