// Package contracts implements the flag-provenance Contract Registry:
// per task type, the declared reads/writes over workflow flags, the
// permitted error codes (wildcard "*" allowed), and the correlation
// keys produced. A separate known_workflow_inputs allow-list names
// flags considered caller-provided, which downgrades an undeclared
// read from an error to a warning when an analyzer finds one.
package contracts

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Correlation declares one correlation key a task produces.
type Correlation struct {
	KeySource   string `yaml:"key_source"`
	Description string `yaml:"description,omitempty"`
}

// Contract is one task type's flag contract.
type Contract struct {
	TaskType            string        `yaml:"task_type"`
	ReadsFlags          []string      `yaml:"reads_flags,omitempty"`
	WritesFlags         []string      `yaml:"writes_flags,omitempty"`
	MayRaiseErrors      []string      `yaml:"may_raise_errors,omitempty"`
	ProducesCorrelation []Correlation `yaml:"produces_correlation,omitempty"`
}

// doc is the contract YAML file's top-level schema.
type doc struct {
	KnownWorkflowInputs []string   `yaml:"known_workflow_inputs,omitempty"`
	Contracts           []Contract `yaml:"contracts"`
}

// Severity grades an analyzer finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityOK      Severity = "ok"
)

// Registry is the loaded, immutable flag-contract index.
type Registry struct {
	byTaskType  map[string]Contract
	knownInputs map[string]bool
}

// LoadYAML parses a contract registry file.
func LoadYAML(payload []byte) (*Registry, error) {
	var d doc
	if err := yaml.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("contracts: parse contract yaml: %w", err)
	}

	r := &Registry{
		byTaskType:  make(map[string]Contract, len(d.Contracts)),
		knownInputs: make(map[string]bool, len(d.KnownWorkflowInputs)),
	}
	for _, c := range d.Contracts {
		if c.TaskType == "" {
			return nil, fmt.Errorf("contracts: contract entry missing task_type")
		}
		if _, dup := r.byTaskType[c.TaskType]; dup {
			return nil, fmt.Errorf("contracts: duplicate contract for task type %s", c.TaskType)
		}
		r.byTaskType[c.TaskType] = c
	}
	for _, f := range d.KnownWorkflowInputs {
		r.knownInputs[f] = true
	}
	return r, nil
}

// Lookup returns the contract for a task type.
func (r *Registry) Lookup(taskType string) (Contract, bool) {
	c, ok := r.byTaskType[taskType]
	return c, ok
}

// CheckRead grades a task's read of a flag: declared reads are ok,
// known workflow inputs are a warning (caller-provided, not contract
// provenance), anything else is an error.
func (r *Registry) CheckRead(taskType, flag string) Severity {
	c, ok := r.byTaskType[taskType]
	if !ok {
		return SeverityError
	}
	for _, f := range c.ReadsFlags {
		if f == flag {
			return SeverityOK
		}
	}
	if r.knownInputs[flag] {
		return SeverityWarning
	}
	return SeverityError
}

// CheckWrite grades a task's write of a flag against its declared
// writes_flags.
func (r *Registry) CheckWrite(taskType, flag string) Severity {
	c, ok := r.byTaskType[taskType]
	if !ok {
		return SeverityError
	}
	for _, f := range c.WritesFlags {
		if f == flag {
			return SeverityOK
		}
	}
	return SeverityError
}

// MayRaise reports whether a task type is permitted to raise the given
// error code. A contract declaring "*" permits any code.
func (r *Registry) MayRaise(taskType, errorCode string) bool {
	c, ok := r.byTaskType[taskType]
	if !ok {
		return false
	}
	for _, e := range c.MayRaiseErrors {
		if e == "*" || e == errorCode {
			return true
		}
	}
	return false
}
