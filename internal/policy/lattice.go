// Package policy implements the Policy / ABAC layer: an actor
// clearance lattice, jurisdiction and purpose-limitation checks, all
// fail-closed on unparseable input.
package policy

import "fmt"

// Clearance is a total order over the four classification levels.
type Clearance int

const (
	Public Clearance = iota
	Internal
	Confidential
	Restricted
)

var clearanceNames = map[string]Clearance{
	"public":       Public,
	"internal":     Internal,
	"confidential": Confidential,
	"restricted":   Restricted,
}

// ParseClearance parses a clearance label, failing closed (an error,
// never a guessed default) on anything unrecognized.
func ParseClearance(label string) (Clearance, error) {
	c, ok := clearanceNames[label]
	if !ok {
		return 0, fmt.Errorf("policy: unparseable clearance label %q", label)
	}
	return c, nil
}

// Satisfies reports whether an actor holding `actor` clearance may
// access data classified at `required` — the lattice ordering
// Public < Internal < Confidential < Restricted.
func (actor Clearance) Satisfies(required Clearance) bool {
	return actor >= required
}
