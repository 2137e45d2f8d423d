package lexicon

import (
	"sort"
	"strings"
)

// Lexicon is a compiled, immutable token index over verb fqns, built
// once at registry-load time and shared via a read-only handle (no
// hot-reload). The Plan Builder's unknown-verb path uses it to rank
// neighbor verbs by token overlap without a network round-trip.
type Lexicon struct {
	tokenToVerbs map[string]map[string]bool
}

// NewLexicon indexes every verb fqn by its domain/action tokens, e.g.
// "cbu.assign-role" contributes tokens {cbu, assign, role}.
func NewLexicon(verbFQNs []string) *Lexicon {
	lx := &Lexicon{tokenToVerbs: make(map[string]map[string]bool)}
	for _, fqn := range verbFQNs {
		for _, tok := range tokenize(fqn) {
			set, ok := lx.tokenToVerbs[tok]
			if !ok {
				set = make(map[string]bool)
				lx.tokenToVerbs[tok] = set
			}
			set[fqn] = true
		}
	}
	return lx
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '_' || r == ' '
	})
	return fields
}

// Suggest ranks known verbs by token overlap with query, descending,
// returning at most k fqns. Ties break on fqn so the same query
// against the same lexicon always ranks the same.
func (lx *Lexicon) Suggest(query string, k int) []string {
	scores := make(map[string]int)
	for _, tok := range tokenize(query) {
		for fqn := range lx.tokenToVerbs[tok] {
			scores[fqn]++
		}
	}

	candidates := make([]string, 0, len(scores))
	for fqn := range scores {
		candidates = append(candidates, fqn)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if scores[candidates[i]] != scores[candidates[j]] {
			return scores[candidates[i]] > scores[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}
