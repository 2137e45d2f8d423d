package resolve

import (
	"context"
	"fmt"

	"github.com/ob-poc/runbook-engine/internal/gateway"
	"github.com/ob-poc/runbook-engine/internal/session"
)

// DefaultScoreThreshold is the minimum match score that may auto-bind
// without asking the user.
const DefaultScoreThreshold = 0.85

// NoMatchError reports that no candidate scored above the threshold.
type NoMatchError struct {
	Text string
	Hint string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("resolve: no entity matches %q", e.Text)
}

// AmbiguityError reports multiple plausible matches; only the user can
// disambiguate, so this is never auto-retried. Candidates carry their
// scores so the caller can enumerate them in a Clarification.
type AmbiguityError struct {
	Text       string
	Candidates []gateway.Match
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("resolve: %q matches %d entities", e.Text, len(e.Candidates))
}

// EntityResolver turns free-text entity mentions ("John Smith",
// "Apex Fund") into canonical tokens through the entity gateway,
// auto-binding only a single above-threshold match. Resolutions are
// cached on the session, which both short-circuits repeat lookups and
// is what the compile records into the ReplayEnvelope.
type EntityResolver struct {
	search    gateway.Searcher
	threshold float64
}

func NewEntityResolver(search gateway.Searcher) *EntityResolver {
	return &EntityResolver{search: search, threshold: DefaultScoreThreshold}
}

// WithThreshold overrides the auto-bind score threshold.
func (r *EntityResolver) WithThreshold(t float64) *EntityResolver {
	r.threshold = t
	return r
}

// ResolveEntity resolves one mention. hint, when non-empty, narrows the
// search to an entity type nickname ("person", "cbu"). The session may
// be nil, in which case no caching happens.
func (r *EntityResolver) ResolveEntity(ctx context.Context, text, hint string, sess *session.UnifiedSession) (gateway.Match, error) {
	if sess != nil {
		if token, ok := sess.CachedResolution(text); ok {
			return gateway.Match{Input: text, Token: token, Score: 1}, nil
		}
	}

	nickname := hint
	if nickname == "" {
		nickname = "entity"
	}
	matches, err := r.search.Search(ctx, gateway.SearchRequest{
		Nickname: nickname,
		Values:   []string{text},
		Mode:     gateway.ModeFuzzy,
	})
	if err != nil {
		return gateway.Match{}, fmt.Errorf("resolve: entity search for %q: %w", text, err)
	}

	var plausible []gateway.Match
	for _, m := range matches {
		if m.Score >= r.threshold {
			plausible = append(plausible, m)
		}
	}

	switch len(plausible) {
	case 0:
		return gateway.Match{}, &NoMatchError{Text: text, Hint: hint}
	case 1:
		if sess != nil {
			sess.CacheResolution(text, plausible[0].Token)
		}
		return plausible[0], nil
	default:
		return gateway.Match{}, &AmbiguityError{Text: text, Candidates: plausible}
	}
}
