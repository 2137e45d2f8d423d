// Package resolve implements Reference Resolution: substituting
// attribute placeholders in a compiling runbook's step arguments with
// concrete values from the Semantic Registry and session context,
// caching every resolved value into a ReplayEnvelope so a later replay
// is deterministic even if the underlying attribute value has since
// changed.
package resolve

import (
	"context"
	"fmt"
	"regexp"
)

// placeholderPattern matches <attribute_name> placeholders embedded in
// DSL argument strings.
var placeholderPattern = regexp.MustCompile(`<([a-zA-Z_][a-zA-Z0-9_]*)>`)

// AttributeSource resolves a named attribute to its current value,
// e.g. backed by the Semantic Registry Store or session context.
type AttributeSource interface {
	Resolve(ctx context.Context, attributeName string) (string, error)
}

// ReplayEnvelope is the frozen record of every attribute resolved while
// compiling one runbook: replaying the runbook later reads from this
// envelope instead of re-resolving, so a later change to the
// underlying attribute cannot alter what an already-compiled runbook
// does.
type ReplayEnvelope struct {
	Resolved map[string]string
}

func newEnvelope() *ReplayEnvelope {
	return &ReplayEnvelope{Resolved: make(map[string]string)}
}

// Resolver resolves placeholders in DSL text against an AttributeSource,
// recording every resolution into a ReplayEnvelope.
type Resolver struct {
	source AttributeSource
}

func New(source AttributeSource) *Resolver { return &Resolver{source: source} }

// FindPlaceholders returns every distinct attribute name referenced in
// the input text.
func FindPlaceholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Resolve replaces every placeholder in text with its resolved value,
// returning the substituted text and the envelope of what was
// resolved. A placeholder this resolver cannot resolve is a hard
// error — reference resolution never silently leaves a placeholder
// unexpanded into a frozen runbook.
func (r *Resolver) Resolve(ctx context.Context, text string) (string, *ReplayEnvelope, error) {
	envelope := newEnvelope()
	var resolveErr error

	out := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		if resolveErr != nil {
			return token
		}
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if v, ok := envelope.Resolved[name]; ok {
			return v
		}
		v, err := r.source.Resolve(ctx, name)
		if err != nil {
			resolveErr = fmt.Errorf("resolve: attribute %q: %w", name, err)
			return token
		}
		envelope.Resolved[name] = v
		return v
	})

	if resolveErr != nil {
		return "", nil, resolveErr
	}
	return out, envelope, nil
}

// ReplayWith re-substitutes text using an existing ReplayEnvelope
// instead of calling out to the AttributeSource again, the deterministic
// replay path.
func ReplayWith(text string, envelope *ReplayEnvelope) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		v, ok := envelope.Resolved[name]
		if !ok {
			missing = name
			return token
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("resolve: replay envelope missing attribute %q", missing)
	}
	return out, nil
}
