// Package topic implements the dotted routing keys the event bus matches
// hats against. A Topic is an immutable value; once constructed it is never
// mutated, only compared and matched.
package topic

import "strings"

// Topic is a dotted identifier such as "task.start" or "build.done".
type Topic string

// Pattern is a Topic-shaped matcher. It supports three forms:
//
//   - exact:            "build.done"           matches only "build.done"
//   - single wildcard:  "build.*"              matches "build.<anything>"
//     (exactly one trailing segment, no further dots)
//   - catch-all:        "*"                    matches any topic
//
// Specificity ordering, most to least specific: exact > single wildcard > catch-all.
type Pattern string

// Specificity classifies how precisely a Pattern pins down a Topic.
type Specificity int

const (
	// SpecificityNone means the pattern does not match at all.
	SpecificityNone Specificity = iota
	// SpecificityCatchAll is the "*" pattern.
	SpecificityCatchAll
	// SpecificityWildcard is a "prefix.*" pattern.
	SpecificityWildcard
	// SpecificityExact is a literal topic match.
	SpecificityExact
)

// Match reports how specifically p matches t, or SpecificityNone if it
// does not match.
func (p Pattern) Match(t Topic) Specificity {
	ps := string(p)
	ts := string(t)

	if ps == "*" {
		return SpecificityCatchAll
	}
	if ps == ts {
		return SpecificityExact
	}
	if prefix, ok := strings.CutSuffix(ps, ".*"); ok {
		rest := strings.TrimPrefix(ts, prefix+".")
		if rest != ts && !strings.Contains(rest, ".") && rest != "" {
			return SpecificityWildcard
		}
	}
	return SpecificityNone
}

// String returns the pattern as plain text.
func (p Pattern) String() string { return string(p) }

// String returns the topic as plain text.
func (t Topic) String() string { return string(t) }

// IsCompletionLike reports whether t is classified as "completion-like" for
// backpressure purposes (spec rule: any topic ending in ".done").
func (t Topic) IsCompletionLike() bool {
	return strings.HasSuffix(string(t), ".done")
}

// Blocked returns the companion "<topic>.blocked" topic.
func (t Topic) Blocked() Topic { return t + ".blocked" }

// Abandoned returns the companion "<topic>.abandoned" topic.
func (t Topic) Abandoned() Topic { return t + ".abandoned" }

// IsBlocked reports whether t is a synthesized "*.blocked" event for base.
func (t Topic) IsBlocked() bool { return strings.HasSuffix(string(t), ".blocked") }

// Base strips a trailing ".blocked" or ".abandoned" suffix, returning the
// completion-like topic the synthesized event refers to. Returns t unchanged
// if neither suffix is present.
func (t Topic) Base() Topic {
	if s, ok := strings.CutSuffix(string(t), ".blocked"); ok {
		return Topic(s)
	}
	if s, ok := strings.CutSuffix(string(t), ".abandoned"); ok {
		return Topic(s)
	}
	return t
}
