// Package hats holds the immutable hat topology: the set of configured
// hats, their trigger/publish topics, and the validation and topology
// queries the EventLoop and Coordinator need.
//
// The validate-once-at-construction, collect-rather-than-short-circuit shape
// follows the teacher's auditor.go windowed-anomaly accumulation (anomalies
// and boundary violations gathered into slices rather than failing fast),
// adapted here from a runtime observation window into a one-time config
// check.
package hats

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

// TaskStartTopic is the synthetic topic the EventLoop publishes to kick off
// iteration 1.
const TaskStartTopic topic.Topic = "task.start"

// Hat is the immutable per-hat record.
type Hat struct {
	ID               events.HatId
	Name             string
	Description      string
	Triggers         []topic.Pattern
	Publishes        []topic.Topic
	DefaultPublishes *topic.Topic
	Backend          backendspec.Spec
	Instructions     string
	RequiredEvidence []string
}

// ValidationError describes one fatal configuration problem. Registry
// construction fails with a joined set of these; none of them panic.
type ValidationError struct {
	Kind    string
	Topic   topic.Topic
	HatIDs  []events.HatId
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hats: %s: %s", e.Kind, e.Message)
}

// Warning describes a non-fatal configuration concern surfaced alongside a
// successfully constructed Registry.
type Warning struct {
	Kind    string
	HatID   events.HatId
	Topic   topic.Topic
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// Registry holds the validated, immutable hat topology for a run. It
// implements bus.Resolver without importing the bus package, avoiding an
// import cycle (bus needs to resolve topics against hats; hats needs only
// topic and events).
type Registry struct {
	hats     []Hat
	byID     map[events.HatId]Hat
	warnings []Warning
}

// NewRegistry validates hats and, if valid, returns a Registry plus any
// non-fatal warnings. All applicable validation errors are collected and
// returned together (joined with errors.Join) rather than stopping at the
// first one, so a misconfigured run surfaces its whole problem list at once.
func NewRegistry(known []backendspec.Named, hs []Hat) (*Registry, []Warning, error) {
	var errs []error
	byID := make(map[events.HatId]Hat, len(hs))
	seen := make(map[events.HatId]bool, len(hs))

	for _, h := range hs {
		if h.ID == events.RalphID {
			errs = append(errs, &ValidationError{Kind: "ReservedHatId", HatIDs: []events.HatId{h.ID}, Message: `"ralph" is reserved for the Coordinator`})
			continue
		}
		if seen[h.ID] {
			errs = append(errs, &ValidationError{Kind: "DuplicateHatId", HatIDs: []events.HatId{h.ID}, Message: fmt.Sprintf("hat id %q declared more than once", h.ID)})
			continue
		}
		seen[h.ID] = true

		if strings.TrimSpace(h.Description) == "" {
			errs = append(errs, &ValidationError{Kind: "EmptyDescription", HatIDs: []events.HatId{h.ID}, Message: fmt.Sprintf("hat %q has no description", h.ID)})
		}
		if len(h.Triggers) == 0 {
			errs = append(errs, &ValidationError{Kind: "EmptyTriggers", HatIDs: []events.HatId{h.ID}, Message: fmt.Sprintf("hat %q declares no triggers", h.ID)})
		}
		if h.Backend.Name != "" && !isKnownBackend(known, h.Backend.Name) {
			errs = append(errs, &ValidationError{Kind: "UnknownBackend", HatIDs: []events.HatId{h.ID}, Message: fmt.Sprintf("hat %q references unknown backend %q", h.ID, h.Backend.Name)})
		}

		byID[h.ID] = h
	}

	if dupErr := checkAmbiguousTriggers(hs); dupErr != nil {
		errs = append(errs, dupErr...)
	}

	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("hats: invalid configuration: %w", errors.Join(errs...))
	}

	r := &Registry{hats: hs, byID: byID}
	r.warnings = append(r.warnings, r.unreachableWarnings()...)
	r.warnings = append(r.warnings, r.orphanPublishWarnings()...)
	return r, r.warnings, nil
}

func isKnownBackend(known []backendspec.Named, name string) bool {
	for _, k := range known {
		if string(k) == name {
			return true
		}
	}
	return false
}

// checkAmbiguousTriggers finds pairs of hats whose trigger patterns would
// match some concrete topic at identical, maximal specificity — a
// configuration error, since Resolve could not then pick one
// deterministically.
func checkAmbiguousTriggers(hs []Hat) []error {
	type entry struct {
		hat     events.HatId
		pattern topic.Pattern
	}
	var exact, wildcard []entry
	for _, h := range hs {
		for _, p := range h.Triggers {
			switch {
			case !strings.Contains(string(p), "*"):
				exact = append(exact, entry{h.ID, p})
			case p != "*":
				wildcard = append(wildcard, entry{h.ID, p})
			}
		}
	}

	var errs []error
	seenExact := make(map[topic.Pattern][]events.HatId)
	for _, e := range exact {
		seenExact[e.pattern] = append(seenExact[e.pattern], e.hat)
	}
	for p, owners := range seenExact {
		if len(owners) > 1 {
			errs = append(errs, &ValidationError{
				Kind: "AmbiguousTrigger", Topic: topic.Topic(p), HatIDs: sortedIDs(owners),
				Message: fmt.Sprintf("topic %q matches hats %v at identical specificity", p, sortedIDs(owners)),
			})
		}
	}

	seenWildcard := make(map[topic.Pattern][]events.HatId)
	for _, e := range wildcard {
		seenWildcard[e.pattern] = append(seenWildcard[e.pattern], e.hat)
	}
	for p, owners := range seenWildcard {
		if len(owners) > 1 {
			errs = append(errs, &ValidationError{
				Kind: "AmbiguousTrigger", Topic: topic.Topic(p), HatIDs: sortedIDs(owners),
				Message: fmt.Sprintf("pattern %q matches hats %v at identical specificity", p, sortedIDs(owners)),
			})
		}
	}
	return errs
}

func sortedIDs(ids []events.HatId) []events.HatId {
	out := append([]events.HatId(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve implements bus.Resolver: the most-specific hat whose triggers match
// t, or RouteUnclaimed if none do. Ambiguity was rejected at construction, so
// in practice at most one hat wins per specificity tier; Resolve still
// reports RouteAmbiguous defensively if that invariant is ever violated by a
// caller bypassing NewRegistry.
func (r *Registry) Resolve(t topic.Topic) (events.HatId, events.RouteOutcome, []events.HatId) {
	best := topic.SpecificityNone
	var winners []events.HatId

	for _, h := range r.hats {
		for _, p := range h.Triggers {
			spec := p.Match(t)
			if spec == topic.SpecificityNone {
				continue
			}
			if spec > best {
				best = spec
				winners = []events.HatId{h.ID}
			} else if spec == best {
				winners = appendUnique(winners, h.ID)
			}
		}
	}

	switch len(winners) {
	case 0:
		return "", events.RouteUnclaimed, nil
	case 1:
		return winners[0], events.RouteDelivered, nil
	default:
		return "", events.RouteAmbiguous, winners
	}
}

func appendUnique(ids []events.HatId, id events.HatId) []events.HatId {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// HasSubscriber reports whether Resolve would return RouteDelivered for t.
func (r *Registry) HasSubscriber(t topic.Topic) bool {
	_, outcome, _ := r.Resolve(t)
	return outcome == events.RouteDelivered
}

// PublishersOf returns every hat whose Publishes set includes t.
func (r *Registry) PublishersOf(t topic.Topic) []events.HatId {
	var out []events.HatId
	for _, h := range r.hats {
		for _, p := range h.Publishes {
			if p == t {
				out = append(out, h.ID)
				break
			}
		}
	}
	return out
}

// Hats returns the configured hats in declaration order.
func (r *Registry) Hats() []Hat {
	return append([]Hat(nil), r.hats...)
}

// Hat looks up a single hat by id.
func (r *Registry) Hat(id events.HatId) (Hat, bool) {
	h, ok := r.byID[id]
	return h, ok
}

// Edge is one directed topology edge: hat A publishes something hat B triggers on.
type Edge struct {
	From events.HatId
	To   events.HatId
}

// Topology returns the directed graph of hat dependencies: an edge
// (A -> B) for every pair where A's publishes intersect something B's
// triggers match. The Coordinator is an implicit sink for any topic no hat
// claims.
func (r *Registry) Topology() []Edge {
	var edges []Edge
	seen := make(map[Edge]bool)
	for _, a := range r.hats {
		for _, pub := range a.Publishes {
			hat, outcome, _ := r.Resolve(pub)
			if outcome != events.RouteDelivered {
				e := Edge{From: a.ID, To: events.RalphID}
				if !seen[e] {
					seen[e] = true
					edges = append(edges, e)
				}
				continue
			}
			e := Edge{From: a.ID, To: hat}
			if !seen[e] {
				seen[e] = true
				edges = append(edges, e)
			}
		}
	}
	return edges
}

func (r *Registry) unreachableWarnings() []Warning {
	reachable := map[events.HatId]bool{}
	frontier := []topic.Topic{TaskStartTopic}
	visitedTopics := map[topic.Topic]bool{}
	coordinatorSeeded := false

	for len(frontier) > 0 {
		t := frontier[0]
		frontier = frontier[1:]
		if visitedTopics[t] {
			continue
		}
		visitedTopics[t] = true

		hat, outcome, _ := r.Resolve(t)
		if outcome != events.RouteDelivered {
			// Once an unclaimed topic reaches the Coordinator, it can
			// dispatch any hat whose trigger is a literal (non-wildcard)
			// topic — its own synthesized publish set is the union of
			// every hat's triggers. Seed the frontier with those once, so
			// a hat only reachable via Coordinator-mediated dispatch isn't
			// flagged as unreachable.
			if !coordinatorSeeded {
				coordinatorSeeded = true
				for _, h := range r.hats {
					for _, p := range h.Triggers {
						if !strings.Contains(string(p), "*") {
							frontier = append(frontier, topic.Topic(p))
						}
					}
				}
			}
			continue
		}
		if reachable[hat] {
			continue
		}
		reachable[hat] = true
		if h, ok := r.byID[hat]; ok {
			frontier = append(frontier, h.Publishes...)
		}
	}

	var warnings []Warning
	for _, h := range r.hats {
		if !reachable[h.ID] {
			warnings = append(warnings, Warning{Kind: "UnreachableHat", HatID: h.ID, Message: fmt.Sprintf("no path from task.start reaches hat %q", h.ID)})
		}
	}
	return warnings
}

func (r *Registry) orphanPublishWarnings() []Warning {
	var warnings []Warning
	for _, h := range r.hats {
		for _, pub := range h.Publishes {
			if !r.HasSubscriber(pub) {
				warnings = append(warnings, Warning{Kind: "OrphanPublish", HatID: h.ID, Topic: pub, Message: fmt.Sprintf("hat %q publishes %q, which no hat consumes", h.ID, pub)})
			}
		}
	}
	return warnings
}
