package hats

import (
	"strings"
	"testing"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

func claudeHat(id events.HatId, triggers ...topic.Pattern) Hat {
	return Hat{
		ID:          id,
		Name:        string(id),
		Description: "does things",
		Triggers:    triggers,
		Backend:     backendspec.NamedDefault(backendspec.NamedClaude),
	}
}

// Expectations:
//   - A valid config with no ambiguity constructs cleanly and resolves
//     exact matches over wildcard matches deterministically
func TestRegistry_Resolve_PrefersExactOverWildcard(t *testing.T) {
	hs := []Hat{
		claudeHat("builder", "build.*"),
		claudeHat("linter", "build.lint"),
	}
	r, warnings, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_ = warnings

	hat, outcome, _ := r.Resolve("build.lint")
	if outcome != events.RouteDelivered || hat != "linter" {
		t.Errorf("got hat=%q outcome=%v, want linter/Delivered", hat, outcome)
	}

	hat, outcome, _ = r.Resolve("build.compile")
	if outcome != events.RouteDelivered || hat != "builder" {
		t.Errorf("got hat=%q outcome=%v, want builder/Delivered", hat, outcome)
	}
}

// Expectations:
//   - Two hats with identical-specificity exact triggers on the same topic
//     is rejected at construction as AmbiguousTrigger
func TestRegistry_AmbiguousExactTrigger_RejectedAtConstruction(t *testing.T) {
	hs := []Hat{
		claudeHat("a", "build.done"),
		claudeHat("b", "build.done"),
	}
	_, _, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err == nil {
		t.Fatal("expected AmbiguousTrigger error, got nil")
	}
	if !strings.Contains(err.Error(), "AmbiguousTrigger") {
		t.Errorf("got error %v, want it to mention AmbiguousTrigger", err)
	}
}

// Expectations:
//   - A duplicate hat id is rejected
//   - An empty description is rejected
//   - An empty trigger set is rejected
//   - An unknown backend name is rejected
//   - All applicable errors are reported together, not just the first
func TestRegistry_CollectsMultipleValidationErrors(t *testing.T) {
	hs := []Hat{
		{ID: "dup", Name: "x", Description: "", Triggers: nil, Backend: backendspec.Spec{Name: "nonexistent"}},
		{ID: "dup", Name: "y", Description: "fine", Triggers: []topic.Pattern{"a.b"}, Backend: backendspec.NamedDefault(backendspec.NamedClaude)},
	}
	_, _, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"EmptyDescription", "EmptyTriggers", "UnknownBackend", "DuplicateHatId"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %s, got: %s", want, msg)
		}
	}
}

// Expectations:
//   - A hat with id "ralph" is rejected (reserved for the Coordinator)
func TestRegistry_ReservedHatId_Rejected(t *testing.T) {
	hs := []Hat{claudeHat(events.RalphID, "x.y")}
	_, _, err := NewRegistry(nil, hs)
	if err == nil {
		t.Fatal("expected error for reserved hat id, got nil")
	}
}

// Expectations:
//   - A hat unreachable from task.start produces an UnreachableHat warning,
//     not a fatal error (its only trigger is a wildcard, which the
//     Coordinator's dispatch of literal triggers never reaches)
func TestRegistry_UnreachableHat_IsWarningNotError(t *testing.T) {
	hs := []Hat{claudeHat("orphan", "nothing.*")}
	r, warnings, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r == nil {
		t.Fatal("expected non-nil registry")
	}
	found := false
	for _, w := range warnings {
		if w.Kind == "UnreachableHat" && w.HatID == "orphan" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected UnreachableHat warning, got %+v", warnings)
	}
}

// Expectations:
//   - A hat that publishes a topic no hat consumes produces an
//     OrphanPublish warning, not a fatal error
func TestRegistry_OrphanPublish_IsWarningNotError(t *testing.T) {
	hs := []Hat{
		{
			ID: "builder", Name: "builder", Description: "builds",
			Triggers:  []topic.Pattern{"task.start"},
			Publishes: []topic.Topic{"build.nobody_listens"},
			Backend:   backendspec.NamedDefault(backendspec.NamedClaude),
		},
	}
	_, warnings, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	found := false
	for _, w := range warnings {
		if w.Kind == "OrphanPublish" && w.Topic == "build.nobody_listens" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected OrphanPublish warning, got %+v", warnings)
	}
}

// Expectations:
//   - Topology produces an edge for every publisher/consumer pair, and
//     routes unclaimed publishes to the Coordinator as a sink
func TestRegistry_Topology_RoutesUnclaimedToCoordinator(t *testing.T) {
	hs := []Hat{
		{
			ID: "builder", Name: "builder", Description: "builds",
			Triggers:  []topic.Pattern{"task.start"},
			Publishes: []topic.Topic{"build.done", "build.orphan"},
			Backend:   backendspec.NamedDefault(backendspec.NamedClaude),
		},
		{
			ID: "reviewer", Name: "reviewer", Description: "reviews",
			Triggers: []topic.Pattern{"build.done"},
			Backend:  backendspec.NamedDefault(backendspec.NamedClaude),
		},
	}
	r, _, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	edges := r.Topology()
	wantBuilderToReviewer, wantBuilderToRalph := false, false
	for _, e := range edges {
		if e.From == "builder" && e.To == "reviewer" {
			wantBuilderToReviewer = true
		}
		if e.From == "builder" && e.To == events.RalphID {
			wantBuilderToRalph = true
		}
	}
	if !wantBuilderToReviewer {
		t.Errorf("expected edge builder->reviewer, got %+v", edges)
	}
	if !wantBuilderToRalph {
		t.Errorf("expected edge builder->ralph (sink for unclaimed publish), got %+v", edges)
	}
}

// Expectations:
//   - PublishersOf returns every hat that declares the topic in Publishes
func TestRegistry_PublishersOf(t *testing.T) {
	hs := []Hat{
		{ID: "a", Name: "a", Description: "a", Triggers: []topic.Pattern{"task.start"}, Publishes: []topic.Topic{"shared.topic"}, Backend: backendspec.NamedDefault(backendspec.NamedClaude)},
		{ID: "b", Name: "b", Description: "b", Triggers: []topic.Pattern{"shared.topic"}, Publishes: []topic.Topic{"shared.topic"}, Backend: backendspec.NamedDefault(backendspec.NamedClaude)},
	}
	r, _, err := NewRegistry([]backendspec.Named{backendspec.NamedClaude}, hs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	pubs := r.PublishersOf("shared.topic")
	if len(pubs) != 2 {
		t.Errorf("got %v, want 2 publishers", pubs)
	}
}
