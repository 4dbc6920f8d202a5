// Package events defines the data model shared by every Ralph component: the
// routed Event envelope, the HatId identifier, the AgentEvent variants the
// StreamParser emits, and the per-iteration context the EventLoop builds.
//
// This mirrors the role of the teacher's internal/types package — one place
// holding the inter-component wire types — generalized from a fixed cast of
// roles (R1..R7) to an arbitrary user-defined set of hats.
package events

import (
	"time"

	"github.com/titan/ralph-orchestrator/internal/topic"
)

// HatId uniquely identifies a hat within a run. "ralph" is reserved for the
// Coordinator and may never be assigned to a user hat.
type HatId string

// RalphID is the Coordinator's reserved identifier.
const RalphID HatId = "ralph"

// Event is a single routed message on the bus.
//
// Invariants (enforced by Bus.Publish and the EventLoop, not by this type):
//   - Iteration is monotonically non-decreasing across the EventLog.
//   - Source == "" implies the event originated from the Coordinator or from
//     the user's initial prompt.
//   - At most one event per iteration is marked Triggering.
type Event struct {
	ID         string      `json:"id"`
	Topic      topic.Topic `json:"topic"`
	Payload    string      `json:"payload"`
	Source     HatId       `json:"source,omitempty"`
	Target     HatId       `json:"target,omitempty"`
	Iteration  uint32      `json:"iteration"`
	Timestamp  time.Time   `json:"ts"`
	Triggering bool        `json:"-"`
}

// RouteOutcome describes what the bus did with a published Event.
type RouteOutcome string

const (
	RouteDelivered RouteOutcome = "delivered"
	RouteUnclaimed RouteOutcome = "unclaimed"
	RouteAmbiguous RouteOutcome = "ambiguous"
)

// AgentEventKind discriminates the variants of AgentEvent.
type AgentEventKind string

const (
	KindSessionStart AgentEventKind = "session_start"
	KindText         AgentEventKind = "text"
	KindToolCall     AgentEventKind = "tool_call"
	KindToolResult   AgentEventKind = "tool_result"
	KindUsage        AgentEventKind = "usage"
	KindComplete     AgentEventKind = "complete"
	KindParseSkipped AgentEventKind = "parse_skipped"
)

// AgentEvent is one item in the typed stream the StreamParser produces from a
// backend's raw output. Exactly one of the Kind-specific fields is populated,
// selected by Kind. AgentEvents are streamed; the core never stores them in
// full (only extracted outbound Events and the EventLog survive an iteration).
type AgentEvent struct {
	Kind AgentEventKind

	// SessionStart
	Model     string
	SessionID string

	// Text
	Chunk string

	// ToolCall
	ToolCallID   string
	ToolName     string
	ToolCallArgs string

	// ToolResult
	ToolResultID string
	ToolOutput   string
	ToolIsError  bool

	// Usage
	InputTokens  int
	OutputTokens int

	// Complete
	DurationMs int64
	Cost       float64
	Turns      int
	IsError    bool

	// ParseSkipped
	Raw    string
	Reason string
}

// TruncateRaw clips s to at most n code points, matching the StreamParser's
// rule for ParseSkipped.Raw (100 chars by default).
func TruncateRaw(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// IterationContext captures the state visible to a single loop iteration.
// It is created fresh at the top of the loop and discarded at the bottom.
type IterationContext struct {
	Iteration                 uint32
	ActiveHat                 HatId
	TriggeringEvent           *Event
	LoopStartedAt             time.Time
	IterationStartedAt        time.Time
	IdleTimeout               time.Duration
}

// ElapsedSinceLoopStart returns the wall-clock time since the run began.
func (c IterationContext) ElapsedSinceLoopStart(now time.Time) time.Duration {
	return now.Sub(c.LoopStartedAt)
}

// ElapsedSinceIterationStart returns the wall-clock time since this iteration began.
func (c IterationContext) ElapsedSinceIterationStart(now time.Time) time.Duration {
	return now.Sub(c.IterationStartedAt)
}
