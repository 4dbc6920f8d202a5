// Package coordinator implements "Hatless Ralph": the universal fallback
// executor, sole owner of the scratchpad, and sole emitter of the
// configured completion token.
//
// The prompt-assembly shape — a constant identity/workflow preamble, a
// format-string slot for run-specific context, and a distinct "nothing
// configured yet" template — follows planner.go's systemPrompt/
// planDirectivePrompt split in the teacher, generalized from a fixed R2
// planner role to an arbitrary hat topology.
package coordinator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/hats"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

// DefaultCompletionToken is the literal string the Coordinator's output must
// contain for a run to be recognized as complete.
const DefaultCompletionToken = "LOOP_COMPLETE"

const identityPreamble = `You are Ralph, the coordinator of this run.

You have no fixed specialty. Your job is to make progress on the user's
task directly when no configured hat claims the current event, and to keep
the run's scratchpad up to date as the single source of truth for what has
been done and what remains.

When you have genuinely finished the task, end your output with the
literal token below on its own line. Do not emit it before the task is
actually complete, and no other participant in this run may emit it.

    %s
`

const soloModeWorkflow = `No hats are configured for this run. You are the only executor. Read the
scratchpad, do the next piece of useful work, update the scratchpad to
reflect it, and emit the completion token once the task is done.
`

const freshStartWorkflow = `This is a fresh start: the scratchpad is empty or does not yet exist.
Your only directive this iteration is to publish the starting event
immediately:

    %s
`

const hatsTableHeader = "HATS\n----\n"

const topologyHeader = "\nTOPOLOGY\n--------\n"

// Config carries the run-level settings that shape the Coordinator's prompt
// and completion check.
type Config struct {
	CompletionToken string
	StartingEvent   topic.Topic
	ScratchpadPath  string
	Guardrails      string
}

func (c Config) completionToken() string {
	if c.CompletionToken != "" {
		return c.CompletionToken
	}
	return DefaultCompletionToken
}

// Coordinator is "Hatless Ralph".
type Coordinator struct {
	cfg      Config
	registry *hats.Registry // nil is valid: solo mode
}

// New creates a Coordinator. registry may be nil when no hats are
// configured at all (solo mode).
func New(cfg Config, registry *hats.Registry) *Coordinator {
	return &Coordinator{cfg: cfg, registry: registry}
}

// ShouldHandle reports whether the Coordinator must run because no hat
// claims e's topic.
func (c *Coordinator) ShouldHandle(e topic.Topic) bool {
	if c.registry == nil {
		return true
	}
	return !c.registry.HasSubscriber(e)
}

// IsFreshStart reports whether this run has never produced scratchpad
// content beyond its template: a starting event is configured AND the
// scratchpad file is missing or empty.
func (c *Coordinator) IsFreshStart() bool {
	if c.cfg.StartingEvent == "" {
		return false
	}
	data, err := os.ReadFile(c.cfg.ScratchpadPath)
	if err != nil {
		return true
	}
	return len(strings.TrimSpace(string(data))) == 0
}

// BuildPrompt assembles the Coordinator's prompt for the given iteration
// context and scratchpad contents.
func (c *Coordinator) BuildPrompt(ctx events.IterationContext, scratchpad string) string {
	var b strings.Builder

	fmt.Fprintf(&b, identityPreamble, c.cfg.completionToken())

	switch {
	case c.IsFreshStart():
		fmt.Fprintf(&b, freshStartWorkflow, c.cfg.StartingEvent)
	case c.registry == nil || len(c.registry.Hats()) == 0:
		b.WriteString(soloModeWorkflow)
	default:
		b.WriteString(c.renderHatsTable())
		b.WriteString(c.renderTopology())
	}

	if c.cfg.Guardrails != "" {
		b.WriteString("\nGUARDRAILS\n----------\n")
		b.WriteString(c.cfg.Guardrails)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nITERATION\n---------\niteration=%d active_hat=%s elapsed_since_loop_start=%s\n",
		ctx.Iteration, ctx.ActiveHat, ctx.ElapsedSinceLoopStart(time.Now()))

	b.WriteString("\nSCRATCHPAD\n----------\n")
	if strings.TrimSpace(scratchpad) == "" {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(scratchpad)
		b.WriteString("\n")
	}

	return b.String()
}

// renderHatsTable lists every hat's triggers/publishes/description, plus a
// synthesized Coordinator row: its triggers are {task.start} ∪ every hat's
// publishes, its publishes are every hat's triggers.
func (c *Coordinator) renderHatsTable() string {
	var b strings.Builder
	b.WriteString(hatsTableHeader)

	coordTriggers := map[topic.Topic]bool{hats.TaskStartTopic: true}
	coordPublishes := map[topic.Topic]bool{}

	for _, h := range c.registry.Hats() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", h.ID, h.Name, h.Description)
		fmt.Fprintf(&b, "    triggers:  %s\n", joinPatterns(h.Triggers))
		fmt.Fprintf(&b, "    publishes: %s\n", joinTopics(h.Publishes))

		for _, t := range h.Publishes {
			coordTriggers[t] = true
		}
		for _, p := range h.Triggers {
			coordPublishes[topic.Topic(p)] = true
		}
	}

	fmt.Fprintf(&b, "- %s (Coordinator): universal fallback\n", events.RalphID)
	fmt.Fprintf(&b, "    triggers:  %s\n", joinTopicSet(coordTriggers))
	fmt.Fprintf(&b, "    publishes: %s\n", joinTopicSet(coordPublishes))

	return b.String()
}

// renderTopology renders the event graph as plain-text arrows, following
// the dispatcher's own sequence-group narration in the teacher's
// cmd/agsh/main.go (runSubtaskDispatcher).
func (c *Coordinator) renderTopology() string {
	var b strings.Builder
	b.WriteString(topologyHeader)
	edges := c.registry.Topology()
	if len(edges) == 0 {
		b.WriteString("(no edges)\n")
		return b.String()
	}
	for _, e := range edges {
		fmt.Fprintf(&b, "%s --> %s\n", e.From, e.To)
	}
	return b.String()
}

func joinPatterns(ps []topic.Pattern) string {
	if len(ps) == 0 {
		return "(none)"
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return strings.Join(out, ", ")
}

func joinTopics(ts []topic.Topic) string {
	if len(ts) == 0 {
		return "(none)"
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return strings.Join(out, ", ")
}

func joinTopicSet(set map[topic.Topic]bool) string {
	if len(set) == 0 {
		return "(none)"
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, string(t))
	}
	return strings.Join(out, ", ")
}

// CheckCompletion reports whether executorWasCoordinator AND output
// contains the configured completion token literally. No hat may cause
// completion — only the Coordinator's own output is ever checked.
func (c *Coordinator) CheckCompletion(executorWasCoordinator bool, output string) bool {
	if !executorWasCoordinator {
		return false
	}
	return strings.Contains(output, c.cfg.completionToken())
}

// ScratchpadPath returns the configured scratchpad path.
func (c *Coordinator) ScratchpadPath() string { return c.cfg.ScratchpadPath }

// ReadScratchpad reads the scratchpad file, treating a missing file as
// empty content with no error. Past the first iteration a missing
// scratchpad is noteworthy, but the loop — not this package — is
// responsible for logging that warning, since only it knows the
// iteration number.
func (c *Coordinator) ReadScratchpad() (content string, existed bool, err error) {
	data, rerr := os.ReadFile(c.cfg.ScratchpadPath)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("coordinator: read scratchpad: %w", rerr)
	}
	return string(data), true, nil
}
