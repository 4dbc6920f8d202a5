package loop

import (
	"fmt"
	"strings"

	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/hats"
)

// buildHatPrompt assembles the prompt for a non-Coordinator hat: its
// configured instructions, the triggering event's payload, and the current
// scratchpad contents. This mirrors executor.go's systemPrompt-plus-task-
// specific-context split in the teacher, generalized from the R3 role's
// fixed tool-call protocol to an arbitrary hat's free-form instructions.
func buildHatPrompt(h hats.Hat, triggering *events.Event, scratchpad string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s — %s.\n\n", h.ID, h.Name)
	if h.Instructions != "" {
		b.WriteString(h.Instructions)
		b.WriteString("\n\n")
	}

	b.WriteString("TRIGGERING EVENT\n----------------\n")
	if triggering != nil {
		fmt.Fprintf(&b, "topic:   %s\npayload: %s\n\n", triggering.Topic, triggering.Payload)
	} else {
		b.WriteString("(none)\n\n")
	}

	if len(h.RequiredEvidence) > 0 {
		fmt.Fprintf(&b, "When you publish a completion-like event for this task, its payload must include each of these evidence markers: %s\n\n", strings.Join(h.RequiredEvidence, ", "))
	}

	b.WriteString("SCRATCHPAD\n----------\n")
	if strings.TrimSpace(scratchpad) == "" {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(scratchpad)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nPublish outbound events by appending one JSON object per line to %s, e.g. {\"topic\":\"%s\",\"payload\":\"...\"}\n", EventsFileName, firstOrEmpty(h.Publishes))

	return b.String()
}

func firstOrEmpty[T ~string](xs []T) T {
	if len(xs) == 0 {
		var zero T
		return zero
	}
	return xs[0]
}
