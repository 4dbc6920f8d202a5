package loop

import "github.com/titan/ralph-orchestrator/internal/topic"

// health tracks the EventLoop's running counters: consecutive blocks and
// redispatches per topic, consecutive malformed event-file reads, and
// scratchpad-stall detection.
type health struct {
	consecutiveBlocksByTopic map[topic.Topic]uint32
	redispatchesByTopic      map[topic.Topic]uint32
	consecutiveMalformed     uint32
	sameStateIterations      uint32

	abandoned map[topic.Topic]bool

	lastScratchpad     string
	lastScratchpadSeen bool
}

func newHealth() *health {
	return &health{
		consecutiveBlocksByTopic: make(map[topic.Topic]uint32),
		redispatchesByTopic:      make(map[topic.Topic]uint32),
		abandoned:                make(map[topic.Topic]bool),
	}
}

// recordExtraction updates the consecutive-malformed counter: incremented
// when the iteration's event-file tail produced malformed content and no
// well-formed events, reset whenever at least one event was successfully
// extracted.
func (h *health) recordExtraction(x extracted) {
	if len(x.events) > 0 {
		h.consecutiveMalformed = 0
		return
	}
	if x.malformed > 0 {
		h.consecutiveMalformed++
	}
}

// recordBlock increments the consecutive-block counter for a completion-like
// topic's base and reports whether the abandonment threshold was just
// crossed.
func (h *health) recordBlock(base topic.Topic, threshold uint32) (count uint32, abandon bool) {
	h.consecutiveBlocksByTopic[base]++
	count = h.consecutiveBlocksByTopic[base]
	if count == threshold {
		abandon = true
	}
	return count, abandon
}

// recordUnblock resets the consecutive-block counter for base: it must
// drop back to 0 exactly when a non-blocked event on the topic's
// completion counterpart is published, not merely decay over time.
func (h *health) recordUnblock(base topic.Topic) {
	h.consecutiveBlocksByTopic[base] = 0
}

// recordAbandon marks a topic as abandoned, so a later fresh republish of it
// is counted toward redispatch thrash.
func (h *health) recordAbandon(base topic.Topic) {
	h.abandoned[base] = true
	h.consecutiveBlocksByTopic[base] = 0
}

// recordRedispatch increments the redispatch counter for a topic that was
// previously abandoned and has just been freshly republished, reporting
// whether the thrash threshold was crossed.
func (h *health) recordRedispatch(base topic.Topic, threshold uint32) (count uint32, thrashing bool) {
	h.redispatchesByTopic[base]++
	count = h.redispatchesByTopic[base]
	return count, count >= threshold
}

// recordScratchpad tracks stall detection: returns the consecutive count of
// byte-identical scratchpad content, resetting whenever the content changes.
func (h *health) recordScratchpad(content string) uint32 {
	if h.lastScratchpadSeen && content == h.lastScratchpad {
		h.sameStateIterations++
	} else {
		h.sameStateIterations = 1
	}
	h.lastScratchpad = content
	h.lastScratchpadSeen = true
	return h.sameStateIterations
}
