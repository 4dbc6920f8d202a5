// Package bus implements the in-process, topic-routed event bus: synchronous
// observer fan-out, pattern-matched routing, and a single serial append log.
// It generalizes the teacher's internal/bus.Bus — which fanned channel-typed
// messages out to per-MessageType subscriber channels — into topic-pattern
// routing against a dynamic hat registry, with every publish durably logged
// before fan-out completes.
package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/eventlog"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

// ErrLogWrite is returned when the authoritative EventLog append fails.
// Callers must treat the event as not delivered.
var ErrLogWrite = errors.New("bus: log write failed")

// Resolver answers routing queries against the current hat topology. The
// HatRegistry (internal/hats) implements this; Bus depends only on the
// interface to avoid an import cycle between bus and hats.
type Resolver interface {
	// Resolve returns the single hat claiming topic t with RouteDelivered, or
	// an empty hat with the RouteOutcome explaining why (Unclaimed, or
	// Ambiguous together with the tied candidates).
	Resolve(t topic.Topic) (hat events.HatId, outcome events.RouteOutcome, ambiguous []events.HatId)
}

// Observer is a non-routing side-channel consumer, registered with
// SubscribeObserver. Observers must not mutate the bus and must return
// quickly — publish blocks on every subscriber, so a slow observer stalls
// the whole loop.
type Observer func(events.Event)

// Bus is the single-process topic router.
type Bus struct {
	mu        sync.Mutex
	resolver  Resolver
	log       *eventlog.Log
	observers []Observer
	pending   []events.Event
	blocked   map[topic.Topic]uint32 // consecutive_blocks_by_topic, tracked for blocked_count on Records
}

// New creates a Bus that routes against resolver and durably logs every
// publish to log.
func New(resolver Resolver, log *eventlog.Log) *Bus {
	return &Bus{
		resolver: resolver,
		log:      log,
		blocked:  make(map[topic.Topic]uint32),
	}
}

// Publish routes e synchronously: it resolves e.Topic against the current
// hat topology, appends the routing outcome to the EventLog, buffers e for
// the next DrainPending call, and then fans the event out to every
// registered observer (in registration order, after the log append).
//
// If the log append fails, Publish returns ErrLogWrite and e is NOT added to
// the pending buffer — a log-write failure is treated as "not delivered".
func (b *Bus) Publish(e events.Event) (events.RouteOutcome, error) {
	hat, outcome, ambiguous := b.resolver.Resolve(e.Topic)
	if outcome == events.RouteDelivered {
		e.Target = hat
	}

	b.mu.Lock()
	blockedCount := b.blocked[e.Topic.Base()]
	b.mu.Unlock()

	if err := b.log.Append(eventlog.Record{
		Timestamp:    e.Timestamp,
		Iteration:    e.Iteration,
		Hat:          e.Source,
		Topic:        e.Topic,
		Triggered:    e.Triggering,
		Payload:      e.Payload,
		RouteOutcome: outcome,
		BlockedCount: blockedCount,
	}); err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrLogWrite, err)
	}

	b.mu.Lock()
	observers := append([]Observer(nil), b.observers...)
	b.pending = append(b.pending, e)
	b.mu.Unlock()

	for _, obs := range observers {
		b.notify(obs, e)
	}

	if outcome == events.RouteAmbiguous {
		log.Printf("[BUS] WARNING: ambiguous route for topic=%s candidates=%v — validation should have rejected this config", e.Topic, ambiguous)
	}

	return outcome, nil
}

// notify invokes an observer, recovering and logging any panic so a
// misbehaving diagnostic consumer can never take down the loop.
func (b *Bus) notify(obs Observer, e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BUS] WARNING: observer panicked, swallowed: %v", r)
		}
	}()
	obs(e)
}

// SubscribeObserver registers a non-routing side-channel consumer. Observers
// are invoked in registration order on the publishing goroutine, after the
// routing decision is computed and after the log has been appended.
func (b *Bus) SubscribeObserver(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// DrainPending returns and clears the events published since the last call,
// in publish order. The EventLoop calls this once per iteration to discover
// what the previous iteration produced.
func (b *Bus) DrainPending() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// RecordBlock increments the consecutive-block counter for a completion-like
// topic; RecordUnblock resets it. These back the blocked_count field attached
// to subsequent log records and are driven by the EventLoop's missing-evidence
// backpressure check.
func (b *Bus) RecordBlock(base topic.Topic) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[base]++
	return b.blocked[base]
}

func (b *Bus) RecordUnblock(base topic.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[base] = 0
}
