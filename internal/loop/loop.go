// Package loop implements the EventLoop: the top-level protocol state
// machine that drives iterations from the user's initial prompt to a
// terminal outcome.
//
// The single-threaded-at-the-control-level shape, with PtyExecutor's reader
// goroutines joined before each invocation returns, mirrors the teacher's
// dispatcher loop in cmd/agsh/main.go (runSubtaskDispatcher), which drives
// one subtask's full lifecycle — dispatch, await result, apply corrections —
// before moving to the next, never overlapping two subtasks' executions.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/bus"
	"github.com/titan/ralph-orchestrator/internal/coordinator"
	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/hats"
	"github.com/titan/ralph-orchestrator/internal/ptyexec"
	"github.com/titan/ralph-orchestrator/internal/streamparser"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

// observeRunner is the subset of ptyexec.Executor the loop depends on. Kept
// as an interface — rather than a concrete *ptyexec.Executor dependency —
// so the EventLoop's protocol logic can be tested with a scripted backend
// instead of a real child process, the same decoupling bus.Resolver gives
// the Bus against a real HatRegistry.
type observeRunner interface {
	RunObserve(ctx context.Context, spawner backendspec.Spawner, format backendspec.OutputFormat, prompt string, handler streamparser.Handler) (ptyexec.ExecutionResult, error)
}

// TerminationReason is the single outcome recorded for a run.
type TerminationReason string

const (
	TerminationCompleted          TerminationReason = "completed"
	TerminationBackendUnavailable TerminationReason = "backend_unavailable"
	TerminationLogWriteError      TerminationReason = "log_write_error"
	TerminationLoopThrashing      TerminationReason = "loop_thrashing"
	TerminationValidationFailure  TerminationReason = "validation_failure"
	TerminationStalled            TerminationReason = "stalled"
	TerminationDeadEnd            TerminationReason = "dead_end"
	TerminationSafetyLimit        TerminationReason = "safety_limit"
	TerminationCancelled          TerminationReason = "cancelled"
)

// Default thresholds for the backpressure and safety-limit checks below.
const (
	DefaultMaxIterations       = 100
	DefaultConsecutiveBlocks   = 3
	DefaultRedispatchThreshold = 3
	DefaultMalformedThreshold  = 3
	DefaultStallThreshold      = 5
)

// Config carries the run-level settings the EventLoop needs beyond what the
// Bus/Registry/Coordinator already encapsulate.
type Config struct {
	UserPrompt      string
	ScratchpadPath  string
	EventsFilePath  string // defaults to <dir of ScratchpadPath>/EventsFileName
	IdleTimeout     time.Duration
	MaxIterations   uint32
	MaxWallClock    time.Duration // 0 = unbounded
	MaxCost         float64       // 0 = unbounded

	ConsecutiveBlockThreshold uint32
	RedispatchThreshold       uint32
	MalformedThreshold        uint32
	StallThreshold            uint32

	// CoordinatorBackend is the BackendSpec used to invoke the Coordinator
	// itself when it is the selected executor.
	CoordinatorBackend backendspec.Spec
}

func (c Config) maxIterations() uint32 {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return DefaultMaxIterations
}

func (c Config) consecutiveBlockThreshold() uint32 {
	if c.ConsecutiveBlockThreshold > 0 {
		return c.ConsecutiveBlockThreshold
	}
	return DefaultConsecutiveBlocks
}

func (c Config) redispatchThreshold() uint32 {
	if c.RedispatchThreshold > 0 {
		return c.RedispatchThreshold
	}
	return DefaultRedispatchThreshold
}

func (c Config) malformedThreshold() uint32 {
	if c.MalformedThreshold > 0 {
		return c.MalformedThreshold
	}
	return DefaultMalformedThreshold
}

func (c Config) stallThreshold() uint32 {
	if c.StallThreshold > 0 {
		return c.StallThreshold
	}
	return DefaultStallThreshold
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return ptyexec.DefaultIdleTimeout
}

// Result is what Run returns once the loop reaches a terminal state.
type Result struct {
	Reason            TerminationReason
	Iterations        uint32
	Duration          time.Duration
	ScratchpadExisted bool
}

// Loop is the EventLoop.
type Loop struct {
	cfg         Config
	bus         *bus.Bus
	registry    *hats.Registry // nil means solo mode
	coordinator *coordinator.Coordinator
	executor    observeRunner
	tail        *eventFileTail
	health      *health
}

// New constructs a Loop. registry may be nil for a hatless (solo) run.
func New(cfg Config, b *bus.Bus, registry *hats.Registry, coord *coordinator.Coordinator, executor observeRunner) *Loop {
	eventsPath := cfg.EventsFilePath
	if eventsPath == "" {
		eventsPath = defaultEventsPath(cfg.ScratchpadPath)
	}
	return &Loop{
		cfg:         cfg,
		bus:         b,
		registry:    registry,
		coordinator: coord,
		executor:    executor,
		tail:        newEventFileTail(eventsPath),
		health:      newHealth(),
	}
}

func defaultEventsPath(scratchpadPath string) string {
	idx := strings.LastIndexAny(scratchpadPath, "/\\")
	if idx < 0 {
		return EventsFileName
	}
	return scratchpadPath[:idx+1] + EventsFileName
}

// collector implements streamparser.Handler, accumulating the text the
// Coordinator's completion check inspects and tallying parser-level
// ParseSkipped traces for diagnostics (distinct from the event-extraction
// consecutive_malformed counter, which tracks the agent's event-file output).
type collector struct {
	text          strings.Builder
	parseSkipped  int
	totalCost     float64
}

func (c *collector) OnEvent(e events.AgentEvent) {
	switch e.Kind {
	case events.KindText:
		c.text.WriteString(e.Chunk)
		c.text.WriteString("\n")
	case events.KindParseSkipped:
		c.parseSkipped++
	case events.KindComplete:
		c.totalCost += e.Cost
	}
}

// Run drives the loop to a terminal Result. ctx cancellation is cooperative:
// the current iteration's PtyExecutor invocation is cancelled and the loop
// returns TerminationCancelled after finalizing the iteration.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	loopStartedAt := time.Now()
	var iteration uint32
	var totalCost float64
	var consecutiveOrphanedNoOutput uint32

	for {
		iteration++

		if iteration > l.cfg.maxIterations() {
			return l.terminate(TerminationSafetyLimit, iteration-1, loopStartedAt), nil
		}
		if l.cfg.MaxWallClock > 0 && time.Since(loopStartedAt) > l.cfg.MaxWallClock {
			return l.terminate(TerminationSafetyLimit, iteration-1, loopStartedAt), nil
		}
		if l.cfg.MaxCost > 0 && totalCost > l.cfg.MaxCost {
			return l.terminate(TerminationSafetyLimit, iteration-1, loopStartedAt), nil
		}
		if ctx.Err() != nil {
			return l.terminate(TerminationCancelled, iteration-1, loopStartedAt), nil
		}

		iterCtx := events.IterationContext{
			Iteration:          iteration,
			LoopStartedAt:      loopStartedAt,
			IterationStartedAt: time.Now(),
			IdleTimeout:        l.cfg.idleTimeout(),
		}

		triggering, err := l.nextTriggeringEvent(iteration)
		if err != nil {
			return Result{}, err
		}

		activeHat, executorIsCoordinator := l.selectExecutor(triggering)
		iterCtx.ActiveHat = activeHat
		if triggering != nil {
			iterCtx.TriggeringEvent = triggering
		}

		scratchpad, scratchpadExisted, err := l.coordinator.ReadScratchpad()
		if err != nil {
			log.Printf("[LOOP] WARNING: scratchpad read failed: %v", err)
		}
		if !scratchpadExisted && iteration > 1 {
			log.Printf("[LOOP] WARNING: scratchpad missing at iteration %d, treating as empty", iteration)
		}

		prompt := l.assemblePrompt(executorIsCoordinator, activeHat, iterCtx, triggering, scratchpad)
		spawner, format, err := l.spawnerFor(activeHat, executorIsCoordinator)
		if err != nil {
			return Result{}, fmt.Errorf("loop: %w", err)
		}

		iterCtx2, cancel := context.WithCancel(ctx)
		coll := &collector{}
		execResult, runErr := l.executor.RunObserve(iterCtx2, spawner, format, prompt, coll)
		cancel()
		totalCost += coll.totalCost

		if runErr != nil {
			if errors.Is(runErr, ptyexec.ErrZombieChild) {
				log.Printf("[LOOP] WARNING: zombie child at iteration %d: %v", iteration, runErr)
			} else {
				return l.terminate(TerminationBackendUnavailable, iteration, loopStartedAt), fmt.Errorf("loop: backend unavailable: %w", runErr)
			}
		}
		_ = execResult

		extractedEvents, err := l.tail.ReadNew()
		if err != nil {
			log.Printf("[LOOP] WARNING: event extraction failed at iteration %d: %v", iteration, err)
		}
		l.health.recordExtraction(extractedEvents)
		if l.health.consecutiveMalformed >= l.cfg.malformedThreshold() {
			return l.terminate(TerminationValidationFailure, iteration, loopStartedAt), nil
		}

		published, err := l.publishExtracted(extractedEvents, activeHat, iteration)
		if err != nil {
			return l.terminate(TerminationLogWriteError, iteration, loopStartedAt), fmt.Errorf("loop: %w", err)
		}

		if len(published) == 0 && !executorIsCoordinator {
			if h, ok := l.registry.Hat(activeHat); ok && h.DefaultPublishes != nil {
				e := events.Event{
					Topic:     *h.DefaultPublishes,
					Payload:   "default: no event written",
					Source:    activeHat,
					Iteration: iteration,
					Timestamp: time.Now(),
				}
				if _, perr := l.bus.Publish(e); perr != nil {
					return l.terminate(TerminationLogWriteError, iteration, loopStartedAt), fmt.Errorf("loop: %w", perr)
				}
				published = append(published, e)
			}
		}

		if reason, done := l.applyBackpressure(published); done {
			return l.terminate(reason, iteration, loopStartedAt), nil
		}

		if executorIsCoordinator && l.coordinator.CheckCompletion(true, coll.text.String()) {
			return l.terminate(TerminationCompleted, iteration, loopStartedAt), nil
		}

		stallCount := l.health.recordScratchpad(scratchpad)
		if stallCount >= l.cfg.stallThreshold() {
			return l.terminate(TerminationStalled, iteration, loopStartedAt), nil
		}

		if l.isOrphanedIteration(triggering, published) {
			consecutiveOrphanedNoOutput++
			if consecutiveOrphanedNoOutput >= 2 {
				return l.terminate(TerminationDeadEnd, iteration, loopStartedAt), nil
			}
		} else {
			consecutiveOrphanedNoOutput = 0
		}
	}
}

// nextTriggeringEvent picks the event that drives this iteration: the most
// recently published pending event, or a synthesized task.start on the
// very first iteration when nothing has been published yet.
func (l *Loop) nextTriggeringEvent(iteration uint32) (*events.Event, error) {
	pending := l.bus.DrainPending()
	if len(pending) > 0 {
		last := pending[len(pending)-1]
		return &last, nil
	}
	if iteration != 1 {
		return nil, nil
	}

	e := events.Event{
		Topic:      hats.TaskStartTopic,
		Payload:    l.cfg.UserPrompt,
		Iteration:  iteration,
		Timestamp:  time.Now(),
		Triggering: true,
	}
	if _, err := l.bus.Publish(e); err != nil {
		return nil, fmt.Errorf("loop: publish task.start: %w", err)
	}
	return &e, nil
}

// selectExecutor picks who runs this iteration: the hat the triggering
// event routes to, or the Coordinator when it's unclaimed, solo, or there
// is no triggering event at all.
func (l *Loop) selectExecutor(triggering *events.Event) (events.HatId, bool) {
	if triggering == nil || l.registry == nil {
		return events.RalphID, true
	}
	hat, outcome, _ := l.registry.Resolve(triggering.Topic)
	if outcome == events.RouteDelivered {
		return hat, false
	}
	return events.RalphID, true
}

func (l *Loop) assemblePrompt(executorIsCoordinator bool, activeHat events.HatId, ctx events.IterationContext, triggering *events.Event, scratchpad string) string {
	if executorIsCoordinator {
		return l.coordinator.BuildPrompt(ctx, scratchpad)
	}
	h, _ := l.registry.Hat(activeHat)
	return buildHatPrompt(h, triggering, scratchpad)
}

func (l *Loop) spawnerFor(activeHat events.HatId, executorIsCoordinator bool) (backendspec.Spawner, backendspec.OutputFormat, error) {
	spec := l.cfg.CoordinatorBackend
	if !executorIsCoordinator {
		h, ok := l.registry.Hat(activeHat)
		if !ok {
			return nil, "", fmt.Errorf("no such hat %q", activeHat)
		}
		if h.Backend.Command != "" {
			spec = h.Backend
		}
	}
	return backendspec.DefaultSpawner{Spec: spec}, spec.OutputFormat, nil
}

// publishExtracted stamps and publishes every event the agent wrote to its
// events file during this iteration, in the order it appeared.
func (l *Loop) publishExtracted(x extracted, source events.HatId, iteration uint32) ([]events.Event, error) {
	var out []events.Event
	for _, ol := range x.events {
		e := events.Event{
			Topic:      ol.Topic,
			Payload:    ol.Payload,
			Source:     source,
			Iteration:  iteration,
			Timestamp:  time.Now(),
		}
		if _, err := l.bus.Publish(e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// applyBackpressure evaluates the missing-evidence, abandonment, and
// redispatch-thrash rules against this iteration's published events.
// Malformed-event, stall, and orphaned-event detection are tracked and
// checked inline in Run instead, since they don't depend on this
// iteration's published events alone.
func (l *Loop) applyBackpressure(published []events.Event) (TerminationReason, bool) {
	var synthesizedBlocked []events.Event
	for _, e := range published {
		if !e.Topic.IsCompletionLike() {
			continue
		}
		missing := l.missingEvidence(e)
		if len(missing) == 0 {
			l.health.recordUnblock(e.Topic)
			l.bus.RecordUnblock(e.Topic)
			continue
		}
		blocked := events.Event{
			Topic:     e.Topic.Blocked(),
			Payload:   strings.Join(missing, ", "),
			Source:    events.RalphID,
			Iteration: e.Iteration,
			Timestamp: time.Now(),
		}
		if _, err := l.bus.Publish(blocked); err != nil {
			log.Printf("[LOOP] WARNING: failed to publish blocked event for %s: %v", e.Topic, err)
			continue
		}
		synthesizedBlocked = append(synthesizedBlocked, blocked)
	}

	newlyAbandoned := make(map[topic.Topic]bool)
	for _, be := range synthesizedBlocked {
		base := be.Topic.Base()
		l.bus.RecordBlock(base)
		_, abandon := l.health.recordBlock(base, l.cfg.consecutiveBlockThreshold())
		if !abandon {
			continue
		}
		abandoned := events.Event{
			Topic:     base.Abandoned(),
			Payload:   "block_history",
			Source:    events.RalphID,
			Iteration: be.Iteration,
			Timestamp: time.Now(),
		}
		if _, err := l.bus.Publish(abandoned); err != nil {
			log.Printf("[LOOP] WARNING: failed to publish abandoned event for %s: %v", base, err)
			continue
		}
		if !l.health.abandoned[base] {
			newlyAbandoned[base] = true
		}
		l.health.recordAbandon(base)
		l.bus.RecordUnblock(base)
	}

	// An event that caused its topic's first abandonment in this call is not
	// itself a redispatch of the abandoned topic.
	for _, e := range published {
		if e.Topic.IsBlocked() || strings.HasSuffix(string(e.Topic), ".abandoned") {
			continue
		}
		base := e.Topic.Base()
		if !l.health.abandoned[base] || newlyAbandoned[base] {
			continue
		}
		_, thrashing := l.health.recordRedispatch(base, l.cfg.redispatchThreshold())
		if thrashing {
			return TerminationLoopThrashing, true
		}
	}

	return "", false
}

// missingEvidence returns which of e's source hat's required evidence
// markers are absent from e's payload.
func (l *Loop) missingEvidence(e events.Event) []string {
	if l.registry == nil {
		return nil
	}
	h, ok := l.registry.Hat(e.Source)
	if !ok || len(h.RequiredEvidence) == 0 {
		return nil
	}
	var missing []string
	for _, marker := range h.RequiredEvidence {
		if !strings.Contains(e.Payload, marker) {
			missing = append(missing, marker)
		}
	}
	return missing
}

// isOrphanedIteration reports whether, when a registry exists, the
// triggering event went unclaimed or there was no triggering event at all,
// and this Coordinator-run iteration produced no outbound events either.
func (l *Loop) isOrphanedIteration(triggering *events.Event, published []events.Event) bool {
	if l.registry == nil {
		return false
	}
	if triggering == nil {
		return len(published) == 0
	}
	_, outcome, _ := l.registry.Resolve(triggering.Topic)
	return outcome != events.RouteDelivered && len(published) == 0
}

func (l *Loop) terminate(reason TerminationReason, iterations uint32, loopStartedAt time.Time) Result {
	scratchpadExisted := false
	if _, existed, err := l.coordinator.ReadScratchpad(); err == nil {
		scratchpadExisted = existed
	}

	e := events.Event{
		Topic:     topic.Topic("loop.terminated"),
		Payload:   string(reason),
		Source:    events.RalphID,
		Iteration: iterations,
		Timestamp: time.Now(),
	}
	if _, err := l.bus.Publish(e); err != nil {
		log.Printf("[LOOP] WARNING: failed to log loop.terminated: %v", err)
	}

	return Result{
		Reason:            reason,
		Iterations:        iterations,
		Duration:          time.Since(loopStartedAt),
		ScratchpadExisted: scratchpadExisted,
	}
}
