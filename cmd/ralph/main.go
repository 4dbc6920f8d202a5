// Command ralph is a one-shot Ralph run: load a YAML config, wire the hat
// topology onto the event bus, and drive the EventLoop to a terminal Result.
//
// Wiring follows cmd/agsh/main.go in the teacher: best-effort .env load,
// a cache directory under the user's home (~/.cache/ralph), debug logging redirected
// to a file there, and signal handling that cancels a single root context
// rather than calling os.Exit from deep in the call stack. There is no
// interactive REPL or TUI front-end here — this is the one-shot runner the
// teacher's dispatcher loop would drive if it were invoked
// non-interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/bus"
	"github.com/titan/ralph-orchestrator/internal/config"
	"github.com/titan/ralph-orchestrator/internal/coordinator"
	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/eventlog"
	"github.com/titan/ralph-orchestrator/internal/history"
	"github.com/titan/ralph-orchestrator/internal/loop"
	"github.com/titan/ralph-orchestrator/internal/ptyexec"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

var knownBackends = []backendspec.Named{
	backendspec.NamedClaude,
	backendspec.NamedKiro,
	backendspec.NamedGemini,
	backendspec.NamedCodex,
	backendspec.NamedAmp,
}

func main() {
	configPath := flag.String("config", "ralph.yaml", "path to the Ralph YAML configuration")
	scratchpadPath := flag.String("scratchpad", "SCRATCHPAD.md", "path to the scratchpad file")
	flag.Parse()

	prompt := ""
	if args := flag.Args(); len(args) > 0 {
		prompt = args[0]
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: ralph [-config ralph.yaml] [-scratchpad SCRATCHPAD.md] \"<task prompt>\"")
		os.Exit(2)
	}

	os.Exit(run(*configPath, *scratchpadPath, prompt))
}

func run(configPath, scratchpadPath, prompt string) int {
	config.LoadEnv(".env")

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "ralph")
	_ = os.MkdirAll(cacheDir, 0o755)

	if f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	cfg, warnings, err := config.Load(configPath, knownBackends)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: config error: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		log.Printf("[RALPH] WARNING: %s: %s", w.Kind, w.Message)
	}

	registry := cfg.Registry

	logPath := filepath.Join(cacheDir, "events.jsonl")
	elog, err := eventlog.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: cannot open event log: %v\n", err)
		return 1
	}
	defer elog.Close()

	var resolver bus.Resolver
	if registry != nil {
		resolver = registry
	} else {
		resolver = soloResolver{}
	}
	b := bus.New(resolver, elog)

	coord := coordinator.New(coordinator.Config{
		CompletionToken: cfg.CompletionToken,
		StartingEvent:   cfg.StartingEvent,
		ScratchpadPath:  scratchpadPath,
		Guardrails:      cfg.Guardrails,
	}, registry)

	hist, err := history.Open(filepath.Join(cacheDir, "history.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: cannot open history store: %v\n", err)
		return 1
	}
	defer hist.Close()

	executor := ptyexec.New()
	executor.IdleTimeout = cfg.IdleTimeout

	lp := loop.New(loop.Config{
		UserPrompt:         prompt,
		ScratchpadPath:     scratchpadPath,
		IdleTimeout:        cfg.IdleTimeout,
		MaxIterations:      cfg.MaxIterations,
		CoordinatorBackend: cfg.Backend,
	}, b, registry, coord, executor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[RALPH] signal received, cancelling run")
		cancel()
	}()

	startedAt := time.Now()
	result, err := lp.Run(ctx)
	hist.Record(history.RunRecord{
		StartedAt:         startedAt,
		Reason:            result.Reason,
		Iterations:        result.Iterations,
		DurationMs:        result.Duration.Milliseconds(),
		ScratchpadExisted: result.ScratchpadExisted,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: run error: %v\n", err)
		return 1
	}

	fmt.Printf("ralph: %s after %d iteration(s) in %s\n", result.Reason, result.Iterations, result.Duration.Round(time.Millisecond))
	if result.Reason != loop.TerminationCompleted {
		return 1
	}
	return 0
}

// soloResolver is used when no hats are configured: every topic is
// unclaimed, so the EventLoop always selects the Coordinator.
type soloResolver struct{}

func (soloResolver) Resolve(topic.Topic) (events.HatId, events.RouteOutcome, []events.HatId) {
	return "", events.RouteUnclaimed, nil
}
