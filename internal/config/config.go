// Package config loads and validates the YAML configuration file: the
// chosen CLI backend, event-loop thresholds, the hat topology, and
// guardrail text.
//
// Loading follows the teacher's layering in cmd/agsh/main.go: a best-effort
// `.env` load via github.com/joho/godotenv for backend API keys, then a
// single YAML document via gopkg.in/yaml.v3, then validation that collects
// every problem instead of stopping at the first — extending the same
// collect-don't-short-circuit style hats.NewRegistry already uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/hats"
	"github.com/titan/ralph-orchestrator/internal/loop"
	"github.com/titan/ralph-orchestrator/internal/topic"
)

// backendAutoDetectOrder is the order "auto" probes PATH for an available
// backend CLI. Unexciting and overridable — the concrete per-CLI flag shape
// isn't this package's concern, this just picks which default to start
// from.
var backendAutoDetectOrder = []backendspec.Named{
	backendspec.NamedClaude,
	backendspec.NamedGemini,
	backendspec.NamedCodex,
	backendspec.NamedKiro,
	backendspec.NamedAmp,
}

// lookPath is overridable in tests so "auto" detection doesn't depend on
// what's actually installed on the machine running the test suite.
var lookPath = exec.LookPath

// yamlDoc mirrors the recognized top-level config keys for unmarshaling.
type yamlDoc struct {
	CLI struct {
		Backend string `yaml:"backend"`
	} `yaml:"cli"`
	EventLoop struct {
		CompletionPromise string `yaml:"completion_promise"`
		MaxIterations     int    `yaml:"max_iterations"`
		StartingEvent     string `yaml:"starting_event"`
		IdleTimeoutSecs   int    `yaml:"idle_timeout_seconds"`
	} `yaml:"event_loop"`
	Hats       map[string]hatYAML `yaml:"hats"`
	Guardrails string             `yaml:"guardrails"`
}

type hatYAML struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Triggers         []string `yaml:"triggers"`
	Publishes        []string `yaml:"publishes"`
	DefaultPublishes string   `yaml:"default_publishes"`
	Backend          string   `yaml:"backend"`
	Instructions     string   `yaml:"instructions"`
	RequiredEvidence []string `yaml:"required_evidence"`
}

// Config is the fully resolved, validated configuration a run is built from.
type Config struct {
	Backend         backendspec.Spec
	CompletionToken string
	MaxIterations   uint32
	StartingEvent   topic.Topic
	IdleTimeout     time.Duration
	Hats            []hats.Hat
	Guardrails      string

	// Registry is nil when Hats is empty (solo mode); otherwise it is the
	// already-validated topology, ready to hand to bus.New and
	// coordinator.New without constructing it a second time.
	Registry *hats.Registry
}

// InvalidError is a joined set of configuration problems, returned together
// so a user can fix every one of them in a single pass rather than
// discovering them one at a time.
type InvalidError struct {
	Problems []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config: %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// LoadEnv best-effort loads a .env file for backend API keys. Mirrors the
// teacher's `_ = godotenv.Load(".env")` in cmd/agsh/main.go: a missing or
// malformed .env is never fatal, since most environments set these vars
// directly.
func LoadEnv(path string) {
	_ = godotenv.Load(path)
}

// Load reads the YAML file at path, resolves defaults, and validates it.
// known is the set of backend names the run recognizes, passed through to
// hats.NewRegistry for per-hat backend validation.
func Load(path string, known []backendspec.Named) (*Config, []hats.Warning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc yamlDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var problems []string

	backend, berr := resolveBackend(doc.CLI.Backend)
	if berr != nil {
		problems = append(problems, berr.Error())
	}

	completionToken := doc.EventLoop.CompletionPromise
	if completionToken == "" {
		completionToken = coordinatorDefaultCompletionToken()
	}

	maxIterations := doc.EventLoop.MaxIterations
	if maxIterations == 0 {
		maxIterations = loop.DefaultMaxIterations
	} else if maxIterations < 0 {
		problems = append(problems, fmt.Sprintf("event_loop.max_iterations must be positive, got %d", maxIterations))
	}

	idleSecs := doc.EventLoop.IdleTimeoutSecs
	if idleSecs == 0 {
		idleSecs = 120
	} else if idleSecs < 0 {
		problems = append(problems, fmt.Sprintf("event_loop.idle_timeout_seconds must be positive, got %d", idleSecs))
	}

	hs, hatErrs := convertHats(doc.Hats)
	problems = append(problems, hatErrs...)

	if len(problems) > 0 {
		return nil, nil, &InvalidError{Problems: problems}
	}

	registry, warnings, err := hats.NewRegistry(known, hs)
	if err != nil {
		return nil, warnings, fmt.Errorf("config: %w", err)
	}
	if len(hs) == 0 {
		registry = nil // solo mode: no hats configured at all
	}

	cfg := &Config{
		Backend:         backend,
		CompletionToken: completionToken,
		MaxIterations:   uint32(maxIterations),
		StartingEvent:   topic.Topic(doc.EventLoop.StartingEvent),
		IdleTimeout:     time.Duration(idleSecs) * time.Second,
		Hats:            hs,
		Guardrails:      doc.Guardrails,
		Registry:        registry,
	}
	return cfg, warnings, nil
}

func coordinatorDefaultCompletionToken() string {
	return "LOOP_COMPLETE"
}

func resolveBackend(name string) (backendspec.Spec, error) {
	if name == "" || name == "auto" {
		for _, n := range backendAutoDetectOrder {
			if _, err := lookPath(string(n)); err == nil {
				return backendspec.NamedDefault(n), nil
			}
		}
		return backendspec.Spec{}, errors.New(`cli.backend: "auto" found no known backend CLI on PATH`)
	}
	n := backendspec.Named(name)
	if !isKnownName(n) {
		return backendspec.Spec{}, fmt.Errorf("cli.backend: unknown backend %q", name)
	}
	return backendspec.NamedDefault(n), nil
}

func isKnownName(n backendspec.Named) bool {
	switch n {
	case backendspec.NamedClaude, backendspec.NamedKiro, backendspec.NamedGemini, backendspec.NamedCodex, backendspec.NamedAmp:
		return true
	default:
		return false
	}
}

func convertHats(m map[string]hatYAML) ([]hats.Hat, []string) {
	var out []hats.Hat
	var problems []string
	for id, h := range m {
		var backend backendspec.Spec
		if h.Backend != "" {
			n := backendspec.Named(h.Backend)
			if !isKnownName(n) {
				problems = append(problems, fmt.Sprintf("hats.%s.backend: unknown backend %q", id, h.Backend))
			} else {
				backend = backendspec.NamedDefault(n)
			}
		}

		var defaultPublishes *topic.Topic
		if h.DefaultPublishes != "" {
			t := topic.Topic(h.DefaultPublishes)
			defaultPublishes = &t
		}

		out = append(out, hats.Hat{
			ID:               events.HatId(id),
			Name:             h.Name,
			Description:      h.Description,
			Triggers:         toPatterns(h.Triggers),
			Publishes:        toTopics(h.Publishes),
			DefaultPublishes: defaultPublishes,
			Backend:          backend,
			Instructions:     h.Instructions,
			RequiredEvidence: h.RequiredEvidence,
		})
	}
	return out, problems
}

func toPatterns(ss []string) []topic.Pattern {
	if len(ss) == 0 {
		return nil
	}
	out := make([]topic.Pattern, len(ss))
	for i, s := range ss {
		out[i] = topic.Pattern(s)
	}
	return out
}

func toTopics(ss []string) []topic.Topic {
	if len(ss) == 0 {
		return nil
	}
	out := make([]topic.Topic, len(ss))
	for i, s := range ss {
		out[i] = topic.Topic(s)
	}
	return out
}
