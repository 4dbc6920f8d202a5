// Package backendspec models the backend-spec tagged variant and the
// spawner contract the core needs from a coding-CLI backend. It deliberately
// stays a plain data type plus a minimal interface — a tagged variant, not a
// polymorphic object hierarchy — so the StreamParser and PtyExecutor can
// switch on a couple of fields instead of doing virtual dispatch.
//
// Concrete per-CLI flag shapes aren't something this package tries to get
// perfectly right for every release of every backend; NamedDefault below
// supplies a reasonable default spawner for each named backend, grounded in
// the teacher's own external-CLI invocation in
// internal/roles/planner/planner.go (runCC: os/exec, prompt via env var,
// trimmed/truncated output) and in the "ralph-cli" lineage file's
// claudeArgs() (output-format=stream-json, positional prompt flag).
package backendspec

import (
	"fmt"
	"os"
	"unicode/utf8"
)

// Named is the set of backend CLIs this spec names directly.
type Named string

const (
	NamedClaude Named = "claude"
	NamedKiro   Named = "kiro"
	NamedGemini Named = "gemini"
	NamedCodex  Named = "codex"
	NamedAmp    Named = "amp"
)

// PromptMode selects how the prompt reaches the child process.
type PromptMode string

const (
	PromptModeArg   PromptMode = "arg"
	PromptModeStdin PromptMode = "stdin"
)

// OutputFormat selects which StreamParser mode reads the child's output.
type OutputFormat string

const (
	OutputText       OutputFormat = "text"
	OutputStreamJSON OutputFormat = "stream_json"
)

// DefaultLargePromptThreshold is the code-point count above which, when
// PromptMode is Arg, the PtyExecutor switches to the temp-file fallback.
const DefaultLargePromptThreshold = 7000

// Spec fully describes one backend: its launch command, how the prompt is
// delivered, and which StreamParser mode reads its output. It is resolved
// once at run start and never mutated.
type Spec struct {
	Name                 string
	Command              string
	Args                 []string
	PromptMode           PromptMode
	PromptFlag           string // used when PromptMode == Arg; "" means append as a bare positional arg
	OutputFormat         OutputFormat
	LargePromptThreshold int // code points; 0 means DefaultLargePromptThreshold
}

// Threshold returns the effective large-prompt threshold for s.
func (s Spec) Threshold() int {
	if s.LargePromptThreshold > 0 {
		return s.LargePromptThreshold
	}
	return DefaultLargePromptThreshold
}

// ExceedsThreshold reports whether prompt's code-point length exceeds s's
// large-prompt threshold. Only meaningful when PromptMode == PromptModeArg.
func (s Spec) ExceedsThreshold(prompt string) bool {
	return utf8.RuneCountInString(prompt) > s.Threshold()
}

// NamedDefault returns the built-in Spec for one of the five named backends.
// These are reasonable, unexciting defaults; a config's `backend:` block can
// always override Command/Args/PromptFlag/OutputFormat.
func NamedDefault(n Named) Spec {
	switch n {
	case NamedClaude:
		return Spec{
			Name:         string(n),
			Command:      "claude",
			Args:         []string{"-p", "--output-format=stream-json", "--verbose"},
			PromptMode:   PromptModeArg,
			OutputFormat: OutputStreamJSON,
		}
	case NamedKiro:
		return Spec{
			Name:         string(n),
			Command:      "kiro",
			Args:         []string{"run"},
			PromptMode:   PromptModeStdin,
			OutputFormat: OutputStreamJSON,
		}
	case NamedGemini:
		return Spec{
			Name:         string(n),
			Command:      "gemini",
			Args:         []string{"-p"},
			PromptMode:   PromptModeArg,
			OutputFormat: OutputText,
		}
	case NamedCodex:
		return Spec{
			Name:         string(n),
			Command:      "codex",
			Args:         []string{"exec", "--json"},
			PromptMode:   PromptModeArg,
			OutputFormat: OutputStreamJSON,
		}
	case NamedAmp:
		return Spec{
			Name:         string(n),
			Command:      "amp",
			Args:         nil,
			PromptMode:   PromptModeStdin,
			OutputFormat: OutputText,
		}
	default:
		return Spec{}
	}
}

// KiroWithAgent builds the kiro-with-agent BackendSpec variant: the kiro CLI
// invoked with a named agent profile and arbitrary extra arguments.
func KiroWithAgent(agent string, extraArgs []string) Spec {
	s := NamedDefault(NamedKiro)
	s.Args = append([]string{"run", "--agent", agent}, extraArgs...)
	return s
}

// Spawner is the only surface the core requires from a backend adapter.
// Implementations decide how to turn a resolved prompt string into a
// concrete command line.
type Spawner interface {
	// BuildCommand returns the program to exec, its arguments, an optional
	// payload to write to the child's stdin, and any temp files the
	// PtyExecutor must delete once the child exits.
	BuildCommand(prompt string) (program string, args []string, stdinPayload []byte, tempFiles []string, err error)
}

// DefaultSpawner is the Spec-driven Spawner used when a hat or the
// Coordinator doesn't need anything fancier. It owns the large-prompt
// fallback decision: over the configured threshold, with PromptMode == Arg,
// it writes the prompt to a private temp file and passes the backend a file
// reference instead of inlining the text — mirroring the teacher's runCC,
// which passed the prompt through an environment variable rather than
// risking an arg-length limit, adapted here to a temp file so the prompt
// never has to fit on a single command line.
type DefaultSpawner struct {
	Spec Spec

	// TempDir overrides os.TempDir for temp-file placement; empty means the
	// default system temp directory. Exists so tests can point it at a
	// throwaway directory.
	TempDir string

	// writeTempPrompt is swappable in tests; defaults to writing a real file.
	writeTempPrompt func(dir, prompt string) (path string, err error)
}

// BuildCommand implements Spawner.
func (d DefaultSpawner) BuildCommand(prompt string) (string, []string, []byte, []string, error) {
	args := append([]string(nil), d.Spec.Args...)

	switch d.Spec.PromptMode {
	case PromptModeStdin:
		return d.Spec.Command, args, []byte(prompt), nil, nil

	case PromptModeArg:
		if d.Spec.ExceedsThreshold(prompt) {
			path, err := d.writePrompt(prompt)
			if err != nil {
				return "", nil, nil, nil, err
			}
			args = appendPromptArg(args, d.Spec.PromptFlag, "@"+path)
			return d.Spec.Command, args, nil, []string{path}, nil
		}
		args = appendPromptArg(args, d.Spec.PromptFlag, prompt)
		return d.Spec.Command, args, nil, nil, nil

	default:
		return d.Spec.Command, args, []byte(prompt), nil, nil
	}
}

func appendPromptArg(args []string, flag, value string) []string {
	if flag != "" {
		return append(args, flag, value)
	}
	return append(args, value)
}

func (d DefaultSpawner) writePrompt(prompt string) (string, error) {
	if d.writeTempPrompt != nil {
		return d.writeTempPrompt(d.TempDir, prompt)
	}
	return writeTempPromptFile(d.TempDir, prompt)
}

// writeTempPromptFile writes prompt to a new file under dir (os.TempDir if
// dir == "") and returns its path. The PtyExecutor owns deleting this file
// once the child exits, on every exit path.
func writeTempPromptFile(dir, prompt string) (string, error) {
	f, err := os.CreateTemp(dir, "ralph-prompt-*.txt")
	if err != nil {
		return "", fmt.Errorf("backendspec: create temp prompt file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(prompt); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("backendspec: write temp prompt file: %w", err)
	}
	return f.Name(), nil
}
