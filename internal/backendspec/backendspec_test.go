package backendspec

import (
	"os"
	"strings"
	"testing"
)

// Expectations:
//   - A small Arg-mode prompt is inlined behind PromptFlag, no temp file
func TestDefaultSpawner_BuildCommand_ArgModeSmallPrompt(t *testing.T) {
	spec := Spec{Command: "claude", Args: []string{"-p"}, PromptMode: PromptModeArg, PromptFlag: "--prompt"}
	d := DefaultSpawner{Spec: spec}

	program, args, stdin, temps, err := d.BuildCommand("do the thing")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if program != "claude" {
		t.Errorf("got program %q, want claude", program)
	}
	want := []string{"-p", "--prompt", "do the thing"}
	if !equalStrings(args, want) {
		t.Errorf("got args %v, want %v", args, want)
	}
	if stdin != nil {
		t.Errorf("expected no stdin payload, got %q", stdin)
	}
	if len(temps) != 0 {
		t.Errorf("expected no temp files, got %v", temps)
	}
}

// Expectations:
//   - A prompt over the threshold in Arg mode is written to a temp file and
//     referenced with an "@path" argument; the path is returned in tempFiles
//     for the PtyExecutor to clean up
func TestDefaultSpawner_BuildCommand_ArgModeLargePromptUsesTempFile(t *testing.T) {
	spec := Spec{Command: "claude", PromptMode: PromptModeArg, PromptFlag: "--prompt", LargePromptThreshold: 10}
	dir := t.TempDir()
	d := DefaultSpawner{Spec: spec, TempDir: dir}

	prompt := "this prompt is definitely longer than ten code points"
	program, args, stdin, temps, err := d.BuildCommand(prompt)
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if program != "claude" {
		t.Errorf("got program %q, want claude", program)
	}
	if stdin != nil {
		t.Errorf("expected no stdin payload, got %q", stdin)
	}
	if len(temps) != 1 {
		t.Fatalf("expected exactly one temp file, got %v", temps)
	}
	if !strings.HasPrefix(temps[0], dir) {
		t.Errorf("temp file %q not under configured dir %q", temps[0], dir)
	}
	if len(args) != 2 || args[0] != "--prompt" || args[1] != "@"+temps[0] {
		t.Errorf("got args %v, want [--prompt @%s]", args, temps[0])
	}

	data, err := os.ReadFile(temps[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != prompt {
		t.Errorf("temp file contents = %q, want %q", data, prompt)
	}
}

// Expectations:
//   - Stdin mode never touches args; the prompt is returned as stdinPayload
func TestDefaultSpawner_BuildCommand_StdinMode(t *testing.T) {
	spec := Spec{Command: "kiro", Args: []string{"run"}, PromptMode: PromptModeStdin}
	d := DefaultSpawner{Spec: spec}

	program, args, stdin, temps, err := d.BuildCommand("hello")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if program != "kiro" {
		t.Errorf("got program %q, want kiro", program)
	}
	if !equalStrings(args, []string{"run"}) {
		t.Errorf("got args %v, want [run]", args)
	}
	if string(stdin) != "hello" {
		t.Errorf("got stdin %q, want hello", stdin)
	}
	if len(temps) != 0 {
		t.Errorf("expected no temp files, got %v", temps)
	}
}

// Expectations:
//   - A bare positional prompt arg is appended when PromptFlag is empty
func TestDefaultSpawner_BuildCommand_NoPromptFlagAppendsBare(t *testing.T) {
	spec := Spec{Command: "gemini", Args: []string{"-p"}, PromptMode: PromptModeArg}
	d := DefaultSpawner{Spec: spec}

	_, args, _, _, err := d.BuildCommand("hi")
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if !equalStrings(args, []string{"-p", "hi"}) {
		t.Errorf("got args %v, want [-p hi]", args)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
