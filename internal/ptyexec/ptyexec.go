// Package ptyexec implements the PtyExecutor: it spawns a backend CLI
// attached to a pseudo-terminal, shuttles bytes in both directions, and
// enforces idle-timeout, cancellation, and graceful-then-forcible shutdown.
//
// The PTY plumbing (pty.StartWithSize, a dedicated reader goroutine writing
// into a shared buffer, a cancel-then-Kill-then-Wait Close sequence) is
// grounded in termtest.Console from the joeycumines-go-utilpkg prompt
// example — the only repo in the retrieved pack that talks to creack/pty —
// adapted from a test-harness console into a one-shot, observe-until-exit
// executor. The graceful-kill-with-timeout shape follows the teacher's runCC
// in internal/roles/planner/planner.go.
package ptyexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/titan/ralph-orchestrator/internal/backendspec"
	"github.com/titan/ralph-orchestrator/internal/events"
	"github.com/titan/ralph-orchestrator/internal/streamparser"
)

// DefaultIdleTimeout is the default PTY idle timeout.
const DefaultIdleTimeout = 120 * time.Second

// GracePeriod is how long the executor waits after a graceful signal before
// escalating to SIGKILL.
const GracePeriod = 5 * time.Second

// readChunkSize is the buffer size used for each PTY master read.
const readChunkSize = 4096

// TerminationReason explains why run_observe returned.
type TerminationReason string

const (
	TerminationExited      TerminationReason = "exited"
	TerminationIdleTimeout TerminationReason = "idle_timeout"
	TerminationCancelled   TerminationReason = "cancelled"
)

// ErrZombieChild is returned when the child refuses to die even after a
// force-kill escalation. The caller may continue; a diagnostic has already
// been logged.
var ErrZombieChild = errors.New("ptyexec: child did not exit after force kill")

// ExecutionResult is returned by RunObserve.
type ExecutionResult struct {
	ExitCode          int
	Duration          time.Duration
	TotalBytes        int64
	TerminationReason TerminationReason
}

// Executor spawns and supervises one backend CLI child process per
// RunObserve call. An Executor is not reused across concurrent children:
// the EventLoop that drives it is single-threaded at the control level, so
// this mirrors that by keeping no persistent child-specific state between
// calls.
type Executor struct {
	// IdleTimeout overrides DefaultIdleTimeout when non-zero.
	IdleTimeout time.Duration
}

// New returns an Executor with the default idle timeout.
func New() *Executor {
	return &Executor{IdleTimeout: DefaultIdleTimeout}
}

func (e *Executor) idleTimeout() time.Duration {
	if e.IdleTimeout > 0 {
		return e.IdleTimeout
	}
	return DefaultIdleTimeout
}

// RunObserve spawns spawner's command inside a PTY, feeds its output to a
// StreamParser selected by format, and invokes handler.OnEvent for every
// AgentEvent produced. It blocks until the child exits, is idle-timed-out, or
// ctx is cancelled, and joins every worker goroutine before returning.
//
// Every temp file spawner.BuildCommand returns is deleted before RunObserve
// returns, on every exit path, regardless of why the spawner created it.
func (e *Executor) RunObserve(ctx context.Context, spawner backendspec.Spawner, format backendspec.OutputFormat, prompt string, handler streamparser.Handler) (ExecutionResult, error) {
	program, args, stdinPayload, tempFiles, err := spawner.BuildCommand(prompt)
	defer cleanupTempFiles(tempFiles)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("ptyexec: build command: %w", err)
	}

	start := time.Now()

	cmd := exec.Command(program, args...)
	cmd.Env = os.Environ()

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("ptyexec: start pty: %w", err)
	}
	defer ptm.Close()

	if len(stdinPayload) > 0 {
		if _, werr := ptm.Write(stdinPayload); werr != nil {
			log.Printf("[PTYEXEC] WARNING: failed writing stdin payload: %v", werr)
		}
	}

	parser := streamparser.New(format, handler)

	var (
		mu         sync.Mutex
		totalBytes int64
	)
	idleReset := make(chan struct{}, 1)
	readDone := make(chan error, 1)

	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, rerr := ptm.Read(buf)
			if n > 0 {
				mu.Lock()
				totalBytes += int64(n)
				mu.Unlock()
				parser.Write(buf[:n])
				select {
				case idleReset <- struct{}{}:
				default:
				}
			}
			if rerr != nil {
				readDone <- rerr
				return
			}
		}
	}()

	reason, waitErr := e.supervise(ctx, cmd, idleReset, readDone)
	parser.Close()

	exitCode := exitCodeOf(cmd, waitErr)

	mu.Lock()
	bytes := totalBytes
	mu.Unlock()

	result := ExecutionResult{
		ExitCode:          exitCode,
		Duration:          time.Since(start),
		TotalBytes:        bytes,
		TerminationReason: reason,
	}

	if reason != TerminationExited && !isProcessGone(cmd) {
		log.Printf("[PTYEXEC] WARNING: child pid=%d did not exit cleanly after %s", pidOf(cmd), reason)
		return result, ErrZombieChild
	}

	return result, nil
}

// supervise waits for the child to exit naturally, be idle-timed-out, or be
// cancelled via ctx, escalating from a graceful signal to SIGKILL after
// GracePeriod in the latter two cases.
func (e *Executor) supervise(ctx context.Context, cmd *exec.Cmd, idleReset <-chan struct{}, readDone <-chan error) (TerminationReason, error) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timer := time.NewTimer(e.idleTimeout())
	defer timer.Stop()

	for {
		select {
		case err := <-exited:
			<-readDone
			return TerminationExited, err

		case <-ctx.Done():
			e.killGracefully(cmd)
			err := <-exited
			<-readDone
			return TerminationCancelled, err

		case <-timer.C:
			e.killGracefully(cmd)
			err := <-exited
			<-readDone
			return TerminationIdleTimeout, err

		case <-idleReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.idleTimeout())
		}
	}
}

// killGracefully sends SIGTERM, waits up to GracePeriod, then SIGKILLs.
func (e *Executor) killGracefully(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		// best-effort poll; cmd.Wait() is owned by the caller's goroutine, so
		// this only exists to bound how long we wait before force-killing.
		for i := 0; i < int(GracePeriod/(50*time.Millisecond)); i++ {
			if isProcessGone(cmd) {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()
	<-done

	if !isProcessGone(cmd) {
		_ = cmd.Process.Kill()
	}
}

func isProcessGone(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return true
	}
	return cmd.Process.Signal(syscall.Signal(0)) != nil
}

func pidOf(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return -1
	}
	return cmd.Process.Pid
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func cleanupTempFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("[PTYEXEC] WARNING: failed to remove temp prompt file %s: %v", p, err)
		}
	}
}
