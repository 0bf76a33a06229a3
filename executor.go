package queuectl

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultCommandTimeout bounds the wall-clock runtime of a job command.
const DefaultCommandTimeout = 300 * time.Second

// pipeWaitDelay bounds how long a run waits for I/O pipes still held open by
// surviving child processes after the shell has exited or been killed.
const pipeWaitDelay = time.Second

// timeoutErrorMessage is the error message recorded when a command exceeds
// its timeout.
const timeoutErrorMessage = "Job execution timed out"

// unknownErrorMessage is recorded when a command fails without producing any
// output on stderr or stdout.
const unknownErrorMessage = "Unknown error"

// Executor runs a job's command as a shell invocation with a wall-clock
// timeout and classifies the outcome.
type Executor struct {
	// Timeout bounds each command run. Zero means DefaultCommandTimeout.
	Timeout time.Duration
}

// Run executes command via `sh -c` and returns nil when it exits 0.
// On failure the returned error's text is the message to record on the job:
// trimmed stderr, falling back to stdout, falling back to "Unknown error";
// a timeout yields "Job execution timed out"; a command that cannot be
// launched yields the launch error's description.
//
// The run is bounded only by the timeout: ctx carries values for the command
// environment, but cancelling the pool must not kill an in-flight command,
// so callers pass a context that outlives the stop signal.
func (e *Executor) Run(ctx context.Context, command string) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// The command runs in its own process group so a timeout kills the whole
	// tree, not just the shell; WaitDelay keeps a child that inherited the
	// pipes from blocking Wait past the shell's exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = pipeWaitDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return errors.New(timeoutErrorMessage)
	}

	// The shell exited cleanly but a background child kept the pipes open.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return errors.New(msg)
		}
		if msg := strings.TrimSpace(stdout.String()); msg != "" {
			return errors.New(msg)
		}
		return errors.New(unknownErrorMessage)
	}

	// Command could not be launched at all.
	return err
}
