package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps draining pipes held open by
// descendants after the main process exited or was killed.
const waitDelay = 2 * time.Second

// Command is one host process invocation.
type Command struct {
	Args           []string
	Env            []string
	Dir            string
	Stdin          io.Reader
	Timeout        time.Duration
	MaxOutputBytes int64
	RunAs          *RunAs
	Rlimits        *Rlimits
	// Contain kills and reaps processes that left the command's process
	// group once the command finished. It makes the server a child
	// subreaper on first use.
	Contain bool
}

// RunAs is the uid and gid a command is started under.
type RunAs struct {
	UID uint32
	GID uint32
}

// Rlimits are per-process limits applied right after start. Zero values are
// left unset.
type Rlimits struct {
	CPUSeconds   uint64
	AddressSpace uint64
	OpenFiles    uint64
	Processes    uint64
	FileSize     uint64
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (PhaseResult, error)
}

// RealCommandRunner implements CommandRunner using actual exec commands. Each
// command runs in its own process group which is killed on timeout,
// cancellation and after exit.
type RealCommandRunner struct{}

// Run executes the command. The returned error is non-nil only when the
// process could not be started or waited for.
//
//nolint:gocritic // Command is passed by value to keep callers immutable
func (RealCommandRunner) Run(ctx context.Context, c Command) (PhaseResult, error) {
	if len(c.Args) < 1 {
		return PhaseResult{}, fmt.Errorf("no command provided")
	}

	runCtx, cancel := watchdog(ctx, c.Timeout)
	defer cancel()

	stdout := newCappedBuffer(c.MaxOutputBytes)
	stderr := newCappedBuffer(c.MaxOutputBytes)

	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...) //nolint:gosec // argv comes from the language table
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = processAttributes(c.RunAs)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay

	if c.Contain {
		if err := reaper.enable(); err != nil {
			return PhaseResult{}, fmt.Errorf("failed to become child subreaper: %w", err)
		}
	}

	start := time.Now()
	if err := reaper.start(cmd); err != nil {
		return PhaseResult{}, fmt.Errorf("failed to start %s: %w", c.Args[0], err)
	}
	pid := cmd.Process.Pid
	finish := func() {
		// descendants may still be alive in the group
		_ = killProcessGroup(pid)
		reaper.done(pid)
		if c.Contain {
			reaper.sweep(pid)
		}
	}

	if c.Rlimits != nil {
		if err := applyRlimits(pid, c.Rlimits); err != nil {
			_ = killProcessGroup(pid)
			_ = cmd.Wait()
			finish()
			return PhaseResult{}, fmt.Errorf("failed to apply resource limits: %w", err)
		}
	}

	waitErr := cmd.Wait()
	finish()

	res := PhaseResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}
	res.TimedOut, res.Canceled = stopReason(ctx, runCtx)

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal()
			res.ExitCode = 128 + int(ws.Signal())
		}
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// exited cleanly but a descendant held the pipes open
	case res.TimedOut || res.Canceled:
	default:
		return res, fmt.Errorf("failed to wait for %s: %w", c.Args[0], waitErr)
	}

	return res, nil
}

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest so the writer never blocks the guest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit <= 0 {
		return c.buf.Write(p)
	}

	remaining := c.limit - int64(c.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
