package sandbox

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// Backend names accepted by sandbox.backend.
const (
	BackendDocker  = "docker"
	BackendPodman  = "podman"
	BackendProcess = "process"
)

// PhaseKind identifies the build or run step of an execution.
type PhaseKind string

const (
	PhaseCompile PhaseKind = "compile"
	PhaseRun     PhaseKind = "run"
)

// Phase is one command executed inside a session.
type Phase struct {
	Kind    PhaseKind
	Stdin   []byte
	Timeout time.Duration
}

// Limits are the resource limits applied to a session.
type Limits struct {
	MemoryMB       int
	CPUs           float64
	PidsLimit      int64
	MaxOpenFiles   int64
	MaxProcesses   int64
	MaxFileSizeMB  int64
	MaxOutputBytes int64
	Network        bool
}

// PhaseResult is the raw result of one phase.
type PhaseResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Signal    syscall.Signal
	TimedOut  bool
	OOMKilled bool
	Canceled  bool
	Truncated bool
	Duration  time.Duration
}

// RawResult holds the phases that ran for one request.
type RawResult struct {
	Compile *PhaseResult
	Run     *PhaseResult
}

// Runner opens isolated sessions for staged artifacts.
type Runner interface {
	// Name returns the backend name.
	Name() string
	// Open prepares an isolated environment for the artifact. The session
	// must be closed by the caller.
	Open(ctx context.Context, a *Artifact, p Profile, limits Limits) (Session, error)
	// Close releases backend resources.
	Close() error
}

// Session executes phases against one artifact. Exec returns an error only
// when the phase could not be started or observed; guest failures are
// reported through PhaseResult.
type Session interface {
	Exec(ctx context.Context, phase Phase) (PhaseResult, error)
	Close() error
}

// errWatchdog is the cancellation cause set when a phase deadline expires.
var errWatchdog = errors.New("phase deadline exceeded")

// watchdog derives the phase context. A zero timeout leaves ctx unbounded.
func watchdog(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, errWatchdog)
}

// stopReason reports whether phaseCtx ended because of the watchdog or
// because the caller canceled parent.
func stopReason(parent, phaseCtx context.Context) (timedOut, canceled bool) {
	if phaseCtx.Err() == nil {
		return false, false
	}
	if errors.Is(context.Cause(phaseCtx), errWatchdog) {
		return true, false
	}
	return false, parent.Err() != nil
}
