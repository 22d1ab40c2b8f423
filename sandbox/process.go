package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// ProcessRunner implements Runner by starting the guest as a host
// subprocess. It isolates through process groups, rlimits and an optional
// unprivileged uid only, so it is a degraded fallback for hosts without a
// container runtime.
type ProcessRunner struct {
	logger    *zap.Logger
	cmdRunner CommandRunner
	runAs     *RunAs
	path      string
}

// ProcessRunnerOption defines a functional option for ProcessRunner
type ProcessRunnerOption func(*ProcessRunner)

// WithProcessCommandRunner sets the CommandRunner for ProcessRunner
func WithProcessCommandRunner(cmdRunner CommandRunner) ProcessRunnerOption {
	return func(r *ProcessRunner) {
		r.cmdRunner = cmdRunner
	}
}

// WithProcessRunAs starts guests under uid and gid.
func WithProcessRunAs(uid, gid int) ProcessRunnerOption {
	return func(r *ProcessRunner) {
		r.runAs = &RunAs{UID: uint32(uid), GID: uint32(gid)} //nolint:gosec // validated ids
	}
}

// WithProcessPath sets the PATH visible to guests.
func WithProcessPath(path string) ProcessRunnerOption {
	return func(r *ProcessRunner) {
		r.path = path
	}
}

// NewProcessRunner creates a new ProcessRunner with default implementations and optional interfaces
func NewProcessRunner(logger *zap.Logger, opts ...ProcessRunnerOption) *ProcessRunner {
	r := &ProcessRunner{
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
		path:      os.Getenv("PATH"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.path == "" {
		r.path = defaultPath
	}
	return r
}

// Name returns the backend name.
func (*ProcessRunner) Name() string {
	return BackendProcess
}

// DropsPrivileges reports whether guests run under a separate uid.
func (r *ProcessRunner) DropsPrivileges() bool {
	return r.runAs != nil
}

// Open prepares a session. Nothing is started until Exec.
//
//nolint:gocritic // Profile is read-only and passed by value
func (r *ProcessRunner) Open(_ context.Context, a *Artifact, p Profile, limits Limits) (Session, error) {
	return &processSession{
		runner:   r,
		artifact: a,
		profile:  p,
		limits:   limits,
	}, nil
}

// Close is a no-op; sessions own no shared resources.
func (*ProcessRunner) Close() error {
	return nil
}

type processSession struct {
	runner   *ProcessRunner
	artifact *Artifact
	profile  Profile
	limits   Limits

	mu     sync.Mutex
	closed bool
}

func (s *processSession) Exec(ctx context.Context, phase Phase) (PhaseResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return PhaseResult{}, ErrSessionClosed
	}

	paths := s.artifact.Paths()
	argv := s.profile.Argv(phase.Kind, paths)
	if len(argv) == 0 {
		return PhaseResult{}, fmt.Errorf("language %s has no %s command", s.profile.Language, phase.Kind)
	}

	cmd := Command{
		Args:           argv,
		Env:            s.environ(paths),
		Dir:            paths.Dir,
		Stdin:          bytes.NewReader(phase.Stdin),
		Timeout:        phase.Timeout,
		MaxOutputBytes: s.limits.MaxOutputBytes,
		RunAs:          s.runner.runAs,
		Rlimits:        s.rlimits(phase.Timeout),
		Contain:        true,
	}

	s.runner.logger.Debug("starting guest process",
		zap.String("language", s.profile.Language),
		zap.String("phase", string(phase.Kind)),
		zap.Strings("argv", argv),
	)

	res, err := s.runner.cmdRunner.Run(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("%s phase: %w", phase.Kind, err)
	}
	return res, nil
}

func (s *processSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// environ builds a minimal environment; nothing is inherited from the server
// except PATH.
func (s *processSession) environ(paths Paths) []string {
	env := []string{
		"PATH=" + s.runner.path,
		"HOME=" + paths.Dir,
		"TMPDIR=" + paths.Dir,
		"LANG=C.UTF-8",
	}
	return append(env, s.profile.Environ(paths)...)
}

//nolint:gosec // limits are validated non-negative
func (s *processSession) rlimits(timeout time.Duration) *Rlimits {
	rl := &Rlimits{
		AddressSpace: uint64(s.limits.MemoryMB) << 20,
		OpenFiles:    uint64(s.limits.MaxOpenFiles),
		Processes:    uint64(s.limits.MaxProcesses),
		FileSize:     uint64(s.limits.MaxFileSizeMB) << 20,
	}
	if timeout > 0 {
		rl.CPUSeconds = uint64((timeout + time.Second - 1) / time.Second)
	}
	return rl
}
