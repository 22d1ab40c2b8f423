package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// cliTimeout bounds container management commands (run, kill, rm, inspect).
const cliTimeout = 30 * time.Second

// PodmanRunner implements Runner by driving a Docker-compatible container
// CLI (podman by default) through argument vectors. It applies the same
// isolation policy as DockerRunner.
type PodmanRunner struct {
	logger    *zap.Logger
	runtime   string
	config    ContainerConfig
	cmdRunner CommandRunner
}

// PodmanRunnerOption defines a functional option for PodmanRunner
type PodmanRunnerOption func(*PodmanRunner)

// WithPodmanCommandRunner sets the CommandRunner for PodmanRunner
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanRunnerOption {
	return func(p *PodmanRunner) {
		p.cmdRunner = cmdRunner
	}
}

// NewPodmanRunner creates a new PodmanRunner with default implementations and optional interfaces
func NewPodmanRunner(logger *zap.Logger, runtime string, config ContainerConfig, opts ...PodmanRunnerOption) *PodmanRunner {
	if runtime == "" {
		runtime = BackendPodman
	}
	p := &PodmanRunner{
		logger:    logger,
		runtime:   runtime,
		config:    config,
		cmdRunner: &RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the backend name.
func (*PodmanRunner) Name() string {
	return BackendPodman
}

// Ping checks that the runtime answers.
func (p *PodmanRunner) Ping(ctx context.Context) error {
	res, err := p.run(ctx, p.runtime, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s version: %s", ErrBackendUnavailable, p.runtime, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Open starts the request container in the background.
//
//nolint:gocritic // Profile is read-only and passed by value
func (p *PodmanRunner) Open(ctx context.Context, a *Artifact, prof Profile, limits Limits) (Session, error) {
	if prof.Image == "" {
		return nil, fmt.Errorf("language %s has no container image", prof.Language)
	}

	name := containerPrefix + xid.New().String()
	args := p.runArgs(name, a.Dir, prof, limits)

	res, err := p.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	if res.ExitCode != 0 {
		// run -d may leave a created container behind
		_ = p.remove(name)
		return nil, fmt.Errorf("failed to start container: %s", strings.TrimSpace(res.Stderr))
	}

	p.logger.Debug("container started",
		zap.String("container", name),
		zap.String("image", prof.Image),
		zap.String("language", prof.Language),
	)

	return &podmanSession{
		runner:   p,
		name:     name,
		profile:  prof,
		limits:   limits,
		artifact: a,
	}, nil
}

// Close is a no-op; containers are removed by their sessions.
func (*PodmanRunner) Close() error {
	return nil
}

//nolint:gocritic // Profile is read-only and passed by value
func (p *PodmanRunner) runArgs(name, dir string, prof Profile, limits Limits) []string {
	args := []string{
		p.runtime, "run", "-d",
		"--name", name,
		"--label", labelManaged + "=true",
		"--label", labelLanguage + "=" + prof.Language,
		"--read-only",
		"--tmpfs", "/tmp:" + guestTmpfs,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"-v", dir + ":" + GuestDir,
		"--workdir", GuestDir,
		"--entrypoint", "sleep",
	}

	if limits.Network {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if p.config.User != "" {
		args = append(args, "--user", p.config.User)
	}
	if limits.MemoryMB > 0 {
		mem := strconv.Itoa(limits.MemoryMB) + "m"
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(limits.CPUs, 'f', -1, 64))
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(limits.PidsLimit, 10))
	}
	if limits.MaxOpenFiles > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%d:%d", limits.MaxOpenFiles, limits.MaxOpenFiles))
	}
	if limits.MaxFileSizeMB > 0 {
		size := limits.MaxFileSizeMB << 20
		args = append(args, "--ulimit", fmt.Sprintf("fsize=%d:%d", size, size))
	}
	if p.config.PullImages {
		args = append(args, "--pull", "missing")
	} else {
		args = append(args, "--pull", "never")
	}

	return append(args, prof.Image, idleSeconds)
}

func (p *PodmanRunner) run(ctx context.Context, args ...string) (PhaseResult, error) {
	return p.cmdRunner.Run(ctx, Command{
		Args:           args,
		Timeout:        cliTimeout,
		MaxOutputBytes: 64 * 1024,
	})
}

// remove force-removes a container on a fresh context so cleanup survives
// caller cancellation.
func (p *PodmanRunner) remove(name string) error {
	res, err := p.run(context.Background(), p.runtime, "rm", "-f", name)
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to remove container %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

type podmanSession struct {
	runner   *PodmanRunner
	name     string
	profile  Profile
	limits   Limits
	artifact *Artifact

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func (s *podmanSession) Exec(ctx context.Context, phase Phase) (PhaseResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return PhaseResult{}, ErrSessionClosed
	}

	paths := guestPaths(s.artifact)
	argv := s.profile.Argv(phase.Kind, paths)
	if len(argv) == 0 {
		return PhaseResult{}, fmt.Errorf("language %s has no %s command", s.profile.Language, phase.Kind)
	}

	args := []string{s.runner.runtime, "exec", "-i", "--workdir", GuestDir}
	if s.runner.config.User != "" {
		args = append(args, "--user", s.runner.config.User)
	}
	for _, kv := range guestEnviron(s.profile, paths) {
		args = append(args, "--env", kv)
	}
	args = append(args, s.name)
	args = append(args, argv...)

	res, err := s.runner.cmdRunner.Run(ctx, Command{
		Args:           args,
		Stdin:          bytes.NewReader(phase.Stdin),
		Timeout:        phase.Timeout,
		MaxOutputBytes: s.limits.MaxOutputBytes,
	})
	if err != nil {
		return res, fmt.Errorf("%s phase: %w", phase.Kind, err)
	}

	if res.TimedOut || res.Canceled {
		// killing the CLI client does not stop the guest
		s.kill()
		res.ExitCode = exitKilled
		return res, nil
	}

	if res.ExitCode == exitKilled {
		res.Signal = syscall.SIGKILL
		res.OOMKilled = s.oomKilled()
	}
	return res, nil
}

func (s *podmanSession) kill() {
	res, err := s.runner.run(context.Background(), s.runner.runtime, "kill", "--signal", "KILL", s.name)
	if err != nil || res.ExitCode != 0 {
		s.runner.logger.Warn("failed to kill container",
			zap.String("container", s.name),
			zap.String("stderr", res.Stderr),
			zap.Error(err),
		)
	}
}

func (s *podmanSession) oomKilled() bool {
	res, err := s.runner.run(context.Background(), s.runner.runtime, "inspect", "--format", "{{.State.OOMKilled}}", s.name)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.TrimSpace(res.Stdout) == "true"
}

func (s *podmanSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.runner.remove(s.name)
	})
	return s.closeErr
}
