package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/scriptorium/config"
)

const pingTimeout = 5 * time.Second

// pinger is implemented by backends that can check their runtime.
type pinger interface {
	Ping(ctx context.Context) error
}

// factoryOptions hold test seams for NewRunner.
type factoryOptions struct {
	dockerAPI func() (DockerAPI, error)
	cmdRunner CommandRunner
	euid      func() int
}

// FactoryOption defines a functional option for NewRunner
type FactoryOption func(*factoryOptions)

// WithDockerAPI overrides how the Docker client is created.
func WithDockerAPI(newAPI func() (DockerAPI, error)) FactoryOption {
	return func(o *factoryOptions) {
		o.dockerAPI = newAPI
	}
}

// WithCommandRunner sets the CommandRunner for the CLI and process backends.
func WithCommandRunner(cmdRunner CommandRunner) FactoryOption {
	return func(o *factoryOptions) {
		o.cmdRunner = cmdRunner
	}
}

// WithEffectiveUID overrides the uid check that decides whether the process
// backend drops privileges.
func WithEffectiveUID(euid func() int) FactoryOption {
	return func(o *factoryOptions) {
		o.euid = euid
	}
}

// NewRunner creates the configured backend. A container backend that does
// not answer is replaced by the process backend only when
// sandbox.allow_process_fallback is set.
func NewRunner(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts ...FactoryOption) (Runner, error) {
	o := &factoryOptions{
		dockerAPI: func() (DockerAPI, error) { return NewDockerClient() },
		cmdRunner: &RealCommandRunner{},
		euid:      os.Geteuid,
	}
	for _, opt := range opts {
		opt(o)
	}

	containerCfg := ContainerConfig{
		User:       cfg.Sandbox.ContainerUser,
		PullImages: cfg.Sandbox.PullImages,
	}

	var (
		runner Runner
		err    error
	)
	switch cfg.Sandbox.Backend {
	case BackendDocker:
		runner, err = newDockerBackend(ctx, logger, cfg, containerCfg, o)
	case BackendPodman:
		p := NewPodmanRunner(logger, cfg.Sandbox.ContainerRuntime, containerCfg, WithPodmanCommandRunner(o.cmdRunner))
		runner, err = p, ping(ctx, p)
	case BackendProcess:
		if !cfg.Sandbox.EnableProcessBackend {
			return nil, fmt.Errorf("process backend is disabled")
		}
		return newProcessBackend(logger, cfg, o), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	if err == nil {
		return runner, nil
	}
	if runner != nil {
		_ = runner.Close()
	}
	if !cfg.Sandbox.AllowProcessFallback {
		return nil, err
	}

	logger.Warn("container backend unavailable, falling back to process backend",
		zap.String("backend", cfg.Sandbox.Backend),
		zap.Error(err),
	)
	return newProcessBackend(logger, cfg, o), nil
}

func newDockerBackend(ctx context.Context, logger *zap.Logger, cfg *config.Config, containerCfg ContainerConfig, o *factoryOptions) (Runner, error) {
	api, err := o.dockerAPI()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	d := NewDockerRunner(logger, api, containerCfg)
	if err := ping(ctx, d); err != nil {
		return d, err
	}

	if n, err := d.Sweep(ctx); err != nil {
		logger.Warn("failed to sweep stale containers", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed stale containers", zap.Int("count", n))
	}

	if containerCfg.PullImages {
		registry, err := NewRegistryFromConfig(cfg)
		if err != nil {
			return d, fmt.Errorf("failed to build language registry: %w", err)
		}
		d.Prefetch(registry.Images())
	}
	return d, nil
}

func newProcessBackend(logger *zap.Logger, cfg *config.Config, o *factoryOptions) *ProcessRunner {
	opts := []ProcessRunnerOption{WithProcessCommandRunner(o.cmdRunner)}
	if o.euid() == 0 {
		opts = append(opts, WithProcessRunAs(cfg.Sandbox.RunAsUID, cfg.Sandbox.RunAsGID))
	}
	logger.Warn("using the process backend; guests are not isolated by a container")
	return NewProcessRunner(logger, opts...)
}

func ping(ctx context.Context, p pinger) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// New builds a Sandbox from the configuration with the given runner.
func New(logger *zap.Logger, cfg *config.Config, runner Runner, opts ...Option) (*Sandbox, error) {
	registry, err := NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build language registry: %w", err)
	}

	shared := true
	if p, ok := runner.(*ProcessRunner); ok {
		shared = p.DropsPrivileges()
	}
	stager, err := NewStager(logger, cfg.Sandbox.WorkDir, WithSharedStaging(shared))
	if err != nil {
		return nil, err
	}

	settings := SettingsFromConfig(cfg)
	opts = append([]Option{WithAdmission(NewAdmission(cfg.Sandbox.MaxConcurrent, cfg.GetQueueTimeout()))}, opts...)

	return NewSandbox(logger, registry, stager, runner, settings, opts...), nil
}

// SettingsFromConfig derives the sandbox settings from the configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	sc := cfg.Sandbox
	return Settings{
		Limits: Limits{
			MemoryMB:       sc.MemoryMB,
			CPUs:           sc.CPUs,
			PidsLimit:      sc.PidsLimit,
			MaxOpenFiles:   sc.MaxOpenFiles,
			MaxProcesses:   sc.MaxProcesses,
			MaxFileSizeMB:  sc.MaxFileSizeMB,
			MaxOutputBytes: sc.MaxOutputBytes,
			Network:        sc.NetworkEnabled,
		},
		Timeout: cfg.GetTimeout(),
		Policy:  Policy{StderrIsFailure: sc.StderrIsFailure},
	}
}
