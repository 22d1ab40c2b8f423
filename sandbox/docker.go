package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Guest layout shared by the container backends.
const (
	GuestDir        = "/sandbox"
	guestTmpfs      = "rw,noexec,nosuid,size=64m"
	containerPrefix = "scriptorium-"
	labelManaged    = "scriptorium.managed"
	labelLanguage   = "scriptorium.language"
	idleSeconds     = "3600"
	cleanupTimeout  = 5 * time.Second
	// exit status of a container process terminated by SIGKILL
	exitKilled = 137
	// imagePullTimeout bounds one pull, shared by everyone waiting on it
	imagePullTimeout = 10 * time.Minute
	execPollInterval = 100 * time.Millisecond
)

// DockerAPI is the subset of the Docker Engine client used by DockerRunner.
// *client.Client satisfies it.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

var _ DockerAPI = (*client.Client)(nil)

// ContainerConfig holds the settings shared by the container backends.
type ContainerConfig struct {
	User       string
	PullImages bool
}

// DockerRunner implements Runner with one throwaway container per request,
// driven through the Docker Engine API. Each phase is an exec in that
// container.
type DockerRunner struct {
	logger *zap.Logger
	api    DockerAPI
	config ContainerConfig

	pullMu sync.Mutex
	pulls  map[string]*imagePull
}

// imagePull is one pull of an image reference. done is closed once err is
// set.
type imagePull struct {
	done chan struct{}
	err  error
}

// NewDockerClient connects to the daemon configured by the DOCKER_*
// environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// NewDockerRunner creates a DockerRunner on top of api.
func NewDockerRunner(logger *zap.Logger, api DockerAPI, config ContainerConfig) *DockerRunner {
	return &DockerRunner{
		logger: logger,
		api:    api,
		config: config,
		pulls:  make(map[string]*imagePull),
	}
}

// Name returns the backend name.
func (*DockerRunner) Name() string {
	return BackendDocker
}

// Ping checks that the daemon answers.
func (d *DockerRunner) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Sweep removes containers left behind by a previous server instance.
func (d *DockerRunner) Sweep(ctx context.Context) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := d.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("failed to remove stale container", zap.String("container", c.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Open creates and starts the request container with the staged directory
// mounted at GuestDir.
//
//nolint:gocritic // Profile is read-only and passed by value
func (d *DockerRunner) Open(ctx context.Context, a *Artifact, p Profile, limits Limits) (Session, error) {
	if p.Image == "" {
		return nil, fmt.Errorf("language %s has no container image", p.Language)
	}
	if err := d.ensureImage(ctx, p.Image); err != nil {
		return nil, err
	}

	name := containerPrefix + xid.New().String()
	cfg := &container.Config{
		Image:           p.Image,
		Entrypoint:      []string{"sleep"},
		Cmd:             []string{idleSeconds},
		User:            d.config.User,
		WorkingDir:      GuestDir,
		NetworkDisabled: !limits.Network,
		Labels: map[string]string{
			labelManaged:  "true",
			labelLanguage: p.Language,
		},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, d.hostConfig(a.Dir, limits), nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	s := &dockerSession{
		runner:   d,
		id:       resp.ID,
		profile:  p,
		limits:   limits,
		artifact: a,
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.Debug("container started",
		zap.String("container", name),
		zap.String("image", p.Image),
		zap.String("language", p.Language),
	)
	return s, nil
}

// Close closes the client connection.
func (d *DockerRunner) Close() error {
	return d.api.Close()
}

func (*DockerRunner) hostConfig(dir string, limits Limits) *container.HostConfig {
	hc := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: GuestDir,
		}},
		Tmpfs: map[string]string{"/tmp": guestTmpfs},
	}
	if limits.Network {
		hc.NetworkMode = "bridge"
	}

	res := &hc.Resources
	if limits.MemoryMB > 0 {
		res.Memory = int64(limits.MemoryMB) << 20
		res.MemorySwap = res.Memory
	}
	if limits.CPUs > 0 {
		res.NanoCPUs = int64(limits.CPUs * 1e9)
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		res.PidsLimit = &pids
	}
	for _, u := range []struct {
		name  string
		value int64
	}{
		// nproc is per uid across containers; PidsLimit bounds processes instead
		{"nofile", limits.MaxOpenFiles},
		{"fsize", limits.MaxFileSizeMB << 20},
	} {
		if u.value > 0 {
			res.Ulimits = append(res.Ulimits, &container.Ulimit{Name: u.name, Soft: u.value, Hard: u.value})
		}
	}
	return hc
}

// Prefetch starts pulling images in the background so the first request
// for a language does not wait for its image. It is a no-op unless pulling
// is enabled.
func (d *DockerRunner) Prefetch(images []string) {
	if !d.config.PullImages {
		return
	}
	for _, ref := range images {
		d.startPull(ref)
	}
}

// ensureImage waits for ref to be pulled. Pulls of different references run
// in parallel and a waiter gives up when ctx ends without stopping the pull.
func (d *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	if !d.config.PullImages {
		return nil
	}

	pull := d.startPull(ref)
	select {
	case <-pull.done:
		return pull.err
	case <-ctx.Done():
		return fmt.Errorf("failed to pull image %s: %w", ref, ctx.Err())
	}
}

// startPull returns the pull of ref, starting one unless it is in flight or
// already succeeded. A failed pull is forgotten so the next caller retries.
func (d *DockerRunner) startPull(ref string) *imagePull {
	d.pullMu.Lock()
	defer d.pullMu.Unlock()
	if pull, ok := d.pulls[ref]; ok {
		return pull
	}
	pull := &imagePull{done: make(chan struct{})}
	d.pulls[ref] = pull
	go d.pull(ref, pull)
	return pull
}

func (d *DockerRunner) pull(ref string, pull *imagePull) {
	ctx, cancel := context.WithTimeout(context.Background(), imagePullTimeout)
	defer cancel()

	start := time.Now()
	err := d.pullImage(ctx, ref)
	if err != nil {
		d.logger.Warn("failed to pull image", zap.String("image", ref), zap.Error(err))
		d.pullMu.Lock()
		if d.pulls[ref] == pull {
			delete(d.pulls, ref)
		}
		d.pullMu.Unlock()
	} else {
		d.logger.Info("image pulled", zap.String("image", ref), zap.Duration("duration", time.Since(start)))
	}

	pull.err = err
	close(pull.done)
}

func (d *DockerRunner) pullImage(ctx context.Context, ref string) error {
	reader, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// guestPaths maps the artifact into the container.
func guestPaths(a *Artifact) Paths {
	return Paths{
		Dir:    GuestDir,
		Source: GuestDir + "/" + a.FileName,
		Binary: GuestDir + "/" + a.Name,
		Name:   a.Name,
	}
}

// guestEnviron is the exec environment; the image environment is not
// inherited beyond what the exec API merges in.
func guestEnviron(p Profile, paths Paths) []string {
	env := []string{
		"HOME=" + GuestDir,
		"TMPDIR=/tmp",
		"LANG=C.UTF-8",
	}
	return append(env, p.Environ(paths)...)
}

type dockerSession struct {
	runner   *DockerRunner
	id       string
	profile  Profile
	limits   Limits
	artifact *Artifact

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func (s *dockerSession) Exec(ctx context.Context, phase Phase) (PhaseResult, error) {
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

	api := s.runner.api
	phaseCtx, cancel := watchdog(ctx, phase.Timeout)
	defer cancel()

	start := time.Now()
	execResp, err := api.ContainerExecCreate(phaseCtx, s.id, container.ExecOptions{
		User:         s.runner.config.User,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          guestEnviron(s.profile, paths),
		WorkingDir:   GuestDir,
		Cmd:          argv,
	})
	if err != nil {
		return s.interrupted(ctx, phaseCtx, start, fmt.Errorf("failed to create exec: %w", err))
	}

	attach, err := api.ContainerExecAttach(phaseCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return s.interrupted(ctx, phaseCtx, start, fmt.Errorf("failed to attach to exec: %w", err))
	}
	defer attach.Close()

	go func() {
		if len(phase.Stdin) > 0 {
			_, _ = attach.Conn.Write(phase.Stdin)
		}
		_ = attach.CloseWrite()
	}()

	stdout := newCappedBuffer(s.limits.MaxOutputBytes)
	stderr := newCappedBuffer(s.limits.MaxOutputBytes)
	done := make(chan error, 1)
	go func() {
		// demultiplex stdout from stderr
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- copyErr
	}()

	copyErr := s.drain(phaseCtx, execResp.ID, attach, done)

	res := PhaseResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}
	res.TimedOut, res.Canceled = stopReason(ctx, phaseCtx)
	if res.TimedOut || res.Canceled {
		res.ExitCode = exitKilled
		return res, nil
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return res, fmt.Errorf("failed to read exec output: %w", copyErr)
	}

	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer inspectCancel()

	inspect, err := api.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return res, fmt.Errorf("failed to inspect exec: %w", err)
	}
	res.ExitCode = inspect.ExitCode

	if res.ExitCode == exitKilled {
		res.Signal = syscall.SIGKILL
		info, err := api.ContainerInspect(inspectCtx, s.id)
		if err == nil && info.ContainerJSONBase != nil && info.State != nil {
			res.OOMKilled = info.State.OOMKilled
		}
	}

	return res, nil
}

// drain waits for the exec output to end. A descendant that inherited the
// output keeps the stream open after the exec exited, so once the daemon
// reports the exec as not running the stream gets waitDelay more before it
// is closed.
func (s *dockerSession) drain(ctx context.Context, execID string, attach types.HijackedResponse, done <-chan error) error {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	var exited <-chan time.Time
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			s.kill()
			attach.Close()
			<-done
			return nil
		case <-ticker.C:
			if exited != nil {
				continue
			}
			inspect, err := s.runner.api.ContainerExecInspect(ctx, execID)
			if err == nil && !inspect.Running {
				exited = time.After(waitDelay)
			}
		case <-exited:
			s.runner.logger.Debug("exec output still open after exit", zap.String("container", s.id))
			attach.Close()
			<-done
			return nil
		}
	}
}

// interrupted converts an API error into a timeout or cancellation result
// when the phase context ended first.
func (s *dockerSession) interrupted(parent, phaseCtx context.Context, start time.Time, err error) (PhaseResult, error) {
	timedOut, canceled := stopReason(parent, phaseCtx)
	if !timedOut && !canceled {
		return PhaseResult{}, err
	}
	s.kill()
	return PhaseResult{
		ExitCode: exitKilled,
		TimedOut: timedOut,
		Canceled: canceled,
		Duration: time.Since(start),
	}, nil
}

// kill stops every process in the container.
func (s *dockerSession) kill() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.runner.api.ContainerKill(ctx, s.id, "KILL"); err != nil {
		s.runner.logger.Warn("failed to kill container", zap.String("container", s.id), zap.Error(err))
	}
}

func (s *dockerSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := s.runner.api.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true}); err != nil {
			s.closeErr = fmt.Errorf("failed to remove container %s: %w", s.id, err)
		}
	})
	return s.closeErr
}
