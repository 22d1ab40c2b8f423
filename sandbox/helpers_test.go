package sandbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/scriptorium/config"
)

// shellLanguages is a language table whose guests are POSIX shell scripts, so
// real-process tests do not depend on installed toolchains.
func shellLanguages() map[string]config.Language {
	return map[string]config.Language{
		"shell": {
			DisplayName: "POSIX shell",
			Extension:   ".sh",
			FileName:    "main",
			RunCmd:      []string{"sh", "{source}"},
		},
		"shellc": {
			DisplayName: "POSIX shell, compiled",
			Extension:   ".sh",
			FileName:    "main",
			CompileCmd:  []string{"cp", "{source}", "{binary}"},
			RunCmd:      []string{"sh", "{binary}"},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(shellLanguages(), 5*time.Second)
	require.NoError(t, err)
	return reg
}

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	s, err := NewStager(zaptest.NewLogger(t), t.TempDir())
	require.NoError(t, err)
	return s
}

func testLimits() Limits {
	return Limits{MaxOutputBytes: 64 * 1024}
}

// newProcessSandbox runs guests as real host processes under the current uid.
func newProcessSandbox(t *testing.T, settings Settings, opts ...Option) (*Sandbox, *Stager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	stager := newTestStager(t)
	runner := NewProcessRunner(logger)
	return NewSandbox(logger, newTestRegistry(t), stager, runner, settings, opts...), stager
}

func stagedEntries(t *testing.T, s *Stager) []string {
	t.Helper()
	entries, err := os.ReadDir(s.BaseDir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// fakeRunner records phases and returns scripted results.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[PhaseKind]PhaseResult
	errs     map[PhaseKind]error
	openErr  error
	phases   []PhaseKind
	opened   int
	closed   int
	panicOn  PhaseKind
	artifact *Artifact
	block    chan struct{}
	// onExec runs at the start of every phase
	onExec func(PhaseKind)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: map[PhaseKind]PhaseResult{},
		errs:    map[PhaseKind]error{},
	}
}

func (*fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Open(_ context.Context, a *Artifact, _ Profile, _ Limits) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	f.artifact = a
	return &fakeSession{runner: f}, nil
}

func (*fakeRunner) Close() error { return nil }

func (f *fakeRunner) recorded() []PhaseKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PhaseKind(nil), f.phases...)
}

type fakeSession struct {
	runner *fakeRunner
}

func (s *fakeSession) Exec(ctx context.Context, phase Phase) (PhaseResult, error) {
	f := s.runner
	f.mu.Lock()
	f.phases = append(f.phases, phase.Kind)
	res, err := f.results[phase.Kind], f.errs[phase.Kind]
	block, onExec := f.block, f.onExec
	f.mu.Unlock()

	if onExec != nil {
		onExec(phase.Kind)
	}

	if f.panicOn == phase.Kind {
		panic("guest exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return PhaseResult{Canceled: true, ExitCode: exitKilled}, nil
		}
	}
	return res, err
}

func (s *fakeSession) Close() error {
	s.runner.mu.Lock()
	defer s.runner.mu.Unlock()
	s.runner.closed++
	return nil
}

// fakeCommandRunner records commands and returns scripted results keyed by
// the second argument (the runtime subcommand) or by the first argument.
type fakeCommandRunner struct {
	mu       sync.Mutex
	commands []Command
	results  map[string]PhaseResult
	errs     map[string]error
}

func newFakeCommandRunner() *fakeCommandRunner {
	return &fakeCommandRunner{
		results: map[string]PhaseResult{},
		errs:    map[string]error{},
	}
}

//nolint:gocritic // mirrors CommandRunner
func (f *fakeCommandRunner) Run(_ context.Context, cmd Command) (PhaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	key := cmd.Args[0]
	if len(cmd.Args) > 1 {
		if _, ok := f.results[cmd.Args[1]]; ok {
			key = cmd.Args[1]
		} else if _, ok := f.errs[cmd.Args[1]]; ok {
			key = cmd.Args[1]
		}
	}
	return f.results[key], f.errs[key]
}

func (f *fakeCommandRunner) find(sub string) (Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if len(c.Args) > 1 && c.Args[1] == sub {
			return c, true
		}
	}
	return Command{}, false
}

var errBoom = errors.New("boom")
