package sandbox

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProcessRunner(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, cmdRunner CommandRunner, limits Limits, opts ...ProcessRunnerOption) (Session, *Artifact) {
		t.Helper()
		opts = append([]ProcessRunnerOption{WithProcessCommandRunner(cmdRunner), WithProcessPath("/opt/bin:/usr/bin")}, opts...)
		runner := NewProcessRunner(zaptest.NewLogger(t), opts...)
		p := dockerTestProfile(t)
		a, err := newTestStager(t).Stage(p, "echo hi")
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Release() })

		s, err := runner.Open(ctx, a, p, limits)
		require.NoError(t, err)
		return s, a
	}

	t.Run("CommandShape", func(t *testing.T) {
		cmdRunner := newFakeCommandRunner()
		s, a := open(t, cmdRunner, Limits{MaxOutputBytes: 2048})
		defer s.Close()

		_, err := s.Exec(ctx, Phase{Kind: PhaseRun, Stdin: []byte("data"), Timeout: 2 * time.Second})
		require.NoError(t, err)

		require.Len(t, cmdRunner.commands, 1)
		cmd := cmdRunner.commands[0]
		assert.Equal(t, []string{"sh", a.BinaryPath}, cmd.Args)
		assert.Equal(t, a.Dir, cmd.Dir)
		assert.Equal(t, 2*time.Second, cmd.Timeout)
		assert.Equal(t, int64(2048), cmd.MaxOutputBytes)
		assert.Nil(t, cmd.RunAs)
		assert.True(t, cmd.Contain)
		assert.Equal(t, []string{
			"PATH=/opt/bin:/usr/bin",
			"HOME=" + a.Dir,
			"TMPDIR=" + a.Dir,
			"LANG=C.UTF-8",
			"CACHE=" + a.Dir + "/.cache",
		}, cmd.Env)

		stdin, err := io.ReadAll(cmd.Stdin)
		require.NoError(t, err)
		assert.Equal(t, "data", string(stdin))
	})

	t.Run("Rlimits", func(t *testing.T) {
		cmdRunner := newFakeCommandRunner()
		limits := Limits{MemoryMB: 256, MaxOpenFiles: 64, MaxProcesses: 32, MaxFileSizeMB: 16}
		s, _ := open(t, cmdRunner, limits)
		defer s.Close()

		_, err := s.Exec(ctx, Phase{Kind: PhaseCompile, Timeout: 1500 * time.Millisecond})
		require.NoError(t, err)

		rl := cmdRunner.commands[0].Rlimits
		require.NotNil(t, rl)
		assert.Equal(t, uint64(2), rl.CPUSeconds)
		assert.Equal(t, uint64(256<<20), rl.AddressSpace)
		assert.Equal(t, uint64(64), rl.OpenFiles)
		assert.Equal(t, uint64(32), rl.Processes)
		assert.Equal(t, uint64(16<<20), rl.FileSize)
	})

	t.Run("RunAs", func(t *testing.T) {
		cmdRunner := newFakeCommandRunner()
		s, _ := open(t, cmdRunner, Limits{}, WithProcessRunAs(65534, 65533))
		defer s.Close()

		_, err := s.Exec(ctx, Phase{Kind: PhaseRun})
		require.NoError(t, err)
		assert.Equal(t, &RunAs{UID: 65534, GID: 65533}, cmdRunner.commands[0].RunAs)
	})

	t.Run("StartError", func(t *testing.T) {
		cmdRunner := newFakeCommandRunner()
		cmdRunner.errs["sh"] = errBoom
		s, _ := open(t, cmdRunner, Limits{})
		defer s.Close()

		_, err := s.Exec(ctx, Phase{Kind: PhaseRun})
		require.ErrorIs(t, err, errBoom)
		assert.Contains(t, err.Error(), "run phase")
	})

	t.Run("MissingPhase", func(t *testing.T) {
		runner := NewProcessRunner(zaptest.NewLogger(t), WithProcessCommandRunner(newFakeCommandRunner()))
		p := Profile{Language: "x", Run: []string{"x"}}
		s, err := runner.Open(ctx, &Artifact{}, p, Limits{})
		require.NoError(t, err)

		_, err = s.Exec(ctx, Phase{Kind: PhaseCompile})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no compile command")
	})

	t.Run("ClosedSession", func(t *testing.T) {
		s, _ := open(t, newFakeCommandRunner(), Limits{})
		require.NoError(t, s.Close())

		_, err := s.Exec(ctx, Phase{Kind: PhaseRun})
		require.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("Accessors", func(t *testing.T) {
		r := NewProcessRunner(zaptest.NewLogger(t), WithProcessPath(""))
		assert.Equal(t, BackendProcess, r.Name())
		assert.False(t, r.DropsPrivileges())
		assert.Equal(t, defaultPath, r.path)
		assert.True(t, NewProcessRunner(zaptest.NewLogger(t), WithProcessRunAs(1, 1)).DropsPrivileges())
		assert.NoError(t, r.Close())
	})
}
