package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/scriptorium/sandbox"
)

func TestExitFor(t *testing.T) {
	code := func(v int) *int { return &v }

	tests := []struct {
		name string
		out  sandbox.Outcome
		want int
	}{
		{"Success", sandbox.Outcome{Kind: sandbox.KindSuccess, ExitCode: code(0)}, 0},
		{"GuestStatus", sandbox.Outcome{Kind: sandbox.KindRuntimeError, ExitCode: code(3)}, 3},
		{"StderrOnly", sandbox.Outcome{Kind: sandbox.KindRuntimeError, ExitCode: code(0)}, 1},
		{"NoStatus", sandbox.Outcome{Kind: sandbox.KindTimeout}, 1},
		{"OutOfRange", sandbox.Outcome{Kind: sandbox.KindResourceExceeded, ExitCode: code(300)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitFor(&tt.out)
			if tt.want == 0 {
				assert.NoError(t, err)
				return
			}
			var exit *exitError
			require.ErrorAs(t, err, &exit)
			assert.Equal(t, tt.want, exit.code)
		})
	}
}

func TestPrintOutcome(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		out := sandbox.Outcome{
			Kind:      sandbox.KindRuntimeError,
			Stdout:    "partial",
			Stderr:    "boom",
			Message:   "process exited with status 1",
			Truncated: true,
		}
		require.NoError(t, printOutcome(&stdout, &stderr, &out, false))
		assert.Equal(t, "partial\n", stdout.String())
		assert.Equal(t, "boom\nruntime_error: process exited with status 1\n(output truncated)\n", stderr.String())
	})

	t.Run("SuccessIsQuiet", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		out := sandbox.Outcome{Kind: sandbox.KindSuccess, Stdout: "42"}
		require.NoError(t, printOutcome(&stdout, &stderr, &out, false))
		assert.Equal(t, "42\n", stdout.String())
		assert.Empty(t, stderr.String())
	})

	t.Run("JSON", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		out := sandbox.Outcome{ID: "x", Kind: sandbox.KindTimeout, Message: sandbox.MessageTimeout}
		require.NoError(t, printOutcome(&stdout, &stderr, &out, true))
		assert.Contains(t, stdout.String(), `"outcome_kind": "timeout"`)
		assert.Empty(t, stderr.String())
	})
}

func TestRunLanguages(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCRIPTORIUM_SANDBOX_BACKEND", "docker")

	var stdout bytes.Buffer
	languagesCmd.SetOut(&stdout)
	t.Cleanup(func() { languagesCmd.SetOut(nil) })

	require.NoError(t, runLanguages(languagesCmd, nil))
	assert.Contains(t, stdout.String(), "python")
	assert.Contains(t, stdout.String(), "compiled")
}
