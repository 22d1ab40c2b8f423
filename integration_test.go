//go:build unix

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/scriptorium/config"
	"github.com/isdmx/scriptorium/httpapi"
	"github.com/isdmx/scriptorium/logger"
	"github.com/isdmx/scriptorium/mcpserver"
	"github.com/isdmx/scriptorium/metrics"
	"github.com/isdmx/scriptorium/sandbox"
)

const integrationEnv = "SCRIPTORIUM_INTEGRATION"

func processConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Transport:    "stdio",
			HTTPPort:     8080,
			APIEnabled:   true,
			APIPort:      8081,
			APIRateLimit: 100,
			APIBurst:     100,
			MaxBodyBytes: 64 * 1024,
		},
		Sandbox: config.SandboxConfig{
			Backend:              "process",
			EnableProcessBackend: true,
			TimeoutSec:           5,
			CompileTimeoutSec:    5,
			MemoryMB:             256,
			MaxOutputBytes:       4096,
			MaxConcurrent:        4,
			QueueTimeoutSec:      1,
			StderrIsFailure:      true,
			WorkDir:              t.TempDir(),
		},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
		Languages: map[string]config.Language{
			"shell": {
				DisplayName: "POSIX shell",
				Extension:   ".sh",
				RunCmd:      []string{"sh", "{source}"},
			},
		},
	}
}

// newProcessSandbox wires the sandbox the way the server does, but with a
// process runner that keeps the current user so that it works unprivileged.
func newProcessSandbox(t *testing.T, cfg *config.Config, m *metrics.Metrics) *sandbox.Sandbox {
	t.Helper()
	log := zaptest.NewLogger(t)
	sb, err := sandbox.New(log, cfg, sandbox.NewProcessRunner(log), sandbox.WithRecorder(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close() })
	return sb
}

func TestIntegrationConfigLogger(t *testing.T) {
	cfg := processConfig(t)

	testLogger, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	testLogger.Info("integration test started")
	_ = testLogger.Sync()
}

func TestIntegrationHTTPAPI(t *testing.T) {
	cfg := processConfig(t)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	sb := newProcessSandbox(t, cfg, m)

	api := httpapi.New(cfg, zaptest.NewLogger(t), sb, m)
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	post := func(t *testing.T, body string) sandbox.Outcome {
		t.Helper()
		resp, err := http.Post(ts.URL+"/api/code/execute", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out sandbox.Outcome
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	t.Run("HelloWorld", func(t *testing.T) {
		out := post(t, `{"language":"shell","source":"echo 'Hello, World!'"}`)
		assert.Equal(t, sandbox.KindSuccess, out.Kind, out.Message)
		assert.Equal(t, "Hello, World!", out.Stdout)
	})

	t.Run("Stdin", func(t *testing.T) {
		out := post(t, `{"language":"shell","source":"read x; echo \"got $x\"","stdin":"42\n"}`)
		assert.Equal(t, sandbox.KindSuccess, out.Kind, out.Message)
		assert.Equal(t, "got 42", out.Stdout)
	})

	t.Run("Timeout", func(t *testing.T) {
		out := post(t, `{"language":"shell","source":"while :; do :; done","time_limit_sec":0.5}`)
		assert.Equal(t, sandbox.KindTimeout, out.Kind)
	})

	t.Run("Languages", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/code/languages")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	assert.InDelta(t, 1, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("shell", "timeout")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ExecutionsInFlight), 0)

	entries, err := os.ReadDir(cfg.Sandbox.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged artifacts must be released")
}

func TestIntegrationMCPServer(t *testing.T) {
	cfg := processConfig(t)
	sb := newProcessSandbox(t, cfg, nil)

	server, err := mcpserver.New(cfg, zaptest.NewLogger(t), sb)
	require.NoError(t, err)

	tools := server.GetMCPServer().ListTools()
	assert.Contains(t, tools, "execute_code")
	assert.Contains(t, tools, "list_languages")
}

// TestIntegrationContainerLanguages runs a hello world program in every
// default language on the configured container backend. It pulls large
// images and is opt-in.
func TestIntegrationContainerLanguages(t *testing.T) {
	if os.Getenv(integrationEnv) != "1" {
		t.Skipf("set %s=1 to run container integration tests", integrationEnv)
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sandbox.PullImages = true
	cfg.Sandbox.MaxConcurrent = 2
	cfg.Sandbox.QueueTimeoutSec = 600

	log := zaptest.NewLogger(t)
	ctx := context.Background()

	runner, err := sandbox.NewRunner(ctx, log, cfg)
	require.NoError(t, err)
	sb, err := sandbox.New(log, cfg, runner)
	require.NoError(t, err)
	defer sb.Close()

	programs := map[string]string{
		"python":     `print("Hello, World!")`,
		"javascript": `console.log("Hello, World!");`,
		"java":       "public class Hello {\n  public static void main(String[] a) { System.out.println(\"Hello, World!\"); }\n}",
		"c":          "#include <stdio.h>\nint main(void) { puts(\"Hello, World!\"); return 0; }",
		"cpp":        "#include <iostream>\nint main() { std::cout << \"Hello, World!\" << std::endl; }",
		"go":         "package main\nimport \"fmt\"\nfunc main() { fmt.Println(\"Hello, World!\") }",
		"ruby":       `puts "Hello, World!"`,
		"php":        `<?php echo "Hello, World!\n";`,
		"rust":       `fn main() { println!("Hello, World!"); }`,
		"kotlin":     `fun main() { println("Hello, World!") }`,
		"dart":       `void main() { print('Hello, World!'); }`,
	}

	for _, lang := range sb.Languages() {
		source, ok := programs[lang.Name]
		if !ok {
			continue
		}
		t.Run(lang.Name, func(t *testing.T) {
			out := sb.Execute(ctx, sandbox.Request{Language: lang.Name, Source: source, TimeLimit: 30 * time.Second})
			assert.Equal(t, sandbox.KindSuccess, out.Kind, "%s: %s", out.Message, out.Stderr)
			assert.Equal(t, "Hello, World!", out.Stdout)
		})
	}
}
