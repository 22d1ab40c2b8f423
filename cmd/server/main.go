package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/scriptorium/config"
	"github.com/isdmx/scriptorium/httpapi"
	"github.com/isdmx/scriptorium/logger"
	"github.com/isdmx/scriptorium/mcpserver"
	"github.com/isdmx/scriptorium/metrics"
	"github.com/isdmx/scriptorium/sandbox"
)

const backendStartTimeout = 30 * time.Second

func main() {
	app := fx.New(
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus collectors
			metrics.New,

			// Isolation backend and sandbox based on config
			newRunner,
			newSandbox,

			// Transports
			newMCPServer,
			newHTTPAPI,
		),

		fx.Invoke(runMCPServer, runHTTPAPI),

		// Use the application logger for fx logs
		fx.WithLogger(logger.FxEventLogger),
	)

	app.Run()
}

func newRunner(log *zap.Logger, cfg *config.Config) (sandbox.Runner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), backendStartTimeout)
	defer cancel()
	return sandbox.NewRunner(ctx, log, cfg)
}

func newSandbox(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, runner sandbox.Runner, m *metrics.Metrics) (*sandbox.Sandbox, error) {
	sb, err := sandbox.New(log, cfg, runner, sandbox.WithRecorder(m))
	if err != nil {
		_ = runner.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sb.Close()
		},
	})

	log.Info("sandbox ready",
		zap.String("backend", sb.Backend()),
		zap.Int("languages", len(sb.Languages())),
	)
	return sb, nil
}

func newMCPServer(cfg *config.Config, log *zap.Logger, sb *sandbox.Sandbox) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, sb)
}

func newHTTPAPI(cfg *config.Config, log *zap.Logger, sb *sandbox.Sandbox, m *metrics.Metrics) *httpapi.Server {
	return httpapi.New(cfg, log, sb, m)
}

// runMCPServer starts the configured MCP transport. Closing stdin ends a
// stdio session and shuts the application down.
func runMCPServer(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				var err error
				switch cfg.Server.Transport {
				case "stdio":
					err = server.ServeStdio(ctx)
				case "http":
					err = server.ServeHTTP()
				}
				if err != nil && ctx.Err() == nil {
					log.Error("MCP server stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				if cfg.Server.Transport == "stdio" && ctx.Err() == nil {
					_ = sd.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return server.Shutdown(stopCtx)
		},
	})
}

func runHTTPAPI(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, log *zap.Logger, api *httpapi.Server) {
	if !cfg.Server.APIEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := api.Start(); err != nil {
					log.Error("HTTP API stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: api.Shutdown,
	})
}
