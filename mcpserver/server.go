package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/scriptorium/config"
	"github.com/isdmx/scriptorium/sandbox"
)

const (
	serverName    = "scriptorium"
	serverVersion = "1.0.0"

	toolExecuteCode   = "execute_code"
	toolListLanguages = "list_languages"
)

// Executor runs programs. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Outcome
	Languages() []sandbox.LanguageInfo
	Backend() string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   Executor
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger.Named("mcp"),
		executor: executor,
	}

	// Log configuration parameters on startup
	s.logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", executor.Backend()),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.stderr_is_failure", cfg.Sandbox.StderrIsFailure),
		zap.Strings("languages", languageNames(executor.Languages())),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerExecuteCodeTool()
	s.registerListLanguagesTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.NewTool(toolExecuteCode,
		mcp.WithDescription("Compile and run untrusted source code in an isolated sandbox. "+
			"Returns a JSON object with outcome_kind, stdout, stderr, message, exit_code and truncated."),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language identifier"),
			mcp.Enum(languageNames(s.executor.Languages())...),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Source code of the program"),
		),
		mcp.WithString("stdin",
			mcp.Description("Data written to the program's standard input"),
		),
		mcp.WithNumber("time_limit_sec",
			mcp.Description("Run phase time limit in seconds; may only lower the server limit"),
		),
		mcp.WithNumber("memory_limit_mb",
			mcp.Description("Memory limit in megabytes; may only lower the server limit"),
		),
	)

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.NewTool(toolListLanguages,
		mcp.WithDescription("List the languages the sandbox can run"),
	)

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	timeLimit := request.GetFloat("time_limit_sec", 0)
	memoryLimit := request.GetInt("memory_limit_mb", 0)
	if timeLimit < 0 || memoryLimit < 0 {
		return mcp.NewToolResultError("limits must not be negative"), nil
	}

	s.logger.Info("code execution requested", zap.String("language", language), zap.Int("code_len", len(code)))

	out := s.executor.Execute(ctx, sandbox.Request{
		Language:      language,
		Source:        code,
		Stdin:         request.GetString("stdin", ""),
		TimeLimit:     time.Duration(timeLimit * float64(time.Second)),
		MemoryLimitMB: memoryLimit,
	})

	text, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(text),
			},
		},
		IsError: out.Kind == sandbox.KindInternalError || out.Kind == sandbox.KindUnsupportedLanguage,
	}, nil
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(s.executor.Languages())
	if err != nil {
		return nil, fmt.Errorf("failed to encode languages: %w", err)
	}
	return mcp.NewToolResultText(string(text)), nil
}

// ServeStdio serves on stdin/stdout until ctx is done or stdin closes.
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts the streamable HTTP transport and blocks until it stops.
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if err := s.httpServer.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP HTTP server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP transport if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down MCP HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func languageNames(langs []sandbox.LanguageInfo) []string {
	names := make([]string, len(langs))
	for i, l := range langs {
		names[i] = l.Name
	}
	return names
}
