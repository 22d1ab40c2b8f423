// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox as MCP tools using the
// mark3labs/mcp-go library:
//
//   - execute_code runs one program and returns its outcome as JSON
//   - list_languages returns the supported languages
//
// The server supports both stdio and streamable HTTP transports as
// configured by server.transport.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, sb)
//	if err != nil {
//		return err
//	}
//	err = server.ServeStdio(ctx) // or server.ServeHTTP()
package mcpserver
