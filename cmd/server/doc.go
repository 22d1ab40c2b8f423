// Package main is the entry point for the Scriptorium sandbox server.
//
// The server executes untrusted programs in one of eleven languages inside
// isolated sandboxes (Docker, Podman, or a restricted host process) and
// exposes the sandbox as Model Context Protocol tools over stdio or HTTP.
// An optional JSON HTTP API serves the same operations together with
// health and Prometheus endpoints.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
