// Package logger provides structured logging capabilities.
//
// The logger package sets up the application's zap logger from the logging
// section of the configuration and adapts it for fx lifecycle events.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("sandbox ready", zap.String("backend", "docker"))
package logger
