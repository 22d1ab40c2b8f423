// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. A request is resolved to a language
// profile, staged into a private directory, optionally compiled, run under
// a watchdog and resource limits, classified and cleaned up.
//
// Three backends implement Runner: DockerRunner (Docker Engine API, the
// default), PodmanRunner (a Docker-compatible CLI) and ProcessRunner (host
// subprocesses, a degraded fallback that must be enabled explicitly).
//
// Usage:
//
//	runner, err := sandbox.NewRunner(ctx, logger, cfg)
//	sb, err := sandbox.New(logger, cfg, runner)
//	out := sb.Execute(ctx, sandbox.Request{
//	    Language: "python",
//	    Source:   "print('Hello, World!')",
//	})
//	fmt.Println(out.Kind, out.Stdout)
package sandbox
