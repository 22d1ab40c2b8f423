// Package metrics exposes Prometheus collectors for the sandbox and its HTTP
// API. *Metrics implements sandbox.Recorder.
package metrics
