package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the classification of an execution.
type Kind string

const (
	KindSuccess             Kind = "success"
	KindCompileError        Kind = "compile_error"
	KindRuntimeError        Kind = "runtime_error"
	KindTimeout             Kind = "timeout"
	KindResourceExceeded    Kind = "resource_exceeded"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindInternalError       Kind = "internal_error"
)

// Messages surfaced to callers. They never carry host details.
const (
	MessageCompileFailed    = "compilation failed"
	MessageCompileTimeout   = "compilation timed out"
	MessageTimeout          = "execution timed out"
	MessageResourceExceeded = "resource limit exceeded"
	MessageMemoryExceeded   = "memory limit exceeded"
	MessageCanceled         = "execution canceled"
	MessageCapacity         = "sandbox is at capacity, try again later"
	MessageInternal         = "internal sandbox error"
)

// Outcome is the result of one execution request.
type Outcome struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"outcome_kind"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Message   string        `json:"message,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"-"`
}

// OK reports whether the execution succeeded.
func (o *Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Policy tunes classification.
type Policy struct {
	// StderrIsFailure treats any stderr output as a failure even when the
	// exit status is zero.
	StderrIsFailure bool
}

// Classifier maps raw phase results to outcomes. It is stateless.
//
// A cancelled phase always yields an internal error with MessageCanceled. A
// failed compile phase decides the outcome on its own: a compile timeout is
// a timeout, a compiler killed by a resource limit is resource_exceeded, and
// any other failure is a compilation error carrying the compiler output.
// Only then is the run phase looked at.
type Classifier struct {
	policy Policy
}

// NewClassifier creates a classifier with the given policy.
func NewClassifier(policy Policy) *Classifier {
	return &Classifier{policy: policy}
}

// Failed reports whether a phase did not complete successfully. The
// orchestrator skips the run phase when the compile phase failed.
func (c *Classifier) Failed(r *PhaseResult) bool {
	if r == nil {
		return false
	}
	return r.TimedOut || r.Canceled || r.ExitCode != 0 || r.Signal != 0 ||
		(c.policy.StderrIsFailure && r.Stderr != "")
}

// Classify produces the outcome for raw. ID and Duration are left to the
// caller.
func (c *Classifier) Classify(raw RawResult) Outcome {
	if canceled(raw.Compile) || canceled(raw.Run) {
		return Outcome{
			Kind:      KindInternalError,
			Message:   MessageCanceled,
			Truncated: truncated(raw),
		}
	}

	if comp := raw.Compile; comp != nil && c.Failed(comp) {
		return c.compileOutcome(comp)
	}

	run := raw.Run
	if run == nil {
		return Outcome{Kind: KindInternalError, Message: MessageInternal}
	}

	out := Outcome{
		Stdout:    run.Stdout,
		Stderr:    run.Stderr,
		Truncated: truncated(raw),
	}

	switch {
	case run.TimedOut:
		out.Kind = KindTimeout
		out.Message = MessageTimeout
	case resourceKilled(run):
		out.Kind = KindResourceExceeded
		out.Message = MessageResourceExceeded
		if run.OOMKilled {
			out.Message = MessageMemoryExceeded
		}
	case run.ExitCode != 0:
		out.Kind = KindRuntimeError
		out.Message = fmt.Sprintf("process exited with status %d", run.ExitCode)
		out.ExitCode = intPtr(run.ExitCode)
	case c.policy.StderrIsFailure && run.Stderr != "":
		out.Kind = KindRuntimeError
		out.Message = "process wrote to stderr"
		out.ExitCode = intPtr(0)
	default:
		out.Kind = KindSuccess
		out.Stdout = strings.TrimSuffix(run.Stdout, "\n")
		out.ExitCode = intPtr(0)
	}

	return out
}

func (*Classifier) compileOutcome(comp *PhaseResult) Outcome {
	out := Outcome{Truncated: comp.Truncated}

	switch {
	case comp.TimedOut:
		out.Kind = KindTimeout
		out.Message = MessageCompileTimeout
		out.Stderr = comp.Stderr
	case resourceKilled(comp):
		out.Kind = KindResourceExceeded
		out.Message = MessageResourceExceeded
		if comp.OOMKilled {
			out.Message = MessageMemoryExceeded
		}
	default:
		out.Kind = KindCompileError
		out.Message = MessageCompileFailed
		out.ExitCode = intPtr(comp.ExitCode)
		// some compilers report diagnostics on stdout
		out.Stderr = comp.Stderr
		if strings.TrimSpace(out.Stderr) == "" {
			out.Stderr = comp.Stdout
		}
	}
	return out
}

// resourceKilled reports a termination by a resource limit rather than by
// the watchdog.
func resourceKilled(r *PhaseResult) bool {
	if r.TimedOut {
		return false
	}
	if r.OOMKilled {
		return true
	}
	for _, sig := range resourceSignals {
		if r.Signal == sig {
			return true
		}
	}
	return r.ExitCode == exitKilled
}

func canceled(r *PhaseResult) bool {
	return r != nil && r.Canceled
}

func truncated(raw RawResult) bool {
	return (raw.Compile != nil && raw.Compile.Truncated) || (raw.Run != nil && raw.Run.Truncated)
}

func intPtr(v int) *int {
	return &v
}
