package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request is one execution request.
type Request struct {
	Language string
	Source   string
	Stdin    string
	// TimeLimit and MemoryLimitMB may only tighten the configured limits.
	TimeLimit     time.Duration
	MemoryLimitMB int
}

// Settings are the request-independent parameters of a Sandbox.
type Settings struct {
	Limits  Limits
	Timeout time.Duration
	Policy  Policy
}

// Recorder receives execution metrics. *metrics.Metrics implements it.
type Recorder interface {
	ExecutionStarted(language string)
	ExecutionReleased()
	ExecutionFinished(language, outcome string, duration time.Duration, truncated bool)
	AdmissionRejected()
}

type nopRecorder struct{}

func (nopRecorder) ExecutionStarted(string)                               {}
func (nopRecorder) ExecutionReleased()                                    {}
func (nopRecorder) ExecutionFinished(string, string, time.Duration, bool) {}
func (nopRecorder) AdmissionRejected()                                    {}

// Sandbox runs untrusted source code. It holds no per-request state and is
// safe for concurrent use.
type Sandbox struct {
	logger     *zap.Logger
	registry   *Registry
	stager     *Stager
	runner     Runner
	classifier *Classifier
	admission  *Admission
	settings   Settings
	recorder   Recorder
}

// Option defines a functional option for Sandbox
type Option func(*Sandbox)

// WithRecorder sets the metrics recorder for Sandbox
func WithRecorder(r Recorder) Option {
	return func(s *Sandbox) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithAdmission sets the admission policy for Sandbox
func WithAdmission(a *Admission) Option {
	return func(s *Sandbox) {
		s.admission = a
	}
}

// NewSandbox wires a Sandbox from its parts. Without WithAdmission a single
// execution runs at a time.
func NewSandbox(logger *zap.Logger, registry *Registry, stager *Stager, runner Runner, settings Settings, opts ...Option) *Sandbox {
	s := &Sandbox{
		logger:     logger,
		registry:   registry,
		stager:     stager,
		runner:     runner,
		classifier: NewClassifier(settings.Policy),
		admission:  NewAdmission(1, 0),
		settings:   settings,
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Languages lists the supported languages.
func (s *Sandbox) Languages() []LanguageInfo {
	return s.registry.Languages()
}

// Backend returns the name of the isolation backend.
func (s *Sandbox) Backend() string {
	return s.runner.Name()
}

// Close releases the backend.
func (s *Sandbox) Close() error {
	return s.runner.Close()
}

// Execute runs req and always returns an outcome; failures of the sandbox
// itself are reported as internal_error.
//
//nolint:gocritic // Request is passed by value to keep it immutable
func (s *Sandbox) Execute(ctx context.Context, req Request) (out Outcome) {
	id := uuid.NewString()
	start := time.Now()
	log := s.logger.With(zap.String("execution_id", id), zap.String("language", req.Language))
	// metric label; unsupported names are not recorded verbatim
	language := "unsupported"

	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = Outcome{Kind: KindInternalError, Message: MessageInternal}
		}
		out.ID = id
		out.Duration = time.Since(start)
		s.recorder.ExecutionFinished(language, string(out.Kind), out.Duration, out.Truncated)
		log.Info("execution finished",
			zap.String("outcome", string(out.Kind)),
			zap.Duration("duration", out.Duration),
			zap.Bool("truncated", out.Truncated),
		)
	}()

	profile, err := s.registry.Lookup(req.Language)
	if err != nil {
		return Outcome{
			Kind:    KindUnsupportedLanguage,
			Message: fmt.Sprintf("unsupported language: %q", req.Language),
		}
	}

	language = profile.Language

	release, err := s.admission.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			s.recorder.AdmissionRejected()
			log.Warn("execution rejected", zap.Int("in_flight", s.admission.InFlight()))
			return Outcome{Kind: KindResourceExceeded, Message: MessageCapacity}
		}
		return Outcome{Kind: KindInternalError, Message: MessageCanceled}
	}
	defer release()

	s.recorder.ExecutionStarted(language)
	defer s.recorder.ExecutionReleased()

	return s.execute(ctx, log, profile, req)
}

//nolint:gocritic // Profile and Request are read-only and passed by value
func (s *Sandbox) execute(ctx context.Context, log *zap.Logger, profile Profile, req Request) Outcome {
	artifact, err := s.stager.Stage(profile, req.Source)
	if err != nil {
		return s.internal(log, "failed to stage source", err)
	}
	defer func() {
		if err := artifact.Release(); err != nil {
			log.Error("failed to release artifact", zap.String("path", artifact.Dir), zap.Error(err))
		}
	}()

	limits := s.limitsFor(req)
	session, err := s.runner.Open(ctx, artifact, profile, limits)
	if err != nil {
		return s.backendFailure(ctx, log, "failed to open session", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Error("failed to close session", zap.Error(err))
		}
	}()

	var raw RawResult

	if profile.HasCompile() {
		res, err := session.Exec(ctx, Phase{Kind: PhaseCompile, Timeout: profile.CompileTimeout})
		if err != nil {
			return s.backendFailure(ctx, log, "compile phase failed", err)
		}
		raw.Compile = &res
		if s.classifier.Failed(&res) {
			return s.classifier.Classify(raw)
		}
	}

	res, err := session.Exec(ctx, Phase{
		Kind:    PhaseRun,
		Stdin:   []byte(req.Stdin),
		Timeout: s.timeoutFor(req),
	})
	if err != nil {
		return s.backendFailure(ctx, log, "run phase failed", err)
	}
	raw.Run = &res

	return s.classifier.Classify(raw)
}

// backendFailure reports a backend error, or the cancellation that caused
// it when the caller went away.
func (s *Sandbox) backendFailure(ctx context.Context, log *zap.Logger, msg string, err error) Outcome {
	if ctx.Err() != nil {
		log.Debug(msg, zap.Error(err))
		return Outcome{Kind: KindInternalError, Message: MessageCanceled}
	}
	return s.internal(log, msg, err)
}

// internal logs err and returns the opaque internal outcome.
func (*Sandbox) internal(log *zap.Logger, msg string, err error) Outcome {
	log.Error(msg, zap.Error(err))
	return Outcome{Kind: KindInternalError, Message: MessageInternal}
}

//nolint:gocritic // Request is read-only and passed by value
func (s *Sandbox) timeoutFor(req Request) time.Duration {
	if req.TimeLimit > 0 && (s.settings.Timeout <= 0 || req.TimeLimit < s.settings.Timeout) {
		return req.TimeLimit
	}
	return s.settings.Timeout
}

//nolint:gocritic // Request is read-only and passed by value
func (s *Sandbox) limitsFor(req Request) Limits {
	limits := s.settings.Limits
	if req.MemoryLimitMB > 0 && (limits.MemoryMB <= 0 || req.MemoryLimitMB < limits.MemoryMB) {
		limits.MemoryMB = req.MemoryLimitMB
	}
	return limits
}
