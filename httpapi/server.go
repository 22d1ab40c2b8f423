package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/scriptorium/config"
	"github.com/isdmx/scriptorium/metrics"
	"github.com/isdmx/scriptorium/sandbox"
)

// Compiled languages may spend a minute in the compile phase before the run
// phase starts, so the write timeout is generous.
const (
	readTimeout  = 15 * time.Second
	writeTimeout = 3 * time.Minute
	idleTimeout  = 60 * time.Second
)

// Executor runs programs. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Outcome
	Languages() []sandbox.LanguageInfo
	Backend() string
}

// ExecuteRequest is the body of POST /api/code/execute. Code is accepted as
// an alias of Source.
type ExecuteRequest struct {
	Language      string  `json:"language"`
	Source        string  `json:"source"`
	Code          string  `json:"code"`
	Stdin         string  `json:"stdin"`
	TimeLimitSec  float64 `json:"time_limit_sec,omitempty"`
	MemoryLimitMB int     `json:"memory_limit_mb,omitempty"`
}

// ErrorResponse is the body of every non-outcome error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP API server
type Server struct {
	router       *chi.Mux
	logger       *zap.Logger
	exec         Executor
	metrics      *metrics.Metrics
	limiter      *rate.Limiter
	port         int
	maxBodyBytes int64
	httpServer   *http.Server
}

// New creates the server and its routes. m may be nil.
func New(cfg *config.Config, logger *zap.Logger, exec Executor, m *metrics.Metrics) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger.Named("httpapi"),
		exec:         exec,
		metrics:      m,
		port:         cfg.Server.APIPort,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if cfg.Server.APIRateLimit > 0 {
		burst := cfg.Server.APIBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.APIRateLimit), burst)
	}

	s.routes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(Logger(s.logger, s.metrics))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api/code", func(r chi.Router) {
		r.Use(RateLimit(s.limiter, s.metrics))
		r.Post("/execute", s.handleExecute)
		r.Get("/languages", s.handleLanguages)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port. It returns once the listener stops;
// http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP API", zap.Int("port", s.port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP API server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.exec.Backend(),
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"languages": s.exec.Languages()})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	}

	var body ExecuteRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.logger.Debug("invalid execution request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// drain so that an oversized trailer still trips the limit
	if _, err := io.Copy(io.Discard, r.Body); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := s.exec.Execute(r.Context(), req)
	writeJSON(w, statusFor(&out), out)
}

func (b *ExecuteRequest) toRequest() (sandbox.Request, error) {
	source := b.Source
	if source == "" {
		source = b.Code
	}
	if strings.TrimSpace(b.Language) == "" {
		return sandbox.Request{}, errors.New("language is required")
	}
	if strings.TrimSpace(source) == "" {
		return sandbox.Request{}, errors.New("source cannot be empty")
	}
	if b.TimeLimitSec < 0 || b.MemoryLimitMB < 0 {
		return sandbox.Request{}, errors.New("limits must not be negative")
	}
	return sandbox.Request{
		Language:      b.Language,
		Source:        source,
		Stdin:         b.Stdin,
		TimeLimit:     time.Duration(b.TimeLimitSec * float64(time.Second)),
		MemoryLimitMB: b.MemoryLimitMB,
	}, nil
}

// statusFor maps an outcome to a status code. Guest failures are successful
// requests; the outcome kind carries the verdict.
func statusFor(out *sandbox.Outcome) int {
	switch {
	case out.Kind == sandbox.KindUnsupportedLanguage:
		return http.StatusBadRequest
	case out.Kind == sandbox.KindResourceExceeded && out.Message == sandbox.MessageCapacity:
		return http.StatusServiceUnavailable
	case out.Kind == sandbox.KindInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		// headers are already sent; nothing useful to do with the error
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
