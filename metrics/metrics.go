package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scriptorium"

// Metrics holds the Prometheus collectors of the sandbox service. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsInFlight prometheus.Gauge
	OutputTruncated    *prometheus.CounterVec
	AdmissionRejects   prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRateLimited     prometheus.Counter
}

// New creates the collectors on a fresh registry that also exports the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates and registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.ExecutionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total number of code executions by language and outcome kind",
		},
		[]string{"language", "outcome"},
	)

	m.ExecutionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Code execution duration in seconds, staging and cleanup included",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"language"},
	)

	m.ExecutionsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_in_flight",
			Help:      "Current number of admitted code executions",
		},
	)

	m.OutputTruncated = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "output_truncated_total",
			Help:      "Total number of executions whose output exceeded the capture limit",
		},
		[]string{"language"},
	)

	m.AdmissionRejects = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "admission_rejected_total",
			Help:      "Total number of executions rejected because the sandbox was at capacity",
		},
	)

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route, method, and status class",
		},
		[]string{"route", "method", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route", "method"},
	)

	m.HTTPRateLimited = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of HTTP requests rejected by the rate limiter",
		},
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ExecutionStarted records an admitted execution.
func (m *Metrics) ExecutionStarted(string) {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Inc()
}

// ExecutionFinished records a completed execution. Executions that were
// never admitted are counted without touching the in-flight gauge.
func (m *Metrics) ExecutionFinished(language, outcome string, duration time.Duration, truncated bool) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
	if truncated {
		m.OutputTruncated.WithLabelValues(language).Inc()
	}
}

// ExecutionReleased decrements the in-flight gauge.
func (m *Metrics) ExecutionReleased() {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Dec()
}

// AdmissionRejected records a request turned away at capacity.
func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.AdmissionRejects.Inc()
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(route, method string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, statusCodeToLabel(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.HTTPRateLimited.Inc()
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
