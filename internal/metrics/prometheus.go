package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the session coordinator
type Metrics struct {
	// Session metrics
	SessionsCreated   prometheus.Counter
	SessionsFinished  *prometheus.CounterVec
	SessionsEvicted   *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	Contributions     prometheus.Counter
	ContributionBytes prometheus.Histogram
	Observers         prometheus.Gauge

	// Pipeline metrics
	PipelineDuration *prometheus.HistogramVec
	PipelineFailures *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "jamsync_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jamsync_sessions_finished_total",
			Help: "Total number of sessions that reached the finished state",
		}, []string{"trigger"}),
		SessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jamsync_sessions_evicted_total",
			Help: "Total number of sessions removed from the registry",
		}, []string{"reason"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "jamsync_active_sessions",
			Help: "Current number of resident sessions",
		}),
		Contributions: f.NewCounter(prometheus.CounterOpts{
			Name: "jamsync_contributions_total",
			Help: "Total number of accepted guest contributions",
		}),
		ContributionBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "jamsync_contribution_size_bytes",
			Help:    "Size of accepted guest contributions",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}),
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Name: "jamsync_observers",
			Help: "Current number of connected event stream observers",
		}),

		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jamsync_pipeline_duration_seconds",
			Help:    "Duration of audio pipeline invocations",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"operation"}),
		PipelineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jamsync_pipeline_failures_total",
			Help: "Total number of failed audio pipeline invocations",
		}, []string{"operation"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jamsync_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jamsync_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jamsync_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionFinished counts a finish transition by what triggered it
func (m *Metrics) RecordSessionFinished(trigger string) {
	m.SessionsFinished.WithLabelValues(trigger).Inc()
}

// RecordSessionsEvicted counts evictions by reason
func (m *Metrics) RecordSessionsEvicted(reason string, count int) {
	m.SessionsEvicted.WithLabelValues(reason).Add(float64(count))
}

// SetActiveSessions sets the current number of resident sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordContribution records an accepted contribution
func (m *Metrics) RecordContribution(sizeBytes int) {
	m.Contributions.Inc()
	m.ContributionBytes.Observe(float64(sizeBytes))
}

// ObserverConnected increments the observers gauge
func (m *Metrics) ObserverConnected() {
	m.Observers.Inc()
}

// ObserverDisconnected decrements the observers gauge
func (m *Metrics) ObserverDisconnected() {
	m.Observers.Dec()
}

// RecordPipeline records a pipeline invocation
func (m *Metrics) RecordPipeline(operation string, durationSeconds float64, failed bool) {
	m.PipelineDuration.WithLabelValues(operation).Observe(durationSeconds)
	if failed {
		m.PipelineFailures.WithLabelValues(operation).Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
