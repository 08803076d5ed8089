// Package observability exposes the gateway's Prometheus metrics: HTTP
// traffic, provider exchanges, tool executions, and admission queue state.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the gateway records into. Collectors are
// registered against the registry passed to New, so tests can use isolated
// registries.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequestCounter counts facade requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures facade request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts upstream provider exchanges.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRequestDuration measures provider exchange latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// AdmissionQueueDepth gauges requests waiting for an admission slot.
	// Labels: class (run|stream|vector_run|vector_stream|embedding_run)
	AdmissionQueueDepth *prometheus.GaugeVec

	// AdmissionRejectedCounter counts requests turned away at admission.
	// Labels: class
	AdmissionRejectedCounter *prometheus.CounterVec

	// RateLimitedCounter counts requests denied by the per-client bucket.
	RateLimitedCounter prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_provider_requests_total",
				Help: "Total number of provider exchanges by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_provider_request_duration_seconds",
				Help:    "Duration of provider exchanges in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_provider_tokens_total",
				Help: "Total number of tokens exchanged by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		AdmissionQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelgate_admission_queue_depth",
				Help: "Current number of requests waiting for an admission slot",
			},
			[]string{"class"},
		),

		AdmissionRejectedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_admission_rejected_total",
				Help: "Total number of requests rejected at admission",
			},
			[]string{"class"},
		),

		RateLimitedCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "modelgate_rate_limited_total",
				Help: "Total number of requests denied by the rate limiter",
			},
		),
	}
}

// Handler serves the /metrics endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one facade request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordProviderRequest records one provider exchange.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// QueueEntered marks a request waiting for an admission slot.
func (m *Metrics) QueueEntered(class string) {
	m.AdmissionQueueDepth.WithLabelValues(class).Inc()
}

// QueueLeft marks a request leaving the admission queue.
func (m *Metrics) QueueLeft(class string) {
	m.AdmissionQueueDepth.WithLabelValues(class).Dec()
}

// AdmissionRejected counts one request turned away at admission.
func (m *Metrics) AdmissionRejected(class string) {
	m.AdmissionRejectedCounter.WithLabelValues(class).Inc()
}

// RateLimited counts one request denied by the per-client bucket.
func (m *Metrics) RateLimited() {
	m.RateLimitedCounter.Inc()
}
