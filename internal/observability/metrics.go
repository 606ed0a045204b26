package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's operational counters and histograms.
type Metrics struct {
	// RunsStarted counts agent runs accepted by the supervisor.
	RunsStarted prometheus.Counter

	// RunsFinished counts runs by terminal status.
	// Labels: status (completed|stopped|failed)
	RunsFinished *prometheus.CounterVec

	// EventsPublished counts stream events fanned out to subscribers.
	// Labels: type
	EventsPublished *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on a specific registerer; tests pass their own.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentpress_runs_started_total",
			Help: "Agent runs accepted by the supervisor.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpress_runs_finished_total",
			Help: "Agent runs by terminal status.",
		}, []string{"status"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpress_events_published_total",
			Help: "Stream events published, by event type.",
		}, []string{"type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpress_tool_executions_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpress_llm_request_duration_seconds",
			Help:    "LLM call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpress_llm_tokens_total",
			Help: "Token consumption by provider, model and type.",
		}, []string{"provider", "model", "type"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpress_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}
