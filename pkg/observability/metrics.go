// Package observability provides the engine's metrics and tracing.
// Metrics are prometheus instruments fed partly by direct calls and partly
// by a bus collector that derives counts from the event stream. A nil
// *Metrics is a valid no-op receiver so instrumentation never needs guards.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal     *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	eventsTotal    *prometheus.CounterVec
}

// NewMetrics creates the instruments on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_steps_total",
			Help: "Step executions by terminal status.",
		}, []string{"status"}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_tool_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_tokens_total",
			Help: "Output tokens consumed, by model.",
		}, []string{"model"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_turn_duration_seconds",
			Help:    "Worker turn duration by role.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"role"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_events_total",
			Help: "Events emitted, by kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStep counts a step reaching a status.
func (m *Metrics) RecordStep(status string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(status).Inc()
}

// RecordToolCall counts one tool invocation and observes its duration.
func (m *Metrics) RecordToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordTokens counts output tokens for a model.
func (m *Metrics) RecordTokens(model string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensTotal.WithLabelValues(model).Add(float64(n))
}

// ObserveTurn records the duration of one worker turn.
func (m *Metrics) ObserveTurn(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordEvent counts one emitted event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}
