// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// FramesDropped counts protocol frames the assembler could not apply.
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_dropped_total",
			Help: "Protocol frames dropped by the message assembler",
		},
		[]string{"frame_type"},
	)

	// InvocationsTotal counts tool invocations reaching a terminal state.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_invocations_total",
			Help: "Tool invocations by command and terminal state",
		},
		[]string{"command", "state"},
	)

	// InvocationsPending tracks invocations awaiting a human decision.
	InvocationsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tool_invocations_pending",
			Help: "Tool invocations awaiting a human decision",
		},
	)

	// DecisionsTotal counts decision events and whether they took effect.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Human decisions by verdict and outcome",
		},
		[]string{"decision", "outcome"},
	)

	// ExecutorDuration tracks authoritative command execution time.
	ExecutorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "executor_duration_seconds",
			Help:    "Command execution duration",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"command", "result"},
	)

	// ReconcilerApplies counts live-view reconciliation attempts.
	ReconcilerApplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_applies_total",
			Help: "Reconciler observations by outcome",
		},
		[]string{"outcome"},
	)

	// PersistenceAttempts counts durable writes by operation and result.
	PersistenceAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_attempts_total",
			Help: "Persistence gateway write attempts",
		},
		[]string{"operation", "result"},
	)

	// DocumentsTotal tracks total documents created.
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "documents_total",
			Help: "Total documents created",
		},
		[]string{"tenant_id"},
	)

	// MessagesTotal tracks total transcript messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total transcript messages",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(provider, status string, seconds float64) {
	LLMStreamDuration.WithLabelValues(provider, status).Observe(seconds)
}

// RecordDecision records a decision event.
func RecordDecision(decision string, applied bool) {
	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	DecisionsTotal.WithLabelValues(decision, outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
