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
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active chat streams served.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// IngestionsTotal tracks server-side document ingestions by result.
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestions_total",
			Help: "Document ingestions by scope and result",
		},
		[]string{"scope", "result"},
	)

	// TurnsTotal tracks client chat turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_turns_total",
			Help: "Chat turns by terminal outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks client chat turn duration from dispatch to terminal state.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_turn_duration_seconds",
			Help:    "Chat turn duration from dispatch to terminal state",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// FramesTotal tracks decoded stream frames by interpreted kind.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_frames_total",
			Help: "Decoded stream frames by event kind",
		},
		[]string{"kind"},
	)

	// ProtocolViolationsTotal tracks rejected conflicting session assignments.
	ProtocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_protocol_violations_total",
			Help: "Stream events rejected as protocol violations",
		},
	)

	// PollRefreshesTotal tracks ingestion poller refreshes by result.
	PollRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_poll_refreshes_total",
			Help: "Ingestion poller refreshes by result",
		},
		[]string{"result"},
	)

	// PendingDocuments tracks documents not yet ready as of the last refresh.
	PendingDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_pending_documents",
			Help: "Documents whose ingestion state is not ready",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordTurn records the terminal outcome of one chat turn.
func RecordTurn(outcome string, duration float64) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.WithLabelValues(outcome).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
