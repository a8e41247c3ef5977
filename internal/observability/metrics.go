package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, tracking:
//   - Turn and tool-round throughput per provider
//   - Model request latency and token consumption
//   - Tool execution patterns and latencies
//   - Thread branching operations and sequence repairs
//   - Error rates categorized by component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordProviderRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// TurnCounter counts completed turns by provider and outcome.
	// Labels: provider, outcome (done|return_direct|rejected|error|round_cap)
	TurnCounter *prometheus.CounterVec

	// TurnRounds observes how many model rounds a single turn took.
	// Labels: provider
	TurnRounds *prometheus.HistogramVec

	// ProviderRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	ProviderTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|rejected|invalid_input)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BranchOperationCounter counts thread branching operations.
	// Labels: operation (fork|add|edit|delete|squash), status (success|error)
	BranchOperationCounter *prometheus.CounterVec

	// SequenceRepairCounter counts sequence-fixer repairs.
	// Labels: kind (orphaned_result|synthesized_result)
	SequenceRepairCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (engine|executor|threads|store|provider), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveTurns is a gauge tracking turns currently in flight.
	// Labels: provider
	ActiveTurns *prometheus.GaugeVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts store queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup; metrics register with
// the default registry and show up on the standard /metrics handler.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total number of conversational turns by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		TurnRounds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_turn_rounds",
				Help:    "Number of model rounds taken by a single turn",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100, 200},
			},
			[]string{"provider"},
		),

		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_provider_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_provider_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		BranchOperationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_branch_operations_total",
				Help: "Total number of thread branching operations by kind and status",
			},
			[]string{"operation", "status"},
		),

		SequenceRepairCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_sequence_repairs_total",
				Help: "Total number of tool-call sequence repairs by kind",
			},
			[]string{"kind"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveTurns: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_active_turns",
				Help: "Current number of turns in flight by provider",
			},
			[]string{"provider"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// TurnStarted increments the active turns gauge.
func (m *Metrics) TurnStarted(provider string) {
	m.ActiveTurns.WithLabelValues(provider).Inc()
}

// TurnFinished records a completed turn with its outcome and round count,
// and decrements the active turns gauge.
func (m *Metrics) TurnFinished(provider, outcome string, rounds int) {
	m.ActiveTurns.WithLabelValues(provider).Dec()
	m.TurnCounter.WithLabelValues(provider, outcome).Inc()
	m.TurnRounds.WithLabelValues(provider).Observe(float64(rounds))
}

// RecordProviderRequest records metrics for one model API request.
//
// Example:
//
//	start := time.Now()
//	// ... call the model ...
//	metrics.RecordProviderRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int64) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordCacheTokens records cache-read/write token usage for providers
// that report it.
func (m *Metrics) RecordCacheTokens(provider, model string, cacheRead, cacheWrite int64) {
	if cacheRead > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWrite))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordBranchOperation records a thread branching operation.
func (m *Metrics) RecordBranchOperation(operation, status string) {
	m.BranchOperationCounter.WithLabelValues(operation, status).Inc()
}

// RecordSequenceRepairs records repairs made by the sequence fixer.
func (m *Metrics) RecordSequenceRepairs(orphanedResults, synthesizedResults int) {
	if orphanedResults > 0 {
		m.SequenceRepairCounter.WithLabelValues("orphaned_result").Add(float64(orphanedResults))
	}
	if synthesizedResults > 0 {
		m.SequenceRepairCounter.WithLabelValues("synthesized_result").Add(float64(synthesizedResults))
	}
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordDatabaseQuery records metrics for a store query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
