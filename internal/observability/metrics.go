package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn and round throughput through the execution engine
//   - LLM request performance and response times
//   - Tool execution patterns and latencies
//   - Context compression runs
//   - Snapshot operations (create/restore/prune)
//   - LSP server lifecycle and terminal session lifecycle events
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.SessionStarted()
//	defer metrics.RecordRound("end_of_turn")
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai|bedrock), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (engine|pipeline|compaction|snapshot|lspsuper|termsuper), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current active conversation sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	SessionDuration prometheus.Histogram

	// RoundCounter counts executor rounds by outcome.
	// Labels: outcome (continue_with_tools|end_of_turn|error|budget_exceeded)
	RoundCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures storage-layer query latency, used by
	// session and snapshot persistence.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts storage-layer queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// SnapshotOperations counts snapshot core operations.
	// Labels: operation (create|restore|prune), status (success|error)
	SnapshotOperations *prometheus.CounterVec

	// SnapshotOperationDuration measures snapshot operation latency.
	// Labels: operation
	SnapshotOperationDuration *prometheus.HistogramVec

	// CompactionRuns counts context compression manager runs.
	// Labels: status (success|error)
	CompactionRuns *prometheus.CounterVec

	// CompactionDuration measures a compaction run's wall time.
	CompactionDuration prometheus.Histogram

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization.
	// Labels: provider, model
	ContextWindowUsed *prometheus.HistogramVec

	// TurnStuck counts turns the watchdog detected as stuck mid-round.
	TurnStuck prometheus.Counter

	// RoundAttempts counts round attempts, for retry tracking.
	// Labels: status (success|retry|failed)
	RoundAttempts *prometheus.CounterVec

	// LSPServerEvents counts LSP supervisor lifecycle transitions.
	// Labels: language, status (started|failed|crashed)
	LSPServerEvents *prometheus.CounterVec

	// TerminalSessionEvents counts terminal supervisor lifecycle events.
	// Labels: event (opened|exited|resized)
	TerminalSessionEvents *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "core_active_sessions",
				Help: "Current number of active conversation sessions",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "core_session_duration_seconds",
				Help:    "Duration of conversation sessions in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
		),

		RoundCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_rounds_total",
				Help: "Total number of executor rounds by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),

		SnapshotOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_snapshot_operations_total",
				Help: "Total number of snapshot core operations by type and status",
			},
			[]string{"operation", "status"},
		),

		SnapshotOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_snapshot_operation_duration_seconds",
				Help:    "Duration of snapshot core operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"operation"},
		),

		CompactionRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_compaction_runs_total",
				Help: "Total number of context compression runs by status",
			},
			[]string{"status"},
		),

		CompactionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "core_compaction_duration_seconds",
				Help:    "Duration of context compression runs in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_context_window_tokens",
				Help:    "Context window tokens used",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		TurnStuck: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_turn_stuck_total",
				Help: "Number of turns detected stuck mid-round by the watchdog",
			},
		),

		RoundAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_round_attempts_total",
				Help: "Total number of round attempts by status",
			},
			[]string{"status"},
		),

		LSPServerEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_lsp_server_events_total",
				Help: "Total number of LSP supervisor lifecycle transitions by language and status",
			},
			[]string{"language", "status"},
		),

		TerminalSessionEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_terminal_session_events_total",
				Help: "Total number of terminal supervisor lifecycle events",
			},
			[]string{"event"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("engine", "round_timeout")
//	metrics.RecordError("lspsuper", "server_crash")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge and records session duration.
func (m *Metrics) SessionEnded(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordRound records a completed executor round by its outcome, matching
// the roundtrip.Outcome values.
func (m *Metrics) RecordRound(outcome string) {
	m.RoundCounter.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records metrics for a storage-layer query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordSnapshotOperation records a snapshot core operation (create, restore,
// or prune).
func (m *Metrics) RecordSnapshotOperation(operation, status string, durationSeconds float64) {
	m.SnapshotOperations.WithLabelValues(operation, status).Inc()
	m.SnapshotOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordCompaction records a context compression manager run.
func (m *Metrics) RecordCompaction(status string, durationSeconds float64) {
	m.CompactionRuns.WithLabelValues(status).Inc()
	m.CompactionDuration.Observe(durationSeconds)
}

// RecordLLMCost records estimated API cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordContextWindow records context window utilization.
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordTurnStuck records a turn the watchdog detected as stuck.
func (m *Metrics) RecordTurnStuck() {
	m.TurnStuck.Inc()
}

// RecordRoundAttempt records a round attempt.
func (m *Metrics) RecordRoundAttempt(status string) {
	m.RoundAttempts.WithLabelValues(status).Inc()
}

// RecordLSPServerEvent records an LSP supervisor lifecycle transition.
func (m *Metrics) RecordLSPServerEvent(language, status string) {
	m.LSPServerEvents.WithLabelValues(language, status).Inc()
}

// RecordTerminalSessionEvent records a terminal supervisor lifecycle event.
func (m *Metrics) RecordTerminalSessionEvent(event string) {
	m.TerminalSessionEvents.WithLabelValues(event).Inc()
}
