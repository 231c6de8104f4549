package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Workflow node execution by node kind and mode
//   - LLM request performance and response times
//   - Tool execution patterns and latencies
//   - Error rates categorized by component
//   - Active conversation counts for capacity planning
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ConversationStarted()
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", "claude-3-opus").Observe(time.Since(start).Seconds())
type Metrics struct {
	// NodeExecutionCounter counts workflow node executions.
	// Labels: node (system_prompt|retriever|model|tool_router|memory), mode, status
	NodeExecutionCounter *prometheus.CounterVec

	// NodeExecutionDuration measures workflow node execution time in seconds.
	// Labels: node, mode
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	NodeExecutionDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider (anthropic|openai), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (orchestrator|workflow|provider|tool|security), error_kind
	ErrorCounter *prometheus.CounterVec

	// ActiveConversations is a gauge tracking currently open conversations.
	ActiveConversations prometheus.Gauge

	// ConversationDuration measures conversation lifetime in seconds, from
	// creation to the most recent message.
	// Buckets: 60s, 300s, 600s, 1800s, 3600s, 7200s, 14400s, 28800s
	ConversationDuration prometheus.Histogram

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// WorkflowCacheCounter counts WorkflowCache hits and misses.
	// Labels: result (hit|miss)
	WorkflowCacheCounter *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization.
	// Labels: provider, model
	// Buckets: 1000, 4000, 8000, 16000, 32000, 64000, 128000
	ContextWindowUsed *prometheus.HistogramVec

	// RunAttempts counts workflow run attempts (for retry tracking).
	// Labels: status (success|retry|failed)
	RunAttempts *prometheus.CounterVec

	// SecurityDenials counts tool executions denied by SecurityManager.
	// Labels: reason (insufficient_permissions|rate_limit_exceeded|sensitive_content_detected)
	SecurityDenials *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics against the
// default registry. This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates and registers all Prometheus metrics
// against reg instead of the default registry. Tests use this with a
// fresh prometheus.NewRegistry() so repeated NewMetrics-style calls don't
// collide on the process-wide default registry.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NodeExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_workflow_node_executions_total",
				Help: "Total number of workflow node executions by node, mode, and status",
			},
			[]string{"node", "mode", "status"},
		),

		NodeExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_workflow_node_duration_seconds",
				Help:    "Duration of workflow node executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"node", "mode"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "error_kind"},
		),

		ActiveConversations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_active_conversations",
				Help: "Current number of open conversations",
			},
		),

		ConversationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_conversation_duration_seconds",
				Help:    "Duration of conversations in seconds, from creation to latest message",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),

		WorkflowCacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_workflow_cache_total",
				Help: "Total number of WorkflowCache lookups by result",
			},
			[]string{"result"},
		),

		LLMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ContextWindowUsed: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_context_window_tokens",
				Help:    "Context window tokens used",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		RunAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_run_attempts_total",
				Help: "Total number of workflow run attempts by status",
			},
			[]string{"status"},
		),

		SecurityDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_security_denials_total",
				Help: "Total number of tool executions denied by SecurityManager, by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordNodeExecution records a workflow node's outcome and duration.
func (m *Metrics) RecordNodeExecution(node, mode, status string, durationSeconds float64) {
	m.NodeExecutionCounter.WithLabelValues(node, mode, status).Inc()
	m.NodeExecutionDuration.WithLabelValues(node, mode).Observe(durationSeconds)
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

// RecordError increments the error counter for a given component and error kind.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}

// ConversationStarted increments the active conversations gauge.
func (m *Metrics) ConversationStarted() {
	m.ActiveConversations.Inc()
}

// ConversationEnded decrements the active conversations gauge and records
// its lifetime.
func (m *Metrics) ConversationEnded(durationSeconds float64) {
	m.ActiveConversations.Dec()
	m.ConversationDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records metrics for a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordCacheHit records a WorkflowCache hit.
func (m *Metrics) RecordCacheHit() {
	m.WorkflowCacheCounter.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a WorkflowCache miss.
func (m *Metrics) RecordCacheMiss() {
	m.WorkflowCacheCounter.WithLabelValues("miss").Inc()
}

// RecordLLMCost records estimated API cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordContextWindow records context window utilization.
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordRunAttempt records a workflow run attempt.
func (m *Metrics) RecordRunAttempt(status string) {
	m.RunAttempts.WithLabelValues(status).Inc()
}

// RecordSecurityDenial records a tool execution denied by SecurityManager.
func (m *Metrics) RecordSecurityDenial(reason string) {
	m.SecurityDenials.WithLabelValues(reason).Inc()
}
