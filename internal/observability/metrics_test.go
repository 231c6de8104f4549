package observability

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWithRegisterer(prometheus.NewRegistry())
}

func TestNewMetrics(t *testing.T) {
	m := newTestMetrics(t)
	if m.NodeExecutionCounter == nil {
		t.Fatal("expected NodeExecutionCounter to be initialized")
	}
	if m.ActiveConversations == nil {
		t.Fatal("expected ActiveConversations gauge to be initialized")
	}
}

func TestRecordNodeExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordNodeExecution("model", "plain", "success", 0.25)

	expected := `
		# HELP nexus_workflow_node_executions_total Total number of workflow node executions by node, mode, and status
		# TYPE nexus_workflow_node_executions_total counter
		nexus_workflow_node_executions_total{mode="plain",node="model",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.NodeExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.NodeExecutionDuration); count != 1 {
		t.Errorf("expected 1 duration observation, got %d", count)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("anthropic", "claude-3-opus", "success", 1.2, 120, 40)

	expected := `
		# HELP nexus_llm_requests_total Total number of LLM requests by provider, model, and status
		# TYPE nexus_llm_requests_total counter
		nexus_llm_requests_total{model="claude-3-opus",provider="anthropic",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}

	tokensExpected := `
		# HELP nexus_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE nexus_llm_tokens_total counter
		nexus_llm_tokens_total{model="claude-3-opus",provider="anthropic",type="completion"} 40
		nexus_llm_tokens_total{model="claude-3-opus",provider="anthropic",type="prompt"} 120
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(tokensExpected)); err != nil {
		t.Errorf("unexpected token metric value: %v", err)
	}
}

func TestRecordLLMRequest_ZeroTokensNotRecorded(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("anthropic", "claude-3-opus", "error", 0.5, 0, 0)

	if count := testutil.CollectAndCount(m.LLMTokensUsed); count != 0 {
		t.Errorf("expected no token observations for a zero-token request, got %d", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolExecution("web_search", "success", 0.05)
	m.RecordToolExecution("web_search", "success", 0.08)
	m.RecordToolExecution("browser", "denied", 0.01)

	expected := `
		# HELP nexus_tool_executions_total Total number of tool executions by tool name and status
		# TYPE nexus_tool_executions_total counter
		nexus_tool_executions_total{status="denied",tool_name="browser"} 1
		nexus_tool_executions_total{status="success",tool_name="web_search"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("orchestrator", "timeout")
	m.RecordError("orchestrator", "timeout")
	m.RecordError("provider", "no_provider")

	expected := `
		# HELP nexus_errors_total Total number of errors by component and error kind
		# TYPE nexus_errors_total counter
		nexus_errors_total{component="orchestrator",error_kind="timeout"} 2
		nexus_errors_total{component="provider",error_kind="no_provider"} 1
	`
	if err := testutil.CollectAndCompare(m.ErrorCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.ConversationStarted()
	m.ConversationStarted()
	m.ConversationEnded(300.0)

	if got := testutil.ToFloat64(m.ActiveConversations); got != 1 {
		t.Errorf("expected 1 active conversation, got %v", got)
	}
	if count := testutil.CollectAndCount(m.ConversationDuration); count != 1 {
		t.Errorf("expected 1 conversation duration observation, got %d", count)
	}
}

func TestRecordCacheHitAndMiss(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()

	expected := `
		# HELP nexus_workflow_cache_total Total number of WorkflowCache lookups by result
		# TYPE nexus_workflow_cache_total counter
		nexus_workflow_cache_total{result="hit"} 2
		nexus_workflow_cache_total{result="miss"} 1
	`
	if err := testutil.CollectAndCompare(m.WorkflowCacheCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordLLMCost(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMCost("openai", "gpt-4", 0.015)
	m.RecordLLMCost("openai", "gpt-4", 0.02)

	if got := testutil.ToFloat64(m.LLMCostUSD.WithLabelValues("openai", "gpt-4")); got < 0.034 || got > 0.036 {
		t.Errorf("expected cost close to 0.035, got %v", got)
	}
}

func TestRecordContextWindow(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordContextWindow("anthropic", "claude-3-opus", 4096)

	if count := testutil.CollectAndCount(m.ContextWindowUsed); count != 1 {
		t.Errorf("expected 1 context window observation, got %d", count)
	}
}

func TestRecordRunAttempt(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunAttempt("success")
	m.RecordRunAttempt("success")
	m.RecordRunAttempt("retry")

	expected := `
		# HELP nexus_run_attempts_total Total number of workflow run attempts by status
		# TYPE nexus_run_attempts_total counter
		nexus_run_attempts_total{status="retry"} 1
		nexus_run_attempts_total{status="success"} 2
	`
	if err := testutil.CollectAndCompare(m.RunAttempts, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordSecurityDenial(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSecurityDenial("rate_limit_exceeded")

	expected := `
		# HELP nexus_security_denials_total Total number of tool executions denied by SecurityManager, by reason
		# TYPE nexus_security_denials_total counter
		nexus_security_denials_total{reason="rate_limit_exceeded"} 1
	`
	if err := testutil.CollectAndCompare(m.SecurityDenials, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHTTPRequest("POST", "/v1/chat", "200", 0.02)

	if count := testutil.CollectAndCount(m.HTTPRequestCounter); count != 1 {
		t.Errorf("expected 1 HTTP request recorded, got %d", count)
	}
}

func TestRecordDatabaseQuery(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDatabaseQuery("select", "conversations", "success", 0.003)
	m.RecordDatabaseQuery("insert", "messages", "error", 0.001)

	if count := testutil.CollectAndCount(m.DatabaseQueryCounter); count != 2 {
		t.Errorf("expected 2 database query observations, got %d", count)
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := newTestMetrics(t)

	var wg sync.WaitGroup
	iterations := 100
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			m.RecordToolExecution("a", "success", 0.001)
			time.Sleep(time.Microsecond)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			m.RecordToolExecution("b", "success", 0.001)
			time.Sleep(time.Microsecond)
		}
	}()

	wg.Wait()

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("a", "success")); got != float64(iterations) {
		t.Errorf("expected %d executions for tool a, got %v", iterations, got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("b", "success")); got != float64(iterations) {
		t.Errorf("expected %d executions for tool b, got %v", iterations, got)
	}
}
