// Package observability provides diagnostic event types and emission.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticRunState represents the state of a workflow run.
type DiagnosticRunState string

const (
	RunStateIdle       DiagnosticRunState = "idle"
	RunStateProcessing DiagnosticRunState = "processing"
	RunStateWaiting    DiagnosticRunState = "waiting"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeModelUsage          DiagnosticEventType = "model.usage"
	EventTypeRunStarted          DiagnosticEventType = "run.started"
	EventTypeRunCompleted        DiagnosticEventType = "run.completed"
	EventTypeRunError            DiagnosticEventType = "run.error"
	EventTypeNodeEntered         DiagnosticEventType = "node.entered"
	EventTypeNodeCompleted       DiagnosticEventType = "node.completed"
	EventTypeRunState            DiagnosticEventType = "run.state"
	EventTypeRunStuck            DiagnosticEventType = "run.stuck"
	EventTypeCacheLookup         DiagnosticEventType = "cache.lookup"
	EventTypeRunAttempt          DiagnosticEventType = "run.attempt"
	EventTypeSecurityDenial      DiagnosticEventType = "security.denial"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ModelUsageEvent tracks token usage for a model request.
type ModelUsageEvent struct {
	DiagnosticEvent
	RunID      string          `json:"run_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      UsageDetails    `json:"usage"`
	Context    *ContextDetails `json:"context,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// UsageDetails contains token usage breakdown.
type UsageDetails struct {
	Input        int64 `json:"input,omitempty"`
	Output       int64 `json:"output,omitempty"`
	CacheRead    int64 `json:"cache_read,omitempty"`
	CacheWrite   int64 `json:"cache_write,omitempty"`
	PromptTokens int64 `json:"prompt_tokens,omitempty"`
	Total        int64 `json:"total,omitempty"`
}

// ContextDetails contains context window information.
type ContextDetails struct {
	Limit int64 `json:"limit,omitempty"`
	Used  int64 `json:"used,omitempty"`
}

// RunStartedEvent tracks the start of a workflow run.
type RunStartedEvent struct {
	DiagnosticEvent
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	WorkflowMode   string `json:"workflow_mode"`
}

// RunCompletedEvent tracks the completion of a workflow run.
type RunCompletedEvent struct {
	DiagnosticEvent
	RunID      string `json:"run_id"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// RunErrorEvent tracks a failed workflow run.
type RunErrorEvent struct {
	DiagnosticEvent
	RunID string `json:"run_id"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// NodeEnteredEvent tracks a workflow node being entered.
type NodeEnteredEvent struct {
	DiagnosticEvent
	RunID string `json:"run_id,omitempty"`
	Node  string `json:"node"`
}

// NodeCompletedEvent tracks a workflow node completing.
type NodeCompletedEvent struct {
	DiagnosticEvent
	RunID      string `json:"run_id,omitempty"`
	Node       string `json:"node"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Outcome    string `json:"outcome"` // "completed", "skipped", "error"
	Error      string `json:"error,omitempty"`
}

// RunStateEvent tracks workflow run state changes.
type RunStateEvent struct {
	DiagnosticEvent
	RunID     string             `json:"run_id,omitempty"`
	PrevState DiagnosticRunState `json:"prev_state,omitempty"`
	State     DiagnosticRunState `json:"state"`
	Reason    string             `json:"reason,omitempty"`
}

// RunStuckEvent tracks runs that have exceeded their expected lifetime
// without completing, typically flagged by MetricsCollector's anomaly
// detection or a timeout watchdog.
type RunStuckEvent struct {
	DiagnosticEvent
	RunID string             `json:"run_id,omitempty"`
	State DiagnosticRunState `json:"state"`
	AgeMs int64              `json:"age_ms"`
}

// CacheLookupEvent tracks a WorkflowCache lookup.
type CacheLookupEvent struct {
	DiagnosticEvent
	ConfigDigest string `json:"config_digest,omitempty"`
	Hit          bool   `json:"hit"`
}

// RunAttemptEvent tracks run attempts (for retry tracking).
type RunAttemptEvent struct {
	DiagnosticEvent
	ConversationID string `json:"conversation_id,omitempty"`
	RunID          string `json:"run_id"`
	Attempt        int    `json:"attempt"`
}

// SecurityDenialEvent tracks a tool execution denied by the SecurityManager.
type SecurityDenialEvent struct {
	DiagnosticEvent
	RunID    string `json:"run_id,omitempty"`
	ToolName string `json:"tool_name"`
	Reason   string `json:"reason"`
}

// DiagnosticHeartbeatEvent tracks diagnostic heartbeats.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	ActiveRuns int `json:"active_runs"`
	Waiting    int `json:"waiting"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

// Implement DiagnosticEventPayload for all event types
func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64                { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter manages diagnostic event emission.
type DiagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   bool
	listeners []DiagnosticListener
}

var globalEmitter = &DiagnosticEmitter{}

// SetDiagnosticsEnabled enables or disables diagnostic events.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener for diagnostic events.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.listeners = append(globalEmitter.listeners, listener)

	// Return unsubscribe function
	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		for i, l := range globalEmitter.listeners {
			// Compare function pointers (this is a simplification)
			if &l == &listener {
				globalEmitter.listeners = append(globalEmitter.listeners[:i], globalEmitter.listeners[i+1:]...)
				break
			}
		}
	}
}

// nextSeq returns the next sequence number.
func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

// emit sends an event to all listeners.
func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, len(globalEmitter.listeners))
	copy(listeners, globalEmitter.listeners)
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					_ = recovered
				}
			}() // Ignore listener panics
			listener(event)
		}()
	}
}

// EmitModelUsage emits a model usage event.
func EmitModelUsage(e *ModelUsageEvent) {
	e.Type = EventTypeModelUsage
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunStarted emits a run started event.
func EmitRunStarted(e *RunStartedEvent) {
	e.Type = EventTypeRunStarted
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunCompleted emits a run completed event.
func EmitRunCompleted(e *RunCompletedEvent) {
	e.Type = EventTypeRunCompleted
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunError emits a run error event.
func EmitRunError(e *RunErrorEvent) {
	e.Type = EventTypeRunError
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitNodeEntered emits a node entered event.
func EmitNodeEntered(e *NodeEnteredEvent) {
	e.Type = EventTypeNodeEntered
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitNodeCompleted emits a node completed event.
func EmitNodeCompleted(e *NodeCompletedEvent) {
	e.Type = EventTypeNodeCompleted
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunState emits a run state event.
func EmitRunState(e *RunStateEvent) {
	e.Type = EventTypeRunState
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunStuck emits a run stuck event.
func EmitRunStuck(e *RunStuckEvent) {
	e.Type = EventTypeRunStuck
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitCacheLookup emits a WorkflowCache lookup event.
func EmitCacheLookup(e *CacheLookupEvent) {
	e.Type = EventTypeCacheLookup
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunAttempt emits a run attempt event.
func EmitRunAttempt(e *RunAttemptEvent) {
	e.Type = EventTypeRunAttempt
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitSecurityDenial emits a security denial event.
func EmitSecurityDenial(e *SecurityDenialEvent) {
	e.Type = EventTypeSecurityDenial
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitDiagnosticHeartbeat emits a diagnostic heartbeat event.
func EmitDiagnosticHeartbeat(e *DiagnosticHeartbeatEvent) {
	e.Type = EventTypeDiagnosticHeartbeat
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// ResetDiagnosticsForTest resets diagnostic state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = nil
}
