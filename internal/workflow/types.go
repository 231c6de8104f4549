// Package workflow implements WorkflowBuilder (spec §4.7) and
// WorkflowExecutor (spec §4.8): compiling a mode-specific node graph and
// running it against a WorkflowContext, synchronously or as a stream of
// events. Node functions are grounded on the agentic loop in
// internal/agent/runtime.go::run — that loop already performs the
// pack-context, call-model, dispatch-tools, repeat sequence this package
// makes into named, composable steps.
package workflow

import (
	"context"

	"github.com/haasonsaas/nexus-workflow/internal/providers"
)

// Mode selects which node graph WorkflowBuilder compiles.
type Mode string

const (
	ModePlain Mode = "plain"
	ModeRAG   Mode = "rag"
	ModeTools Mode = "tools"
	ModeFull  Mode = "full"
)

// ToolCall is a structured tool invocation extracted from an assistant
// message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn of the working conversation the graph operates on.
type Message struct {
	Role        string // "system", "user", "assistant", "tool"
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// WorkflowContext is the state threaded through every node. Node functions
// mutate it in place and return an error to abort the run; spec §4.7 calls
// this "a pure function of WorkflowContext → WorkflowContext" — mutating a
// single owned value in place is the Go-idiomatic equivalent of returning
// a new one, since no other goroutine observes it during a run.
type WorkflowContext struct {
	Messages         []Message
	RetrievalContext []string
	Summary          string
	ToolCallCount    int
	Usage            Usage
	Metadata         map[string]any
	Error            error
}

// Usage accumulates token counts across every Model node invocation in a
// run.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Retriever fetches the top-k passages relevant to query. A nil Retriever
// makes the Retriever node a no-op, per spec §4.7.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// ToolExecutor runs a named tool with JSON-able arguments. Implemented by
// internal/toolregistry.Registry via an adapter in the orchestrator.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, arguments map[string]any) (ToolResult, error)
}

// Authorizer gates tool execution through SecurityManager. Implemented by
// internal/wfsecurity.Manager via an adapter.
type Authorizer interface {
	Authorize(userID, workflowID, workflowMode, toolName string, arguments map[string]any) bool
}

// Deps are the call-time dependencies a compiled Workflow is run against.
// They are never part of the cache key or the cached Workflow value
// itself — only the graph shape and static Config are cached (see
// DESIGN.md's Open Question #1 decision) — so the same compiled Workflow
// can run against different users/tool-sets/providers on each call.
type Deps struct {
	UserID     string
	WorkflowID string
	Generator  providers.Generator
	Model      string
	Retriever  Retriever
	Tools      ToolExecutor
	Security   Authorizer
}
