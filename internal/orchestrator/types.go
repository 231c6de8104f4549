// Package orchestrator implements ChatOrchestrator (spec §4.10): the
// single entry point that turns one chat request into a conversation
// mutation by resolving a provider, compiling or reusing a cached
// workflow, running it, and persisting the result. It is the component
// every other package in this module feeds into; it imports
// internal/conversation, internal/providers, internal/toolregistry,
// internal/wfsecurity, internal/wfcache, internal/wftemplates,
// internal/workflow, internal/wfmetrics, internal/retrieval, and
// internal/observability and wires them together the way
// internal/agent/runtime.go::run wires a single agentic loop's
// dependencies, generalized to the resolve/cache/run/persist pipeline
// spec §4.10 describes.
package orchestrator

import (
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/workflow"
)

// maxMessageLength bounds a single chat request's message content, per
// spec §6.
const maxMessageLength = 10000

// SourceKind selects how a run's workflow graph and config are obtained.
type SourceKind string

const (
	// SourceTemplate resolves TemplateName through the TemplateRegistry
	// and merges Params on top of its defaults.
	SourceTemplate SourceKind = "template"
	// SourceDefinition builds directly from Mode and Params, as if the
	// caller had saved a named workflow definition ahead of time.
	SourceDefinition SourceKind = "definition"
	// SourceDynamic is identical to SourceDefinition in how it is built;
	// it exists as a distinct kind so callers can distinguish an ad hoc,
	// one-off configuration from a durable saved definition in logs and
	// metrics.
	SourceDynamic SourceKind = "dynamic"
)

// WorkflowSource describes how to obtain the workflow graph for a run.
type WorkflowSource struct {
	Kind         SourceKind
	TemplateName string // required for SourceTemplate
	Mode         workflow.Mode
	Params       map[string]any
}

// Overrides are request-scoped adjustments layered on top of whatever
// WorkflowSource resolves to.
type Overrides struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Provider     string
}

// Request is one chat turn.
type Request struct {
	ConversationID string // empty creates a new conversation
	UserID         string
	Message        string

	WorkflowSource WorkflowSource
	Overrides      Overrides

	EnableRetrieval bool
	EnableTools     bool
	EnableMemory    bool
	AllowedTools    []string
	RetrieverName   string

	Timeout time.Duration
}

// Response is the synchronous outcome of Chat.
type Response struct {
	ConversationID string
	MessageID      string
	Content        string
	Usage          workflow.Usage
}

// StreamEventType enumerates the event kinds ChatStream emits, per
// spec §6's streaming output shape.
type StreamEventType string

const (
	StreamStart         StreamEventType = "start"
	StreamNodeStart     StreamEventType = "node_start"
	StreamNodeComplete  StreamEventType = "node_complete"
	StreamToken         StreamEventType = "token"
	StreamUsage         StreamEventType = "usage"
	StreamEnd           StreamEventType = "end"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one item of a ChatStream response.
type StreamEvent struct {
	Type          StreamEventType
	Content       string
	Metadata      map[string]any
	CorrelationID string
}
