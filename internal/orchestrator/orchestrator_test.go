package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/haasonsaas/nexus-workflow/internal/conversation"
	"github.com/haasonsaas/nexus-workflow/internal/observability"
	"github.com/haasonsaas/nexus-workflow/internal/providers"
	"github.com/haasonsaas/nexus-workflow/internal/retrieval"
	"github.com/haasonsaas/nexus-workflow/internal/toolregistry"
	"github.com/haasonsaas/nexus-workflow/internal/wfcache"
	"github.com/haasonsaas/nexus-workflow/internal/wfmetrics"
	"github.com/haasonsaas/nexus-workflow/internal/wfsecurity"
	"github.com/haasonsaas/nexus-workflow/internal/wftemplates"
	"github.com/haasonsaas/nexus-workflow/internal/workflow"
)

// stubGenerator echoes a fixed reply, following the pattern used by
// internal/providers' own stubGenerator test helper.
type stubGenerator struct {
	name  string
	reply string
}

func (g *stubGenerator) Name() string { return g.name }

func (g *stubGenerator) Stream(ctx context.Context, req providers.Request) (<-chan providers.Chunk, error) {
	out := make(chan providers.Chunk, 2)
	go func() {
		defer close(out)
		out <- providers.Chunk{Text: g.reply, InputTokens: 5, OutputTokens: 7}
		out <- providers.Chunk{Done: true}
	}()
	return out, nil
}

// sharedObsMetrics is constructed once: observability.NewMetrics registers
// every instrument with Prometheus's default registry, and a second call
// within the same test binary would panic on duplicate registration.
var (
	sharedObsMetricsOnce sync.Once
	sharedObsMetrics     *observability.Metrics
)

func testObsMetrics() *observability.Metrics {
	sharedObsMetricsOnce.Do(func() {
		sharedObsMetrics = observability.NewMetrics()
	})
	return sharedObsMetrics
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	providerReg := providers.NewRegistry()
	providerReg.Register("stub", &stubGenerator{name: "stub", reply: "hello there"})

	toolReg := toolregistry.New()

	security := wfsecurity.New()
	security.GrantToolPermission("user-1", "echo", wfsecurity.PermissionRead, []string{"execute"}, 0, nil)

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "test"})

	return New(Config{
		Conversations:   conversation.NewMemoryStore(),
		Providers:       providerReg,
		Tools:           toolReg,
		Security:        security,
		Cache:           wfcache.New(100),
		Templates:       wftemplates.NewRegistry(),
		Retrievers:      retrieval.NewRegistry(),
		Metrics:         wfmetrics.New(),
		Logger:          logger,
		Tracer:          tracer,
		ObsMetrics:      testObsMetrics(),
		Events:          observability.NewEventRecorder(observability.NewMemoryEventStore(1000), logger),
		DefaultProvider: "stub",
	})
}

func TestChat_PlainDefinitionSource(t *testing.T) {
	o := newTestOrchestrator(t)

	resp, err := o.Chat(context.Background(), Request{
		UserID:  "user-1",
		Message: "hi",
		WorkflowSource: WorkflowSource{
			Kind: SourceDefinition,
			Mode: workflow.ModePlain,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("expected echoed reply, got %q", resp.Content)
	}
	if resp.ConversationID == "" || resp.MessageID == "" {
		t.Fatal("expected conversation and message ids to be populated")
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 7 {
		t.Fatalf("expected usage to be propagated, got %+v", resp.Usage)
	}
}

func TestChat_TemplateSource(t *testing.T) {
	o := newTestOrchestrator(t)

	resp, err := o.Chat(context.Background(), Request{
		UserID:  "user-1",
		Message: "hi",
		WorkflowSource: WorkflowSource{
			Kind:         SourceTemplate,
			TemplateName: "general_chat",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("expected echoed reply, got %q", resp.Content)
	}
}

func TestChat_ReusesExistingConversation(t *testing.T) {
	o := newTestOrchestrator(t)

	first, err := o.Chat(context.Background(), Request{
		UserID:  "user-1",
		Message: "hi",
		WorkflowSource: WorkflowSource{
			Kind: SourceDefinition,
			Mode: workflow.ModePlain,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := o.Chat(context.Background(), Request{
		ConversationID: first.ConversationID,
		UserID:         "user-1",
		Message:        "again",
		WorkflowSource: WorkflowSource{
			Kind: SourceDefinition,
			Mode: workflow.ModePlain,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("expected same conversation id, got %q vs %q", second.ConversationID, first.ConversationID)
	}
}

func TestChat_UnknownConversationIsNotFound(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Chat(context.Background(), Request{
		ConversationID: "does-not-exist",
		UserID:         "user-1",
		Message:        "hi",
		WorkflowSource: WorkflowSource{Kind: SourceDefinition, Mode: workflow.ModePlain},
	})
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}

func TestChat_NoProviderConfigured(t *testing.T) {
	o := newTestOrchestrator(t)
	o.defaultProvider = ""
	o.providers = providers.NewRegistry()

	_, err := o.Chat(context.Background(), Request{
		UserID:  "user-1",
		Message: "hi",
		WorkflowSource: WorkflowSource{Kind: SourceDefinition, Mode: workflow.ModePlain},
	})
	if err == nil {
		t.Fatal("expected error when no provider is available")
	}
}

func TestChat_MessageTooLong(t *testing.T) {
	o := newTestOrchestrator(t)

	oversized := make([]byte, maxMessageLength+1)
	for i := range oversized {
		oversized[i] = 'a'
	}

	_, err := o.Chat(context.Background(), Request{
		UserID:  "user-1",
		Message: string(oversized),
		WorkflowSource: WorkflowSource{Kind: SourceDefinition, Mode: workflow.ModePlain},
	})
	if err == nil {
		t.Fatal("expected validation error for oversized message")
	}
}

func TestChat_WithToolsDispatchesThroughRegistry(t *testing.T) {
	o := newTestOrchestrator(t)

	o.providers = providers.NewRegistry()
	o.providers.Register("stub", &stubGenerator{name: "stub", reply: `{"tool_calls":[{"id":"call-1","name":"echo","arguments":{"text":"hi"}}]}`})
	o.defaultProvider = "stub"

	if err := o.tools.Register(toolregistry.Descriptor{
		Name: "echo",
		Construct: func() (toolregistry.Handler, error) {
			return func(ctx context.Context, params json.RawMessage) (*toolregistry.Result, error) {
				return &toolregistry.Result{Content: "echoed"}, nil
			}, nil
		},
	}); err != nil {
		t.Fatalf("unexpected error registering tool: %v", err)
	}

	resp, err := o.Chat(context.Background(), Request{
		UserID:       "user-1",
		Message:      "please echo",
		EnableTools:  true,
		AllowedTools: []string{"echo"},
		WorkflowSource: WorkflowSource{
			Kind: SourceDefinition,
			Mode: workflow.ModeTools,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}
}

func TestChatStream_EmitsStartAndEnd(t *testing.T) {
	o := newTestOrchestrator(t)

	events, err := o.ChatStream(context.Background(), Request{
		UserID:  "user-1",
		Message: "hi",
		WorkflowSource: WorkflowSource{
			Kind: SourceDefinition,
			Mode: workflow.ModePlain,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var types []StreamEventType
	for ev := range events {
		types = append(types, ev.Type)
	}

	if len(types) == 0 || types[0] != StreamStart {
		t.Fatalf("expected first event to be start, got %+v", types)
	}
	if types[len(types)-1] != StreamEnd {
		t.Fatalf("expected last event to be end, got %+v", types)
	}
}

func TestResolveProvider_FallbackOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	o.providers.Register("override", &stubGenerator{name: "override"})
	o.providers.Register("preferred", &stubGenerator{name: "preferred"})

	conv := &conversation.Conversation{Metadata: map[string]any{"preferred_provider": "preferred"}}

	name, err := o.resolveProvider(conv, Request{Overrides: Overrides{Provider: "override"}})
	if err != nil || name != "override" {
		t.Fatalf("expected override to win, got %q, err %v", name, err)
	}

	name, err = o.resolveProvider(conv, Request{})
	if err != nil || name != "preferred" {
		t.Fatalf("expected conversation preference to win, got %q, err %v", name, err)
	}

	name, err = o.resolveProvider(&conversation.Conversation{}, Request{})
	if err != nil || name != o.defaultProvider {
		t.Fatalf("expected default provider to win, got %q, err %v", name, err)
	}
}
