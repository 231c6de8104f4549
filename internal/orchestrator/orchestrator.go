package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/conversation"
	"github.com/haasonsaas/nexus-workflow/internal/ids"
	"github.com/haasonsaas/nexus-workflow/internal/observability"
	"github.com/haasonsaas/nexus-workflow/internal/providers"
	"github.com/haasonsaas/nexus-workflow/internal/retrieval"
	"github.com/haasonsaas/nexus-workflow/internal/toolregistry"
	"github.com/haasonsaas/nexus-workflow/internal/wfcache"
	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
	"github.com/haasonsaas/nexus-workflow/internal/wfmetrics"
	"github.com/haasonsaas/nexus-workflow/internal/wfsecurity"
	"github.com/haasonsaas/nexus-workflow/internal/wftemplates"
	"github.com/haasonsaas/nexus-workflow/internal/workflow"
)

// defaultHistoryWindow bounds how many prior messages are loaded into a
// run's WorkflowContext, matching the "bounded window" spec §4.10 step 6
// asks for.
const defaultHistoryWindow = 50

// preferredProviderKey is the Conversation.Metadata key a caller may set
// to pin a conversation to a provider, consulted by provider resolution
// between a request override and the configured default.
const preferredProviderKey = "preferred_provider"

// Config wires every component ChatOrchestrator depends on. All fields
// are required except DefaultProvider, RunTimeout, and HistoryWindow,
// which fall back to sensible defaults.
type Config struct {
	Conversations conversation.Store
	Providers     *providers.Registry
	Tools         *toolregistry.Registry
	Security      *wfsecurity.Manager
	Cache         *wfcache.Cache
	Templates     *wftemplates.Registry
	Retrievers    *retrieval.Registry
	Metrics       *wfmetrics.Collector

	Logger     *observability.Logger
	Tracer     *observability.Tracer
	ObsMetrics *observability.Metrics
	Events     *observability.EventRecorder

	DefaultProvider string
	RunTimeout      time.Duration
	HistoryWindow   int
}

// Orchestrator is ChatOrchestrator: it resolves a provider and workflow,
// runs it against a conversation's history, and persists the result.
type Orchestrator struct {
	conversations conversation.Store
	providers     *providers.Registry
	tools         *toolregistry.Registry
	security      *wfsecurity.Manager
	cache         *wfcache.Cache
	templates     *wftemplates.Registry
	retrievers    *retrieval.Registry
	metrics       *wfmetrics.Collector

	logger     *observability.Logger
	tracer     *observability.Tracer
	obsMetrics *observability.Metrics
	events     *observability.EventRecorder

	defaultProvider string
	runTimeout      time.Duration
	historyWindow   int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	historyWindow := cfg.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Orchestrator{
		conversations:   cfg.Conversations,
		providers:       cfg.Providers,
		tools:           cfg.Tools,
		security:        cfg.Security,
		cache:           cfg.Cache,
		templates:       cfg.Templates,
		retrievers:      cfg.Retrievers,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		obsMetrics:      cfg.ObsMetrics,
		events:          cfg.Events,
		defaultProvider: cfg.DefaultProvider,
		runTimeout:      cfg.RunTimeout,
		historyWindow:   historyWindow,
		locks:           make(map[string]*sync.Mutex),
	}
}

// lockConversation acquires the per-conversation lock for id, returning an
// unlock func. Concurrent runs against the same conversation are
// serialized this way (spec §5); the lock is held only for the duration
// of this run, not across the Orchestrator's lifetime.
func (o *Orchestrator) lockConversation(id string) func() {
	o.locksMu.Lock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	o.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Chat runs spec §4.10's synchronous ten-step path: resolve conversation,
// resolve provider, resolve retriever/tools, compile-or-cache the
// workflow, persist the user message, run, persist the assistant message,
// and record metrics.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	correlationID := ids.New()

	if err := validateRequest(req); err != nil {
		return nil, wferrors.New(wferrors.KindValidation, correlationID, err)
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := o.lockConversation(conv.ID)
	defer unlock()

	providerName, err := o.resolveProvider(conv, req)
	if err != nil {
		return nil, err
	}
	generator, err := o.providers.Get(providerName)
	if err != nil {
		return nil, wferrors.New(wferrors.KindNoProvider, correlationID, err)
	}

	mode, params, err := o.resolveWorkflowSource(req)
	if err != nil {
		return nil, err
	}
	applyOverrides(params, req)

	ctx, span := o.tracer.TraceWorkflowRun(ctx, string(mode), conv.ID)
	defer span.End()

	var retr workflow.Retriever
	if req.EnableRetrieval {
		r, err := o.retrievers.Get(req.RetrieverName)
		if err != nil {
			return nil, wferrors.New(wferrors.KindConfiguration, correlationID, err)
		}
		retr = r
	}

	var toolExec workflow.ToolExecutor
	if req.EnableTools {
		toolExec = newAllowlistToolExecutor(toolExecutorAdapter{registry: o.tools}, req.AllowedTools)
	}

	digest, err := wfcache.Digest(providerName, string(mode), params)
	if err != nil {
		return nil, wferrors.New(wferrors.KindInternal, correlationID, err)
	}
	wf, err := o.loadOrBuildWorkflow(ctx, digest, mode, params)
	if err != nil {
		return nil, wferrors.New(wferrors.KindConfiguration, correlationID, err)
	}

	userMsg := &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        req.Message,
	}
	if err := o.conversations.AppendMessage(ctx, conv.ID, req.UserID, userMsg); err != nil {
		return nil, wferrors.New(wferrors.KindConflict, correlationID, err)
	}

	history, err := o.conversations.GetHistory(ctx, conv.ID, req.UserID, o.historyWindow)
	if err != nil {
		return nil, wferrors.New(wferrors.KindInternal, correlationID, err)
	}

	deps := &workflow.Deps{
		UserID:     req.UserID,
		WorkflowID: conv.ID,
		Generator:  generator,
		Retriever:  retr,
		Tools:      toolExec,
		Security:   securityAdapter{manager: o.security},
	}

	runID := o.metrics.Start(string(mode), req.UserID, conv.ID, providerName, deps.Model, params)
	observability.EmitRunStarted(&observability.RunStartedEvent{RunID: runID, ConversationID: conv.ID, WorkflowMode: string(mode)})
	eventCtx := observability.AddSessionID(ctx, conv.ID)
	o.events.RecordRunStart(eventCtx, runID, map[string]interface{}{"conversation_id": conv.ID, "mode": string(mode)})
	started := time.Now()

	timeout := o.runTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	finalWC, runErr := workflow.RunWithTimeout(ctx, wf, deps, workflow.WorkflowContext{Messages: toWorkflowMessages(history)}, timeout)

	if runErr != nil {
		o.metrics.Update(runID, wfmetrics.Update{Error: runErr.Error()})
		o.metrics.Finish(runID, nil)
		o.obsMetrics.RecordRunAttempt("error")
		observability.EmitRunError(&observability.RunErrorEvent{RunID: runID, Kind: string(wferrors.KindOf(runErr)), Error: runErr.Error()})
		o.events.RecordRunEnd(observability.AddRunID(eventCtx, runID), time.Since(started), runErr)
		o.logger.Error(ctx, "workflow run failed", "run_id", runID, "conversation_id", conv.ID, "error", runErr)
		return nil, runErr
	}

	content, _ := lastAssistantMessage(finalWC.Messages)
	assistantMsg := &conversation.Message{
		ConversationID:   conv.ID,
		Role:             conversation.RoleAssistant,
		Content:          content,
		Provider:         providerName,
		PromptTokens:     int64(finalWC.Usage.InputTokens),
		CompletionTokens: int64(finalWC.Usage.OutputTokens),
	}
	if err := o.conversations.AppendMessage(ctx, conv.ID, req.UserID, assistantMsg); err != nil {
		return nil, wferrors.New(wferrors.KindConflict, correlationID, err)
	}

	toolCalls := finalWC.ToolCallCount
	o.metrics.Update(runID, wfmetrics.Update{
		TokenUsage: map[string]int{providerName: finalWC.Usage.InputTokens + finalWC.Usage.OutputTokens},
		ToolCalls:  &toolCalls,
	})
	o.metrics.Finish(runID, nil)
	o.obsMetrics.RecordRunAttempt("success")
	o.obsMetrics.ConversationEnded(time.Since(started).Seconds())
	observability.EmitRunCompleted(&observability.RunCompletedEvent{RunID: runID, DurationMs: time.Since(started).Milliseconds()})
	o.events.RecordRunEnd(observability.AddRunID(eventCtx, runID), time.Since(started), nil)

	return &Response{
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		Content:        content,
		Usage:          finalWC.Usage,
	}, nil
}

// ChatStream runs the streaming variant of spec §4.10: identical setup to
// Chat, but execution goes through workflow.Stream and emitted tokens are
// forwarded to the caller in real time while being accumulated for the
// final persisted assistant message.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	correlationID := ids.New()

	if err := validateRequest(req); err != nil {
		return nil, wferrors.New(wferrors.KindValidation, correlationID, err)
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	providerName, err := o.resolveProvider(conv, req)
	if err != nil {
		return nil, err
	}
	generator, err := o.providers.Get(providerName)
	if err != nil {
		return nil, wferrors.New(wferrors.KindNoProvider, correlationID, err)
	}

	mode, params, err := o.resolveWorkflowSource(req)
	if err != nil {
		return nil, err
	}
	applyOverrides(params, req)

	var retr workflow.Retriever
	if req.EnableRetrieval {
		r, err := o.retrievers.Get(req.RetrieverName)
		if err != nil {
			return nil, wferrors.New(wferrors.KindConfiguration, correlationID, err)
		}
		retr = r
	}

	var toolExec workflow.ToolExecutor
	if req.EnableTools {
		toolExec = newAllowlistToolExecutor(toolExecutorAdapter{registry: o.tools}, req.AllowedTools)
	}

	digest, err := wfcache.Digest(providerName, string(mode), params)
	if err != nil {
		return nil, wferrors.New(wferrors.KindInternal, correlationID, err)
	}
	wf, err := o.loadOrBuildWorkflow(ctx, digest, mode, params)
	if err != nil {
		return nil, wferrors.New(wferrors.KindConfiguration, correlationID, err)
	}

	userMsg := &conversation.Message{ConversationID: conv.ID, Role: conversation.RoleUser, Content: req.Message}
	if err := o.conversations.AppendMessage(ctx, conv.ID, req.UserID, userMsg); err != nil {
		return nil, wferrors.New(wferrors.KindConflict, correlationID, err)
	}

	history, err := o.conversations.GetHistory(ctx, conv.ID, req.UserID, o.historyWindow)
	if err != nil {
		return nil, wferrors.New(wferrors.KindInternal, correlationID, err)
	}

	deps := &workflow.Deps{
		UserID:     req.UserID,
		WorkflowID: conv.ID,
		Generator:  generator,
		Retriever:  retr,
		Tools:      toolExec,
		Security:   securityAdapter{manager: o.security},
	}

	out := make(chan StreamEvent, 16)

	go func() {
		unlock := o.lockConversation(conv.ID)
		defer unlock()
		defer close(out)

		runCtx, span := o.tracer.TraceWorkflowRun(ctx, string(mode), conv.ID)
		defer span.End()

		runID := o.metrics.Start(string(mode), req.UserID, conv.ID, providerName, deps.Model, params)
		observability.EmitRunStarted(&observability.RunStartedEvent{RunID: runID, ConversationID: conv.ID, WorkflowMode: string(mode)})
		eventCtx := observability.AddSessionID(ctx, conv.ID)
		o.events.RecordRunStart(eventCtx, runID, map[string]interface{}{"conversation_id": conv.ID, "mode": string(mode)})
		started := time.Now()

		out <- StreamEvent{Type: StreamStart, CorrelationID: correlationID}

		timeout := o.runTimeout
		if req.Timeout > 0 {
			timeout = req.Timeout
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, timeout)
			defer cancel()
		}

		initial := workflow.WorkflowContext{Messages: toWorkflowMessages(history)}
		events := wf.Stream(runCtx, deps, initial)

		var content strings.Builder
		var finalUsage workflow.Usage
		var toolCalls int
		var runErr error
		cancelled := false

		for ev := range events {
			switch ev.Kind {
			case workflow.EventNodeStart:
				out <- StreamEvent{Type: StreamNodeStart, Content: ev.Node, CorrelationID: correlationID}
			case workflow.EventNodeComplete:
				out <- StreamEvent{Type: StreamNodeComplete, Content: ev.Node, CorrelationID: correlationID}
			case workflow.EventToken:
				content.WriteString(ev.Token)
				out <- StreamEvent{Type: StreamToken, Content: ev.Token, CorrelationID: correlationID}
				if runCtx.Err() != nil {
					cancelled = true
				}
			case workflow.EventUsage:
				if ev.Usage != nil {
					finalUsage = *ev.Usage
				}
				out <- StreamEvent{Type: StreamUsage, CorrelationID: correlationID, Metadata: map[string]any{
					"input_tokens": finalUsage.InputTokens, "output_tokens": finalUsage.OutputTokens,
				}}
			case workflow.EventError:
				runErr = ev.Err
				out <- StreamEvent{Type: StreamError, Content: ev.Err.Error(), CorrelationID: correlationID}
			case workflow.EventEnd:
				out <- StreamEvent{Type: StreamEnd, CorrelationID: correlationID}
			}
		}

		if runErr != nil {
			o.metrics.Update(runID, wfmetrics.Update{Error: runErr.Error()})
			o.metrics.Finish(runID, nil)
			o.obsMetrics.RecordRunAttempt("error")
			observability.EmitRunError(&observability.RunErrorEvent{RunID: runID, Kind: string(wferrors.KindOf(runErr)), Error: runErr.Error()})
			o.events.RecordRunEnd(observability.AddRunID(eventCtx, runID), time.Since(started), runErr)
			o.logger.Error(ctx, "workflow stream failed", "run_id", runID, "conversation_id", conv.ID, "error", runErr)
			return
		}

		final := content.String()
		if final != "" && !cancelled {
			assistantMsg := &conversation.Message{
				ConversationID:   conv.ID,
				Role:             conversation.RoleAssistant,
				Content:          final,
				Provider:         providerName,
				PromptTokens:     int64(finalUsage.InputTokens),
				CompletionTokens: int64(finalUsage.OutputTokens),
			}
			if err := o.conversations.AppendMessage(ctx, conv.ID, req.UserID, assistantMsg); err != nil {
				o.logger.Error(ctx, "failed to persist streamed assistant message", "conversation_id", conv.ID, "error", err)
			}
		}

		o.metrics.Update(runID, wfmetrics.Update{
			TokenUsage: map[string]int{providerName: finalUsage.InputTokens + finalUsage.OutputTokens},
			ToolCalls:  &toolCalls,
		})
		o.metrics.Finish(runID, nil)
		o.obsMetrics.RecordRunAttempt("success")
		o.obsMetrics.ConversationEnded(time.Since(started).Seconds())
		observability.EmitRunCompleted(&observability.RunCompletedEvent{RunID: runID, DurationMs: time.Since(started).Milliseconds()})
		o.events.RecordRunEnd(observability.AddRunID(eventCtx, runID), time.Since(started), nil)
	}()

	return out, nil
}

func validateRequest(req Request) error {
	if req.Message == "" {
		return wferrors.Newf(wferrors.KindValidation, "", "message must not be empty")
	}
	if len(req.Message) > maxMessageLength {
		return wferrors.Newf(wferrors.KindValidation, "", "message exceeds maximum length of %d characters", maxMessageLength)
	}
	if req.UserID == "" {
		return wferrors.Newf(wferrors.KindValidation, "", "user id is required")
	}
	return nil
}

// defaultConversationTitle seeds a conversation auto-created on first
// message, since create_conversation rejects an empty title.
const defaultConversationTitle = "New Conversation"

func (o *Orchestrator) resolveConversation(ctx context.Context, req Request) (*conversation.Conversation, error) {
	if req.ConversationID == "" {
		conv := &conversation.Conversation{
			ID:       ids.New(),
			UserID:   req.UserID,
			Title:    defaultConversationTitle,
			Status:   conversation.StatusActive,
			Metadata: map[string]any{},
		}
		if err := o.conversations.CreateConversation(ctx, conv); err != nil {
			return nil, wferrors.New(wferrors.KindOf(err), "", err)
		}
		return conv, nil
	}

	// Propagate the store's error kind faithfully: a GetConversation
	// failure may be NotFound or, for a mismatched owner, Authorization,
	// and the latter must never be reported as NotFound.
	conv, err := o.conversations.GetConversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, wferrors.New(wferrors.KindOf(err), "", err)
	}
	return conv, nil
}

// resolveProvider applies spec §4.10 step 2's fallback order: request
// override, conversation preference, configured default, first available.
func (o *Orchestrator) resolveProvider(conv *conversation.Conversation, req Request) (string, error) {
	if req.Overrides.Provider != "" {
		return req.Overrides.Provider, nil
	}
	if conv.Metadata != nil {
		if v, ok := conv.Metadata[preferredProviderKey].(string); ok && v != "" {
			return v, nil
		}
	}
	if o.defaultProvider != "" {
		return o.defaultProvider, nil
	}
	names := o.providers.Names()
	if len(names) == 0 {
		return "", wferrors.Newf(wferrors.KindNoProvider, "", "no provider configured or registered")
	}
	sort.Strings(names)
	return names[0], nil
}

func (o *Orchestrator) resolveWorkflowSource(req Request) (workflow.Mode, map[string]any, error) {
	switch req.WorkflowSource.Kind {
	case SourceTemplate:
		tmpl, err := o.templates.Get(req.WorkflowSource.TemplateName)
		if err != nil {
			return "", nil, wferrors.New(wferrors.KindNotFound, "", err)
		}
		return workflow.Mode(tmpl.Mode), wftemplates.MergeParams(tmpl, req.WorkflowSource.Params), nil
	case SourceDefinition, SourceDynamic:
		if req.WorkflowSource.Mode == "" {
			return "", nil, wferrors.Newf(wferrors.KindConfiguration, "", "workflow mode is required for source %q", req.WorkflowSource.Kind)
		}
		params := make(map[string]any, len(req.WorkflowSource.Params))
		for k, v := range req.WorkflowSource.Params {
			params[k] = v
		}
		return req.WorkflowSource.Mode, params, nil
	default:
		return "", nil, wferrors.Newf(wferrors.KindConfiguration, "", "unknown workflow source kind %q", req.WorkflowSource.Kind)
	}
}

// applyOverrides layers request-scoped overrides onto a resolved param
// set. Temperature and MaxTokens are accepted by Request but have no
// corresponding workflow.Config field (the graph shape this engine
// compiles carries no per-request sampling knobs); they are left for the
// caller's Generator configuration to apply instead, matching how
// providers.Generator already takes Request.MaxTokens independent of
// workflow.Config.
func applyOverrides(params map[string]any, req Request) {
	if req.Overrides.SystemPrompt != "" {
		params["system_message"] = req.Overrides.SystemPrompt
	}
	if req.EnableMemory {
		params["enable_memory"] = true
	}
}

func (o *Orchestrator) loadOrBuildWorkflow(ctx context.Context, digest string, mode workflow.Mode, params map[string]any) (*workflow.Workflow, error) {
	if cached, ok := o.cache.Get(digest); ok {
		if wf, ok := cached.(*workflow.Workflow); ok {
			o.obsMetrics.RecordCacheHit()
			observability.EmitCacheLookup(&observability.CacheLookupEvent{ConfigDigest: digest, Hit: true})
			o.events.RecordCacheLookup(ctx, digest, true)
			return wf, nil
		}
	}

	wf, err := workflow.Build(mode, params)
	if err != nil {
		return nil, err
	}
	o.cache.Put(digest, wf)
	o.obsMetrics.RecordCacheMiss()
	observability.EmitCacheLookup(&observability.CacheLookupEvent{ConfigDigest: digest, Hit: false})
	o.events.RecordCacheLookup(ctx, digest, false)
	return wf, nil
}

func toWorkflowMessages(history []*conversation.Message) []workflow.Message {
	out := make([]workflow.Message, 0, len(history))
	for _, m := range history {
		wm := workflow.Message{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, workflow.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		for _, tr := range m.ToolResults {
			wm.ToolResults = append(wm.ToolResults, workflow.ToolResult{ToolCallID: tr.ToolCallID, Content: tr.Content, IsError: tr.IsError})
		}
		out = append(out, wm)
	}
	return out
}

func lastAssistantMessage(messages []workflow.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content, true
		}
	}
	return "", false
}
