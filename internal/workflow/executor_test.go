package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus-workflow/internal/providers"
)

// scriptedGenerator returns one canned response per call, in order, so a
// test can script a multi-turn tool-calling exchange deterministically.
type scriptedGenerator struct {
	responses []string
	calls     int
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Stream(ctx context.Context, req providers.Request) (<-chan providers.Chunk, error) {
	idx := g.calls
	g.calls++
	text := ""
	if idx < len(g.responses) {
		text = g.responses[idx]
	}
	out := make(chan providers.Chunk, 2)
	out <- providers.Chunk{Text: text, InputTokens: 10, OutputTokens: 5}
	out <- providers.Chunk{Done: true}
	close(out)
	return out, nil
}

type stubRetriever struct{ docs []string }

func (r *stubRetriever) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	return r.docs, nil
}

type stubToolExecutor struct{ calls []string }

func (s *stubToolExecutor) ExecuteTool(ctx context.Context, name string, arguments map[string]any) (ToolResult, error) {
	s.calls = append(s.calls, name)
	return ToolResult{Content: "tool output for " + name}, nil
}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(userID, workflowID, workflowMode, toolName string, arguments map[string]any) bool {
	return true
}

func TestRun_PlainMode(t *testing.T) {
	wf, err := Build(ModePlain, map[string]any{"system_message": "be helpful"})
	require.NoError(t, err)

	gen := &scriptedGenerator{responses: []string{"hello there"}}
	deps := &Deps{Generator: gen, Model: "test-model"}

	wc, err := wf.Run(context.Background(), deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "system", wc.Messages[0].Role)
	assert.Equal(t, "hello there", wc.Messages[len(wc.Messages)-1].Content)
	assert.Equal(t, 10, wc.Usage.InputTokens)
	assert.Equal(t, 5, wc.Usage.OutputTokens)
}

func TestRun_RAGMode_PopulatesRetrievalContext(t *testing.T) {
	wf, err := Build(ModeRAG, nil)
	require.NoError(t, err)

	gen := &scriptedGenerator{responses: []string{"answer"}}
	deps := &Deps{Generator: gen, Retriever: &stubRetriever{docs: []string{"doc one"}}}

	wc, err := wf.Run(context.Background(), deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "what is doc one?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc one"}, wc.RetrievalContext)
}

func TestRun_ToolsMode_DispatchesToolCallAndLoopsBackToModel(t *testing.T) {
	wf, err := Build(ModeTools, map[string]any{"max_tool_calls": 5})
	require.NoError(t, err)

	toolCallJSON := `{"tool_calls":[{"id":"1","name":"search","arguments":{"q":"go"}}]}`
	gen := &scriptedGenerator{responses: []string{toolCallJSON, "final answer"}}
	tools := &stubToolExecutor{}
	deps := &Deps{Generator: gen, Tools: tools, Security: allowAllAuthorizer{}}

	wc, err := wf.Run(context.Background(), deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "search for go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, tools.calls)
	assert.Equal(t, 1, wc.ToolCallCount)
	assert.Equal(t, "final answer", wc.Messages[len(wc.Messages)-1].Content)
}

func TestRun_ToolsMode_StopsAtMaxToolCalls(t *testing.T) {
	wf, err := Build(ModeTools, map[string]any{"max_tool_calls": 1})
	require.NoError(t, err)

	toolCallJSON := `{"tool_calls":[{"id":"1","name":"search","arguments":{}}]}`
	gen := &scriptedGenerator{responses: []string{toolCallJSON, toolCallJSON, "done"}}
	tools := &stubToolExecutor{}
	deps := &Deps{Generator: gen, Tools: tools, Security: allowAllAuthorizer{}}

	wc, err := wf.Run(context.Background(), deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, wc.ToolCallCount)
	assert.Len(t, tools.calls, 1)
}

func TestRun_ToolDenied_RecordsErrorResult(t *testing.T) {
	wf, err := Build(ModeTools, nil)
	require.NoError(t, err)

	toolCallJSON := `{"tool_calls":[{"id":"1","name":"delete_everything","arguments":{}}]}`
	gen := &scriptedGenerator{responses: []string{toolCallJSON, "ok"}}
	tools := &stubToolExecutor{}

	type denyAll struct{}
	deps := &Deps{
		Generator: gen,
		Tools:     tools,
		Security: authorizerFunc(func(string, string, string, string, map[string]any) bool {
			return false
		}),
	}

	wc, err := wf.Run(context.Background(), deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "rm -rf"}},
	})
	require.NoError(t, err)
	assert.Empty(t, tools.calls, "denied tool must not execute")
	last := wc.Messages[len(wc.Messages)-2] // tool-result message precedes the follow-up model turn
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
}

type authorizerFunc func(userID, workflowID, workflowMode, toolName string, arguments map[string]any) bool

func (f authorizerFunc) Authorize(userID, workflowID, workflowMode, toolName string, arguments map[string]any) bool {
	return f(userID, workflowID, workflowMode, toolName, arguments)
}

func TestStream_EventOrdering(t *testing.T) {
	wf, err := Build(ModePlain, nil)
	require.NoError(t, err)

	gen := &scriptedGenerator{responses: []string{"streamed text"}}
	deps := &Deps{Generator: gen}

	events := wf.Stream(context.Background(), deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, EventEnd, kinds[len(kinds)-1], "end must close the sequence")

	usageIdx, endIdx := -1, -1
	for i, k := range kinds {
		if k == EventUsage {
			usageIdx = i
		}
		if k == EventEnd {
			endIdx = i
		}
	}
	require.GreaterOrEqual(t, usageIdx, 0, "exactly one usage event expected")
	assert.Less(t, usageIdx, endIdx, "usage must precede end")
}

func TestRun_RespectsContextCancellation(t *testing.T) {
	wf, err := Build(ModePlain, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &scriptedGenerator{responses: []string{"should not run"}}
	deps := &Deps{Generator: gen}

	_, err = wf.Run(ctx, deps, WorkflowContext{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
}

func TestRunWithTimeout_ExceedsDeadline(t *testing.T) {
	wf, err := Build(ModePlain, nil)
	require.NoError(t, err)

	slow := &blockingGenerator{}
	deps := &Deps{Generator: slow}

	_, err = RunWithTimeout(context.Background(), wf, deps, WorkflowContext{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, 10*time.Millisecond)
	require.Error(t, err)
}

type blockingGenerator struct{}

func (blockingGenerator) Name() string { return "blocking" }

func (blockingGenerator) Stream(ctx context.Context, req providers.Request) (<-chan providers.Chunk, error) {
	out := make(chan providers.Chunk)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}
