package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus-workflow/internal/providers"
	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

// NodeFunc is the shape every graph node implements: a function of
// WorkflowContext that may also emit streaming events through sink. sink is
// nil on a synchronous Run.
type NodeFunc func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error

// systemPromptNode prepends a system message if one isn't already present
// as the first message.
func systemPromptNode(message string) NodeFunc {
	return func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error {
		if message == "" {
			return nil
		}
		if len(wc.Messages) > 0 && wc.Messages[0].Role == "system" {
			wc.Messages[0].Content = message
			return nil
		}
		wc.Messages = append([]Message{{Role: "system", Content: message}}, wc.Messages...)
		return nil
	}
}

// retrieverNode fetches passages relevant to the most recent user message
// and stores them on WorkflowContext.RetrievalContext. A nil Retriever, or
// a context with no user turn yet, makes this a no-op.
func retrieverNode(maxDocuments int, similarityThreshold float64) NodeFunc {
	return func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error {
		if deps.Retriever == nil {
			return nil
		}
		query := lastUserMessage(wc.Messages)
		if query == "" {
			return nil
		}
		passages, err := deps.Retriever.Retrieve(ctx, query, maxDocuments)
		if err != nil {
			return wferrors.Newf(wferrors.KindProviderUnavailable, "", "retriever: %v", err)
		}
		wc.RetrievalContext = passages
		return nil
	}
}

// memoryNode trims the working message history to the last window turns
// and records a placeholder summary of anything dropped, so older context
// is acknowledged rather than silently discarded.
func memoryNode(window int) NodeFunc {
	return func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error {
		if window <= 0 || len(wc.Messages) <= window {
			return nil
		}
		dropped := wc.Messages[:len(wc.Messages)-window]
		wc.Summary = summarize(dropped, wc.Summary)
		wc.Messages = wc.Messages[len(wc.Messages)-window:]
		return nil
	}
}

func summarize(dropped []Message, existing string) string {
	if len(dropped) == 0 {
		return existing
	}
	note := fmt.Sprintf("[%d earlier message(s) summarized]", len(dropped))
	if existing == "" {
		return note
	}
	return existing + " " + note
}

// modelNode invokes the provider, streaming tokens through sink when
// present, appends the resulting assistant message, and accumulates usage.
func modelNode() NodeFunc {
	return func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error {
		if deps.Generator == nil {
			return wferrors.Newf(wferrors.KindConfiguration, "", "no provider configured")
		}

		req := providers.Request{
			Model:    deps.Model,
			Messages: toProviderMessages(wc, deps),
		}

		chunks, err := deps.Generator.Stream(ctx, req)
		if err != nil {
			return wferrors.Newf(wferrors.KindProviderUnavailable, "", "model: %v", err)
		}

		var content strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				return wferrors.Newf(wferrors.KindProviderUnavailable, "", "model stream: %v", chunk.Err)
			}
			if chunk.Text != "" {
				content.WriteString(chunk.Text)
				if sink != nil {
					sink.Token(chunk.Text)
				}
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				wc.Usage.InputTokens += chunk.InputTokens
				wc.Usage.OutputTokens += chunk.OutputTokens
			}
			if chunk.Done {
				break
			}
		}
		if err := ctx.Err(); err != nil {
			return wferrors.Newf(wferrors.KindCancelled, "", "model stream interrupted: %v", err)
		}

		assistant := Message{Role: "assistant", Content: content.String()}
		assistant.ToolCalls = extractToolCalls(content.String())
		wc.Messages = append(wc.Messages, assistant)
		return nil
	}
}

// toProviderMessages flattens WorkflowContext into the wire format
// providers.Generator expects, folding in retrieval context as an extra
// system turn when present.
func toProviderMessages(wc *WorkflowContext, deps *Deps) []providers.Message {
	out := make([]providers.Message, 0, len(wc.Messages)+1)
	if len(wc.RetrievalContext) > 0 {
		out = append(out, providers.Message{
			Role:    "system",
			Content: "Relevant context:\n" + strings.Join(wc.RetrievalContext, "\n---\n"),
		})
	}
	for _, m := range wc.Messages {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// toolCallEnvelope is the convention used to recognize a tool call in an
// assistant message's text content: a fenced or bare JSON object carrying
// a tool_calls array. Real function-calling wire formats are
// provider-specific and out of scope for the providers.Generator
// abstraction this module uses; this envelope keeps ToolRouter/Tool
// testable against any Generator implementation, including the stub used
// in tests.
type toolCallEnvelope struct {
	ToolCalls []struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_calls"`
}

func extractToolCalls(content string) []ToolCall {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil
	}
	calls := make([]ToolCall, 0, len(env.ToolCalls))
	for _, c := range env.ToolCalls {
		calls = append(calls, ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return calls
}

// toolRouterNode inspects the last assistant message for tool calls and,
// if present and under maxToolCalls, dispatches them sequentially through
// Security then Tools, appending a tool-result message for each.
func toolRouterNode(maxToolCalls int) NodeFunc {
	return func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error {
		if len(wc.Messages) == 0 {
			return nil
		}
		last := wc.Messages[len(wc.Messages)-1]
		if last.Role != "assistant" || len(last.ToolCalls) == 0 {
			return nil
		}
		if wc.ToolCallCount >= maxToolCalls {
			return nil
		}

		results := make([]ToolResult, 0, len(last.ToolCalls))
		for _, call := range last.ToolCalls {
			if wc.ToolCallCount >= maxToolCalls {
				break
			}
			result := dispatchTool(ctx, deps, wc, call, sink)
			results = append(results, result)
			wc.ToolCallCount++
		}

		wc.Messages = append(wc.Messages, Message{Role: "tool", ToolResults: results})
		return nil
	}
}

func dispatchTool(ctx context.Context, deps *Deps, wc *WorkflowContext, call ToolCall, sink EventSink) ToolResult {
	if deps.Security != nil && !deps.Security.Authorize(deps.UserID, deps.WorkflowID, "", call.Name, call.Arguments) {
		if sink != nil {
			sink.ToolDenied(call.Name)
		}
		return ToolResult{ToolCallID: call.ID, Content: "tool execution denied", IsError: true}
	}
	if deps.Tools == nil {
		return ToolResult{ToolCallID: call.ID, Content: "no tool executor configured", IsError: true}
	}

	if sink != nil {
		sink.ToolStart(call.Name)
	}
	result, err := deps.Tools.ExecuteTool(ctx, call.Name, call.Arguments)
	if err != nil {
		result = ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	} else {
		result.ToolCallID = call.ID
	}
	if sink != nil {
		sink.ToolComplete(call.Name, result)
	}
	return result
}

// conditionalNode routes the remainder of the run based on a predicate
// over WorkflowContext. When the predicate is false the returned error
// wraps errSkipRemaining, which the executor treats as an early, successful
// stop rather than a failure.
func conditionalNode(predicate func(*WorkflowContext) bool) NodeFunc {
	return func(ctx context.Context, deps *Deps, wc *WorkflowContext, sink EventSink) error {
		if predicate == nil || predicate(wc) {
			return nil
		}
		return errSkipRemaining
	}
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
