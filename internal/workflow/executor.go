package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

// errSkipRemaining signals a Conditional node wants the run to stop
// cleanly without visiting the remaining steps. It is never returned to
// a caller of Run/Stream; the executor translates it into a normal,
// non-error completion.
var errSkipRemaining = errors.New("workflow: skip remaining steps")

// EventKind identifies the kind of event emitted during a streamed run.
type EventKind string

const (
	EventNodeStart     EventKind = "node_start"
	EventToken         EventKind = "token"
	EventToolStart     EventKind = "tool_start"
	EventToolComplete  EventKind = "tool_complete"
	EventToolDenied    EventKind = "tool_denied"
	EventNodeComplete  EventKind = "node_complete"
	EventUsage         EventKind = "usage"
	EventError         EventKind = "error"
	EventEnd           EventKind = "end"
)

// Event is one item in a streamed run, per spec §4.8's ordering
// guarantee: node_start precedes any of its token emissions which
// precede node_complete; usage is emitted exactly once, after the
// terminal node; error, if any, immediately precedes end; end always
// closes the sequence.
type Event struct {
	Kind     EventKind
	Node     string
	Token    string
	ToolName string
	Result   *ToolResult
	Usage    *Usage
	Err      error
}

// EventSink receives node-scoped notifications while a step runs. The
// executor itself is responsible for node_start/node_complete/usage/
// error/end; EventSink only carries the finer-grained signals a node
// produces mid-execution (tokens, tool lifecycle).
type EventSink interface {
	Token(text string)
	ToolStart(name string)
	ToolComplete(name string, result ToolResult)
	ToolDenied(name string)
}

// channelSink adapts a step's mid-execution callbacks onto an Event
// channel, tagging each with the active node name.
type channelSink struct {
	node string
	out  chan<- Event
}

func (s *channelSink) Token(text string) {
	s.out <- Event{Kind: EventToken, Node: s.node, Token: text}
}

func (s *channelSink) ToolStart(name string) {
	s.out <- Event{Kind: EventToolStart, Node: s.node, ToolName: name}
}

func (s *channelSink) ToolComplete(name string, result ToolResult) {
	r := result
	s.out <- Event{Kind: EventToolComplete, Node: s.node, ToolName: name, Result: &r}
}

func (s *channelSink) ToolDenied(name string) {
	s.out <- Event{Kind: EventToolDenied, Node: s.node, ToolName: name}
}

// Run executes wf to completion synchronously and returns the final
// WorkflowContext. ctx cancellation is checked between every node.
func (wf *Workflow) Run(ctx context.Context, deps *Deps, initial WorkflowContext) (*WorkflowContext, error) {
	wc := initial
	err := wf.execute(ctx, deps, &wc, nil)
	if err != nil {
		return &wc, err
	}
	return &wc, nil
}

// Stream executes wf and returns a channel of Events. The channel is
// closed after an EventEnd event, which is always the final item sent,
// whether or not the run succeeded.
func (wf *Workflow) Stream(ctx context.Context, deps *Deps, initial WorkflowContext) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		wc := initial
		err := wf.execute(ctx, deps, &wc, out)
		if err != nil && !errors.Is(err, errSkipRemaining) {
			out <- Event{Kind: EventError, Err: err}
		}
		if wc.Usage.InputTokens > 0 || wc.Usage.OutputTokens > 0 {
			usage := wc.Usage
			out <- Event{Kind: EventUsage, Usage: &usage}
		}
		out <- Event{Kind: EventEnd}
	}()
	return out
}

// execute runs every compiled step in order, with the tool-router loop
// described in Build's doc comment: after tool_router dispatches calls,
// control returns to model and then to tool_router again, until no tool
// calls remain or max_tool_calls is reached. out may be nil for a
// synchronous Run.
func (wf *Workflow) execute(ctx context.Context, deps *Deps, wc *WorkflowContext, out chan<- Event) error {
	for i := 0; i < len(wf.steps); i++ {
		s := wf.steps[i]

		if err := ctx.Err(); err != nil {
			return wferrors.Newf(wferrors.KindCancelled, "", "run cancelled before node %q: %v", s.Name, err)
		}

		if err := wf.runStep(ctx, deps, wc, s, out); err != nil {
			if errors.Is(err, errSkipRemaining) {
				return nil
			}
			return err
		}

		if s.Name == "tool_router" && dispatchedToolCall(wc) && wc.ToolCallCount < wf.Config.MaxToolCalls {
			modelIdx := indexOfStep(wf.steps, "model")
			if modelIdx >= 0 {
				i = modelIdx - 1 // loop back to model, then re-enter tool_router
			}
		}
	}
	return nil
}

func (wf *Workflow) runStep(ctx context.Context, deps *Deps, wc *WorkflowContext, s step, out chan<- Event) error {
	if out != nil {
		out <- Event{Kind: EventNodeStart, Node: s.Name}
	}

	var sink EventSink
	if out != nil {
		sink = &channelSink{node: s.Name, out: out}
	}

	err := s.Fn(ctx, deps, wc, sink)

	if out != nil && !errors.Is(err, errSkipRemaining) {
		out <- Event{Kind: EventNodeComplete, Node: s.Name}
	}
	return err
}

func dispatchedToolCall(wc *WorkflowContext) bool {
	if len(wc.Messages) == 0 {
		return false
	}
	last := wc.Messages[len(wc.Messages)-1]
	return last.Role == "tool" && len(last.ToolResults) > 0
}

func indexOfStep(steps []step, name string) int {
	for i, s := range steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// RunWithTimeout wraps Run with a per-run deadline, per spec §5's
// per-run timeout requirement.
func RunWithTimeout(ctx context.Context, wf *Workflow, deps *Deps, initial WorkflowContext, timeout time.Duration) (*WorkflowContext, error) {
	if timeout <= 0 {
		return wf.Run(ctx, deps, initial)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	wc, err := wf.Run(tctx, deps, initial)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return wc, wferrors.Newf(wferrors.KindTimeout, "", "workflow run exceeded %s", timeout)
	}
	return wc, err
}
