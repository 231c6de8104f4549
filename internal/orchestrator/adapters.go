package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus-workflow/internal/toolregistry"
	"github.com/haasonsaas/nexus-workflow/internal/wfsecurity"
	"github.com/haasonsaas/nexus-workflow/internal/workflow"
)

// executionMethod is the fixed "method" SecurityManager checks every tool
// call against. The engine has no notion of per-call HTTP-style methods
// the way workflow_security.py's caller did; every dispatch through
// ToolRouter is a single uniform "execute" operation, so that's the only
// method any ToolPermission.AllowedMethods set needs to name.
const executionMethod = "execute"

// securityAdapter satisfies workflow.Authorizer over a wfsecurity.Manager,
// supplying the fixed executionMethod that AuthorizeToolExecution requires
// but workflow.Authorizer's narrower interface has no room to pass.
type securityAdapter struct {
	manager *wfsecurity.Manager
}

func (a securityAdapter) Authorize(userID, workflowID, workflowMode, toolName string, arguments map[string]any) bool {
	return a.manager.AuthorizeToolExecution(userID, workflowID, workflowMode, toolName, executionMethod, arguments)
}

// toolExecutorAdapter satisfies workflow.ToolExecutor over a
// toolregistry.Registry, bridging the registry's json.RawMessage
// parameter wire format to the workflow package's map[string]any
// arguments.
type toolExecutorAdapter struct {
	registry *toolregistry.Registry
}

func (a toolExecutorAdapter) ExecuteTool(ctx context.Context, name string, arguments map[string]any) (workflow.ToolResult, error) {
	params, err := json.Marshal(arguments)
	if err != nil {
		return workflow.ToolResult{}, err
	}

	result, err := a.registry.Execute(ctx, name, params)
	if err != nil {
		return workflow.ToolResult{}, err
	}
	return workflow.ToolResult{Content: result.Content, IsError: result.IsError}, nil
}

// allowlistToolExecutor narrows a ToolExecutor to a request-scoped subset
// of tool names, implementing step 3's "filter tools... for the calling
// user" ahead of SecurityManager's own per-call authorization check. A nil
// or empty allowed set means no additional narrowing beyond what
// SecurityManager itself enforces.
type allowlistToolExecutor struct {
	inner   workflow.ToolExecutor
	allowed map[string]bool
}

func newAllowlistToolExecutor(inner workflow.ToolExecutor, allowedNames []string) workflow.ToolExecutor {
	if len(allowedNames) == 0 {
		return inner
	}
	allowed := make(map[string]bool, len(allowedNames))
	for _, name := range allowedNames {
		allowed[name] = true
	}
	return allowlistToolExecutor{inner: inner, allowed: allowed}
}

func (a allowlistToolExecutor) ExecuteTool(ctx context.Context, name string, arguments map[string]any) (workflow.ToolResult, error) {
	if !a.allowed[name] {
		return workflow.ToolResult{Content: "tool not permitted for this request", IsError: true}, nil
	}
	return a.inner.ExecuteTool(ctx, name, arguments)
}
