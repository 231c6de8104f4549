package workflow

import (
	"fmt"

	"github.com/haasonsaas/nexus-workflow/internal/wferrors"
)

// step is one named node in a compiled graph.
type step struct {
	Name string
	Fn   NodeFunc
}

// Config is the static, cacheable configuration a Workflow was compiled
// with. It never carries call-time dependencies (see Deps) so a cached
// Workflow can be replayed against any matching (provider, mode, config)
// digest regardless of which user or tool-set is calling.
type Config struct {
	SystemMessage       string
	EnableMemory        bool
	MemoryWindow        int
	MaxToolCalls        int
	MaxDocuments        int
	SimilarityThreshold float64
}

// DefaultConfig mirrors workflow_templates.py's unset defaults.
func DefaultConfig() Config {
	return Config{
		MemoryWindow:        20,
		MaxToolCalls:        5,
		MaxDocuments:        10,
		SimilarityThreshold: 0.7,
	}
}

// Workflow is a compiled, mode-specific node graph. It is immutable once
// built and safe to share across concurrent runs and across cache hits.
type Workflow struct {
	Mode   Mode
	Config Config
	steps  []step
}

var knownConfigKeys = map[string]bool{
	"system_message":       true,
	"enable_memory":        true,
	"memory_window":        true,
	"max_tool_calls":       true,
	"max_documents":        true,
	"similarity_threshold": true,
}

// Build compiles a Workflow for mode from raw params (as produced by
// wftemplates.MergeParams or a caller's own map), per spec §4.7's four
// graph shapes:
//
//	plain: SystemPrompt -> Model
//	rag:   SystemPrompt -> Retriever -> Model
//	tools: SystemPrompt -> Model -> ToolRouter (loop, <= max_tool_calls) -> Model
//	full:  SystemPrompt -> Retriever -> Memory -> Model -> ToolRouter (loop) -> Model
//
// Unknown keys in params are rejected so a typo in a template override is
// caught at build time rather than silently ignored.
func Build(mode Mode, params map[string]any) (*Workflow, error) {
	for key := range params {
		if !knownConfigKeys[key] {
			return nil, wferrors.Newf(wferrors.KindValidation, "", "unknown workflow config key %q", key)
		}
	}

	cfg := DefaultConfig()
	if v, ok := params["system_message"].(string); ok {
		cfg.SystemMessage = v
	}
	if v, ok := params["enable_memory"].(bool); ok {
		cfg.EnableMemory = v
	}
	if v, ok := asInt(params["memory_window"]); ok {
		cfg.MemoryWindow = v
	}
	if v, ok := asInt(params["max_tool_calls"]); ok {
		cfg.MaxToolCalls = v
	}
	if v, ok := asInt(params["max_documents"]); ok {
		cfg.MaxDocuments = v
	}
	if v, ok := params["similarity_threshold"].(float64); ok {
		cfg.SimilarityThreshold = v
	}

	wf := &Workflow{Mode: mode, Config: cfg}

	wf.steps = append(wf.steps, step{"system_prompt", systemPromptNode(cfg.SystemMessage)})

	switch mode {
	case ModePlain:
		wf.steps = append(wf.steps, step{"model", modelNode()})
	case ModeRAG:
		wf.steps = append(wf.steps,
			step{"retriever", retrieverNode(cfg.MaxDocuments, cfg.SimilarityThreshold)},
			step{"model", modelNode()},
		)
	case ModeTools:
		wf.steps = append(wf.steps,
			step{"model", modelNode()},
			step{"tool_router", toolRouterNode(cfg.MaxToolCalls)},
		)
	case ModeFull:
		wf.steps = append(wf.steps,
			step{"retriever", retrieverNode(cfg.MaxDocuments, cfg.SimilarityThreshold)},
		)
		if cfg.EnableMemory {
			wf.steps = append(wf.steps, step{"memory", memoryNode(cfg.MemoryWindow)})
		}
		wf.steps = append(wf.steps,
			step{"model", modelNode()},
			step{"tool_router", toolRouterNode(cfg.MaxToolCalls)},
		)
	default:
		return nil, wferrors.Newf(wferrors.KindValidation, "", "unknown workflow mode %q", mode)
	}

	if mode != ModeFull && cfg.EnableMemory && mode != ModeTools {
		// rag/plain: insert memory right before the model step.
		wf.steps = insertBeforeModel(wf.steps, step{"memory", memoryNode(cfg.MemoryWindow)})
	}

	return wf, nil
}

func insertBeforeModel(steps []step, s step) []step {
	out := make([]step, 0, len(steps)+1)
	for _, existing := range steps {
		if existing.Name == "model" {
			out = append(out, s)
		}
		out = append(out, existing)
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// StepNames returns the compiled graph's node names in order, for
// diagnostics and tests.
func (w *Workflow) StepNames() []string {
	names := make([]string, len(w.steps))
	for i, s := range w.steps {
		names[i] = s.Name
	}
	return names
}

func (w *Workflow) String() string {
	return fmt.Sprintf("Workflow{mode=%s, steps=%v}", w.Mode, w.StepNames())
}
