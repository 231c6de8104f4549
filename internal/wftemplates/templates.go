// Package wftemplates implements TemplateRegistry (spec §4.6): a catalog of
// pre-configured workflow templates for common use cases, ported from
// workflow_templates.py's WORKFLOW_TEMPLATES / WorkflowTemplateManager.
package wftemplates

import "fmt"

// Mode mirrors spec.md's four workflow modes.
type Mode string

const (
	ModePlain Mode = "plain"
	ModeRAG   Mode = "rag"
	ModeTools Mode = "tools"
	ModeFull  Mode = "full"
)

// Template is a pre-configured workflow shape: a mode, default parameters,
// and the tools/retrievers it requires to be usable.
type Template struct {
	Name                string
	Mode                Mode
	Description         string
	DefaultParams       map[string]any
	RequiredTools       []string
	RequiredRetrievers  []string
}

// builtins is ported verbatim (names, modes, default params, requirements)
// from WORKFLOW_TEMPLATES in workflow_templates.py.
var builtins = map[string]Template{
	"customer_support": {
		Name:        "customer_support",
		Mode:        ModeFull,
		Description: "Customer support with knowledge base and tools",
		DefaultParams: map[string]any{
			"enable_memory":  true,
			"memory_window":  50,
			"max_tool_calls": 5,
			"system_message": "You are a helpful customer support assistant. Use the knowledge base to find relevant information and available tools to help resolve customer issues. Always be polite, professional, and thorough in your responses.",
		},
		RequiredTools:      []string{"search_kb", "create_ticket", "escalate"},
		RequiredRetrievers: []string{"support_docs"},
	},
	"code_assistant": {
		Name:        "code_assistant",
		Mode:        ModeTools,
		Description: "Programming assistant with code tools",
		DefaultParams: map[string]any{
			"enable_memory":  true,
			"memory_window":  100,
			"max_tool_calls": 10,
			"system_message": "You are an expert programming assistant. Help users with coding tasks, debugging, code review, and software development best practices. Use available tools to execute code, run tests, and access documentation when needed.",
		},
		RequiredTools: []string{"execute_code", "search_docs", "generate_tests"},
	},
	"research_assistant": {
		Name:        "research_assistant",
		Mode:        ModeRAG,
		Description: "Research assistant with document retrieval",
		DefaultParams: map[string]any{
			"enable_memory": true,
			"memory_window": 30,
			"max_documents": 10,
			"system_message": "You are a research assistant. Use the provided documents to answer questions accurately and thoroughly. Always cite your sources and explain your reasoning. If information is not available in the documents, clearly state this limitation.",
		},
		RequiredRetrievers: []string{"research_docs"},
	},
	"general_chat": {
		Name:        "general_chat",
		Mode:        ModePlain,
		Description: "General conversation assistant",
		DefaultParams: map[string]any{
			"enable_memory": true,
			"memory_window": 20,
			"system_message": "You are a helpful, harmless, and honest AI assistant. Engage in natural conversation while being informative and supportive.",
		},
	},
	"document_qa": {
		Name:        "document_qa",
		Mode:        ModeRAG,
		Description: "Document question answering with retrieval",
		DefaultParams: map[string]any{
			"enable_memory":         false,
			"max_documents":         15,
			"similarity_threshold":  0.7,
			"system_message":        "You are a document analysis assistant. Answer questions based solely on the provided documents. Be precise and cite specific sections when possible.",
		},
		RequiredRetrievers: []string{"document_store"},
	},
	"data_analyst": {
		Name:        "data_analyst",
		Mode:        ModeTools,
		Description: "Data analysis assistant with computation tools",
		DefaultParams: map[string]any{
			"enable_memory":  true,
			"memory_window":  50,
			"max_tool_calls": 15,
			"system_message": "You are a data analyst assistant. Help users analyze data, create visualizations, and derive insights. Use computational tools to perform calculations and generate charts.",
		},
		RequiredTools: []string{"execute_python", "create_chart", "analyze_data"},
	},
}

// Registry manages the built-in templates plus any caller-registered
// additions, mirroring WorkflowTemplateManager's classmethod surface as
// instance methods over an injected registry (no module-level singleton,
// per the redesign guidance against shared global dicts).
type Registry struct {
	templates map[string]Template
}

// NewRegistry returns a Registry seeded with the six built-in templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template, len(builtins))}
	for name, tmpl := range builtins {
		r.templates[name] = tmpl
	}
	return r
}

// Register adds or replaces a template, letting callers extend the
// built-in catalog.
func (r *Registry) Register(tmpl Template) {
	r.templates[tmpl.Name] = tmpl
}

// Unregister removes a template, letting deployments disable a built-in
// they don't want offered (e.g. one whose RequiredTools/RequiredRetrievers
// can't be satisfied in that environment).
func (r *Registry) Unregister(name string) {
	delete(r.templates, name)
}

// Get returns the named template.
func (r *Registry) Get(name string) (Template, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("template %q not found, available: %v", name, r.List())
	}
	return tmpl, nil
}

// List returns every registered template name.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Info is the descriptive summary returned by Describe, one per template.
type Info struct {
	Name               string
	Mode               Mode
	Description        string
	RequiredTools      []string
	RequiredRetrievers []string
	DefaultParams      map[string]any
}

// Describe returns Info for every registered template.
func (r *Registry) Describe() map[string]Info {
	out := make(map[string]Info, len(r.templates))
	for name, tmpl := range r.templates {
		out[name] = Info{
			Name:               tmpl.Name,
			Mode:               tmpl.Mode,
			Description:        tmpl.Description,
			RequiredTools:      tmpl.RequiredTools,
			RequiredRetrievers: tmpl.RequiredRetrievers,
			DefaultParams:      tmpl.DefaultParams,
		}
	}
	return out
}

// Validation is the outcome of ValidateRequirements.
type Validation struct {
	Valid             bool
	MissingTools      []string
	MissingRetrievers []string
}

// ValidateRequirements checks whether a template's required tools and
// retrievers are present in the caller's available sets.
func (r *Registry) ValidateRequirements(name string, availableTools, availableRetrievers []string) (Validation, error) {
	tmpl, err := r.Get(name)
	if err != nil {
		return Validation{}, err
	}

	toolSet := toSet(availableTools)
	retrieverSet := toSet(availableRetrievers)

	var missingTools, missingRetrievers []string
	for _, tool := range tmpl.RequiredTools {
		if !toolSet[tool] {
			missingTools = append(missingTools, tool)
		}
	}
	for _, retriever := range tmpl.RequiredRetrievers {
		if !retrieverSet[retriever] {
			missingRetrievers = append(missingRetrievers, retriever)
		}
	}

	return Validation{
		Valid:             len(missingTools) == 0 && len(missingRetrievers) == 0,
		MissingTools:      missingTools,
		MissingRetrievers: missingRetrievers,
	}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// MergeParams applies overrides on top of a template's default params,
// returning a new map (the template's own DefaultParams is never mutated).
func MergeParams(tmpl Template, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(tmpl.DefaultParams)+len(overrides))
	for k, v := range tmpl.DefaultParams {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
