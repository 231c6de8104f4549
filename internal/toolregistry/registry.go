// Package toolregistry implements ToolRegistry (spec §4.3): a name-keyed
// catalog of tools with JSON-schema parameter validation and lazy
// construction, so a large tool catalog doesn't pay construction cost for
// tools a given workflow never calls.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits, following the teacher's resource-exhaustion guards
// in internal/agent/tool_registry.go.
const (
	MaxToolNameLength  = 256
	MaxToolParamsSize  = 10 << 20
)

// Handler executes a tool call given validated JSON parameters.
type Handler func(ctx context.Context, params json.RawMessage) (*Result, error)

// Result is the outcome of a tool invocation.
type Result struct {
	Content string
	IsError bool
}

// Descriptor describes a tool's name, parameter schema, and how to build
// its Handler. Construct is deferred until the tool is first needed.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for parameters, may be nil
	Construct   func() (Handler, error)
}

type loadedTool struct {
	descriptor Descriptor
	handler    Handler
	schema     *jsonschema.Schema
	loadedAt   time.Time
}

// Registry is a thread-safe, lazily-constructing tool catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*loadedTool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*loadedTool)}
}

// Register adds a tool descriptor. The tool's Handler is not constructed
// until first use (Get or Execute), following spec §4.3's lazy-loading
// requirement.
func (r *Registry) Register(desc Descriptor) error {
	if len(desc.Name) == 0 || len(desc.Name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name: %q", desc.Name)
	}
	entry := &loadedTool{descriptor: desc}
	if len(desc.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(desc.Name+".json", bytes.NewReader(desc.Schema)); err != nil {
			return fmt.Errorf("compile schema for %s: %w", desc.Name, err)
		}
		schema, err := compiler.Compile(desc.Name + ".json")
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", desc.Name, err)
		}
		entry.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[desc.Name] = entry
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Names returns every registered tool name, loaded or not.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// LoadedNames returns the names of tools whose Handler has already been
// constructed.
func (r *Registry) LoadedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, entry := range r.entries {
		if entry.handler != nil {
			names = append(names, name)
		}
	}
	return names
}

// ensureLoaded constructs the tool's Handler on first access, caching the
// result for subsequent calls.
func (r *Registry) ensureLoaded(name string) (*loadedTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if entry.handler != nil {
		return entry, nil
	}
	if entry.descriptor.Construct == nil {
		return nil, fmt.Errorf("tool %s has no constructor", name)
	}
	handler, err := entry.descriptor.Construct()
	if err != nil {
		return nil, fmt.Errorf("construct tool %s: %w", name, err)
	}
	entry.handler = handler
	entry.loadedAt = time.Now()
	return entry, nil
}

// Execute validates params against the tool's schema (if any) and invokes
// its Handler, lazily constructing it on first call.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	entry, err := r.ensureLoaded(name)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	if entry.schema != nil {
		var decoded any
		if len(params) == 0 {
			decoded = map[string]any{}
		} else if err := json.Unmarshal(params, &decoded); err != nil {
			return &Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
		if err := entry.schema.Validate(decoded); err != nil {
			return &Result{Content: fmt.Sprintf("parameters failed schema validation: %v", err), IsError: true}, nil
		}
	}

	return entry.handler(ctx, params)
}

// Descriptors returns every registered tool's static description (name,
// description, schema) for presenting to an LLM provider, without forcing
// construction.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.descriptor)
	}
	return out
}
