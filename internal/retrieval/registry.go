// Package retrieval provides a name-keyed registry of retrieval
// backends. The engine treats a Retriever as opaque (spec §4.8's "external
// component that returns top-k relevant passages for a query"); this
// registry only resolves a name to an implementation of
// workflow.Retriever, the same shape internal/providers.Registry uses to
// resolve provider names to Generators.
package retrieval

import (
	"context"
	"fmt"
	"sync"
)

// Retriever fetches the top-k passages relevant to query. It mirrors
// internal/workflow.Retriever so adapters aren't required at the call
// site; any Retriever registered here can be handed to workflow.Deps
// directly.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// Registry resolves a retriever name to an implementation. Registration
// happens once at startup; lookups are read-mostly so a RWMutex guards
// the map, matching providers.Registry.
type Registry struct {
	mu         sync.RWMutex
	retrievers map[string]Retriever
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{retrievers: make(map[string]Retriever)}
}

// Register adds or replaces the Retriever for name.
func (r *Registry) Register(name string, ret Retriever) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrievers[name] = ret
}

// Get returns the Retriever registered under name. An empty name is not
// an error: the caller (ChatOrchestrator) treats a missing/empty name as
// "no retriever for this run", making the Retriever node a no-op per
// spec §4.7.
func (r *Registry) Get(name string) (Retriever, error) {
	if name == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret, ok := r.retrievers[name]
	if !ok {
		return nil, fmt.Errorf("retriever not registered: %s", name)
	}
	return ret, nil
}

// Names returns the currently registered retriever names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.retrievers))
	for name := range r.retrievers {
		names = append(names, name)
	}
	return names
}

// StaticRetriever returns a fixed set of passages regardless of query,
// useful for tests and for templates that pin a small, hand-curated
// knowledge base.
type StaticRetriever struct {
	Passages []string
}

// Retrieve returns up to topK passages from the fixed set.
func (s StaticRetriever) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	if topK <= 0 || topK > len(s.Passages) {
		return s.Passages, nil
	}
	return s.Passages[:topK], nil
}
