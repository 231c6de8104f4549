// Package providers implements ProviderRegistry (spec §4.2): a name-keyed
// set of LLM generator adapters with a uniform streaming contract, so the
// rest of the engine never imports a vendor SDK directly.
package providers

import (
	"context"
	"fmt"
	"sync"
)

// Message is one turn of conversation handed to a Generator.
type Message struct {
	Role    string
	Content string
}

// Chunk is one piece of a streaming completion. Exactly one chunk in a
// stream carries Usage; the stream ends when Done is true or Err is set.
type Chunk struct {
	Text         string
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// Request parameterizes a single generation call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Generator is the contract every provider adapter satisfies. Stream
// returns a channel the caller ranges over until Done or Err arrives —
// the provider goroutine is responsible for closing it in all cases,
// including context cancellation.
type Generator interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Registry resolves a provider name to a Generator. Registration happens
// once at startup; lookups are read-mostly so a RWMutex guards the map.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

// Register adds or replaces the Generator for name.
func (r *Registry) Register(name string, gen Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = gen
}

// Get returns the Generator registered under name.
func (r *Registry) Get(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gen, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return gen, nil
}

// Names returns the currently registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	return names
}
