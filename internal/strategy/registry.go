package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory produces a fresh Strategy instance for one bot. Factories
// must be safe for concurrent use; the instances they return need not be.
type Factory func() Strategy

// Registry maps strategy-type tags to factories. Tags are validated at
// registration time so an unknown tag is caught at startup, not on the
// first start request.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a strategy-type tag
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" {
		return fmt.Errorf("strategy tag must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("strategy %q: factory must not be nil", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("strategy %q already registered", tag)
	}
	r.factories[tag] = factory
	return nil
}

// New instantiates a strategy for the given tag
func (r *Registry) New(tag string) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", tag)
	}
	return factory(), nil
}

// Factory returns the factory bound to the given tag
func (r *Registry) Factory(tag string) (Factory, error) {
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", tag)
	}
	return factory, nil
}

// Known reports whether a tag is registered
func (r *Registry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Tags returns the registered strategy tags, sorted
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
