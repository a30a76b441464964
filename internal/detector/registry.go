package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a ready-to-use detector
type Factory func(ctx context.Context) (Detector, error)

// Registry maps backend names to detector factories. Detectors are
// registered explicitly at startup; nothing registers itself.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering the same name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("detector name is required")
	}
	if factory == nil {
		return fmt.Errorf("detector %s: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("detector %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New builds the detector registered under name
func (r *Registry) New(ctx context.Context, name string) (Detector, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown detector backend %q (available: %v)", name, r.Names())
	}
	return factory(ctx)
}

// Names lists registered backends in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
