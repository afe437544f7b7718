package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/chartflow/pkg/schema"
)

// Registry maps task kinds to factories. Thread-safe; shared by every
// graph built from it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a task factory. Returns an error on duplicate kind.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "task kind is empty")
	}
	if f == nil {
		return schema.NewError(schema.ErrCodeValidation, "task factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task kind %q already registered", kind)
	}

	r.factories[kind] = f
	return nil
}

// RegisterProvider bulk-registers factories under a prefixed namespace.
// Each kind becomes "prefix.kind" (e.g. "plugin.github.create_issue").
func (r *Registry) RegisterProvider(prefix string, factories map[string]Factory) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for kind, f := range factories {
		prefixed := fmt.Sprintf("%s.%s", prefix, kind)
		if _, exists := r.factories[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "task kind %q already registered", prefixed)
		}
		r.factories[prefixed] = f
		registered++
	}
	return registered, nil
}

// Build instantiates a task of the given kind from its node config.
func (r *Registry) Build(kind string, cfg json.RawMessage, deps Deps) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskUnavailable, "task kind %q not registered", kind).
			WithDetails(map[string]any{"available": r.Kinds()})
	}
	return f(cfg, deps)
}

// Has checks whether a kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Count returns the number of registered kinds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
