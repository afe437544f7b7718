package task

import (
	"errors"
	"io"
	"sync"

	"github.com/rendis/chartflow/pkg/schema"
)

// Resources tracks shared handles provisioned by init nodes (database
// connections and the like) for the lifetime of one run. The executor
// closes the set on every exit path, normal or aborted.
type Resources struct {
	mu      sync.Mutex
	handles map[string]io.Closer
	closed  bool
}

// NewResources creates an empty resource set.
func NewResources() *Resources {
	return &Resources{handles: make(map[string]io.Closer)}
}

// Put registers a named handle. Duplicate names are a conflict so an init
// node that runs twice cannot leak its first handle.
func (r *Resources) Put(name string, c io.Closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return schema.NewError(schema.ErrCodeConflict, "resource set already closed")
	}
	if _, exists := r.handles[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "resource %q already registered", name)
	}
	r.handles[name] = c
	return nil
}

// Get looks up a handle by name.
func (r *Resources) Get(name string) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.handles[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "resource %q not provisioned", name)
	}
	return c, nil
}

// Close releases every handle. Idempotent; close errors are joined.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, c := range r.handles {
		if err := c.Close(); err != nil {
			errs = append(errs, schema.NewErrorf(schema.ErrCodeStore, "close resource %q: %s", name, err.Error()).WithCause(err))
		}
	}
	r.handles = nil
	return errors.Join(errs...)
}
