package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no executor is registered for a job kind.
var ErrUnknownKind = errors.New("unknown job kind")

// Registry holds executors keyed by the job kind they handle.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
	}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds e under its own kind, replacing any previous executor.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Resolve returns the executor for kind.
func (r *Registry) Resolve(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}

// Kinds returns the registered kinds, sorted for a stable API response.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
