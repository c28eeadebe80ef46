// Package executor maps job kinds to the code that performs them.
//
// Executors are registered once at startup. The queue processor resolves the
// binding for each work item and routes the call through the breaker named by
// the binding's dependency.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"postbot/internal/job"
)

// Result carries executor output worth reporting.
type Result struct {
	Detail string
}

// Executor performs one work item. Payload interpretation is the executor's
// business; the scheduling core treats it as opaque JSON.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, payload json.RawMessage) (Result, error)

func (f Func) Execute(ctx context.Context, payload json.RawMessage) (Result, error) {
	return f(ctx, payload)
}

// Binding ties an executor to the external dependency it calls through.
// Dependency is the breaker name guarding the call; empty means no breaker.
type Binding struct {
	Exec       Executor
	Dependency string
}

// Registry holds the kind -> executor bindings.
type Registry struct {
	mu       sync.RWMutex
	bindings map[job.Kind]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[job.Kind]Binding)}
}

// Register binds kind to b. Registering the same kind twice is a programming
// error and is rejected.
func (r *Registry) Register(kind job.Kind, b Binding) error {
	if !kind.Valid() {
		return fmt.Errorf("executor: invalid kind %q", kind)
	}
	if b.Exec == nil {
		return fmt.Errorf("executor: nil executor for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.bindings[kind]; dup {
		return fmt.Errorf("executor: kind %q already registered", kind)
	}
	r.bindings[kind] = b
	return nil
}

// Resolve returns the binding for kind.
func (r *Registry) Resolve(kind job.Kind) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[kind]
	return b, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []job.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]job.Kind, 0, len(r.bindings))
	for k := range r.bindings {
		out = append(out, k)
	}
	return out
}
