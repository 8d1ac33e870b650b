// Package exec holds the executor registry and dispatcher.
//
// Executors are opaque capability functions: the engine hands one a snapshot
// of node input plus the accumulated workflow context and receives an output
// map or an error. The package knows nothing about what a capability does;
// wiring business logic happens at daemon startup via Register.
package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Input is the snapshot an executor receives for a single node attempt.
//
// Payload and Context are copies owned by the executor; mutating them does
// not affect stored state.
type Input struct {
	// InstanceID identifies the workflow instance being driven.
	InstanceID string

	// NodeID is the task node execution record id.
	NodeID string

	// NodeKey is the node's key within the workflow definition.
	NodeKey string

	// Capability is the registered capability name being invoked.
	Capability string

	// Attempt counts invocations of this node, starting at 1.
	Attempt int

	// Payload is the node's resolved input.
	Payload map[string]any

	// Context is the accumulated workflow context at dispatch time,
	// including prior node outputs under "nodes.<key>.output".
	Context map[string]any
}

// Func is an executor implementation for one capability.
//
// The returned map becomes the node's output and is merged into the workflow
// context. A nil map with a nil error is a valid empty result.
type Func func(ctx context.Context, in Input) (map[string]any, error)

// Registry maps capability names to executor functions.
//
// Thread-safe for concurrent use. Registration normally happens once at
// startup before the engine runs, but late registration is allowed.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds a capability name to an executor function.
//
// Returns an error if the name is empty, fn is nil, or the capability is
// already registered. Duplicate registration is rejected rather than
// replaced so two subsystems cannot silently fight over a name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("executor for capability %q cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("capability %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the executor for a capability, if registered.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has reports whether a capability is registered. Used by definition
// validation to reject workflows referencing unknown capabilities before
// anything runs.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Capabilities returns the registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
