package action

import (
	"context"
	"fmt"
	"sync"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
)

// Func implements one action of a resource.
type Func func(ctx context.Context, params domain.Params, actx domain.Params) (interface{}, error)

// Registry is an Invoker dispatching (resource, action) pairs to registered
// funcs.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]map[string]Func)}
}

// Register adds an action. Registering the same pair twice replaces it.
func (r *Registry) Register(resource, action string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions[resource] == nil {
		r.actions[resource] = make(map[string]Func)
	}
	r.actions[resource][action] = fn
}

// Has reports whether an action is registered.
func (r *Registry) Has(resource, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[resource][action]
	return ok
}

// Invoke implements Invoker.
func (r *Registry) Invoke(ctx context.Context, resource, action string, params domain.Params, actx domain.Params) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.actions[resource][action]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Aggregate(
			fmt.Sprintf("resource %s has no action %s", resource, action),
			map[string]interface{}{"resource": resource, "action": action},
		)
	}
	return fn(ctx, params, actx)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, resource, action string, params domain.Params, actx domain.Params) (interface{}, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, resource, action string, params domain.Params, actx domain.Params) (interface{}, error) {
	return f(ctx, resource, action, params, actx)
}
