package fsm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// GuardFunc is a boolean predicate gating a transition. Returning false or
// an error blocks the transition.
type GuardFunc func(ctx context.Context, gc *Context) (bool, error)

// ActionFunc is a side-effecting callback attached to a state or transition.
type ActionFunc func(ctx context.Context, ac *Context) error

// GuardRegistry stores named guard functions.
type GuardRegistry struct {
	mu     sync.RWMutex
	guards map[string]GuardFunc
}

// NewGuardRegistry creates an empty guard registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string]GuardFunc)}
}

// Register stores a guard by name. Registering the same name twice is an
// error; silent replacement would make definition behavior drift at runtime.
func (r *GuardRegistry) Register(name string, fn GuardFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("guard registration requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guards[name]; exists {
		return fmt.Errorf("guard %q already registered", name)
	}
	r.guards[name] = fn
	return nil
}

// Lookup retrieves a guard by name.
func (r *GuardRegistry) Lookup(name string) (GuardFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.guards[name]
	return fn, ok
}

// Names returns sorted registered guard names.
func (r *GuardRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.guards))
	for name := range r.guards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionRegistry stores named action functions.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionFunc)}
}

// Register stores an action by name.
func (r *ActionRegistry) Register(name string, fn ActionFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("action registration requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = fn
	return nil
}

// Lookup retrieves an action by name.
func (r *ActionRegistry) Lookup(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Names returns sorted registered action names.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
