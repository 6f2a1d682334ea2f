package skills

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/types"
)

// ActionFunc runs one named action of a skill. params carries the merged
// execution context; the returned value is stored under the step's name in
// the context for subsequent steps.
type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

// Registry maps action names to their implementations. A skill's
// action_sequence references actions by name; executing a skill whose action
// is unregistered fails with Validation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]ActionFunc)}
}

// Register binds an action name to a function, replacing any prior binding.
func (r *Registry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Lookup returns the function for an action name.
func (r *Registry) Lookup(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// RecoverableError marks a failure a skill declares as safe to skip during
// composition. Any other error aborts the composition at the failing step.
type RecoverableError struct {
	Reason string
}

func (e *RecoverableError) Error() string {
	return "recoverable: " + e.Reason
}

// Recoverable builds a RecoverableError with a formatted reason.
func Recoverable(format string, args ...any) error {
	return &RecoverableError{Reason: fmt.Sprintf(format, args...)}
}

// IsRecoverable reports whether err (or anything it wraps) is a declared
// recoverable failure.
func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}

// validateParams checks the execution context against one step's declared
// parameters: required parameters must be present with the declared type,
// and declared defaults fill in missing optional ones.
func validateParams(step types.ActionStep, ctx map[string]any) error {
	for _, p := range step.Params {
		v, ok := ctx[p.Name]
		if !ok {
			if p.Required {
				return errdefs.Validation("step %q: missing required parameter %q", step.Name, p.Name)
			}
			if p.Default != nil {
				ctx[p.Name] = p.Default
			}
			continue
		}
		if !paramTypeOK(p.Type, v) {
			return errdefs.Validation("step %q: parameter %q: expected %s, got %T", step.Name, p.Name, p.Type, v)
		}
	}
	return nil
}

func paramTypeOK(t types.ParamType, v any) bool {
	switch t {
	case types.ParamString:
		_, ok := v.(string)
		return ok
	case types.ParamNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case types.ParamBool:
		_, ok := v.(bool)
		return ok
	default:
		return false
	}
}
