// Package script evaluates the expressions embedded in a workflow document:
// branch `if` predicates, Subject candidate expressions, and step `run`
// bodies (spec.md §4.5).
package script

import "context"

// View is the narrow read/write handle a script gets onto a process's
// variable environment. Scripts may only reach engine state through this
// interface, never through a shared map directly (spec.md §9, "Shared-mutable
// Process environment").
type View interface {
	Get(key string) (any, bool)
	Set(key string, val any)
	// Snapshot returns a point-in-time copy of all variables visible to the
	// script, used to build the expression's activation.
	Snapshot() map[string]any
}

// Error wraps a script evaluation failure, carrying the offending expression
// for diagnostics. It satisfies the ScriptError kind of spec.md §7.
type Error struct {
	Expr  string
	Cause error
}

func (e *Error) Error() string { return "script: " + e.Expr + ": " + e.Cause.Error() }
func (e *Error) Unwrap() error { return e.Cause }

// Evaluator evaluates expressions against a View. Implementations must be
// reentrant: concurrent evaluations on different Views never share state
// (spec.md §4.5, "Evaluators are reentrant and thread-safe").
type Evaluator interface {
	// EvalBool evaluates expr and requires the result to be a boolean. Used
	// for branch `if` predicates. A non-boolean result is a *Error.
	EvalBool(ctx context.Context, expr string, view View) (bool, error)

	// EvalCands evaluates expr and requires the result to be a JSON array of
	// strings, used for Subject candidate expressions.
	EvalCands(ctx context.Context, expr string, view View) ([]string, error)

	// Run evaluates a step's `run` body. Its return value is discarded per
	// spec.md §4.5; any evaluation error is reported to the caller, who is
	// responsible for turning it into a Task Fail(reason).
	Run(ctx context.Context, expr string, view View) error
}

// MapView is the default View backed directly by a map, suitable for a
// Process's vars environment guarded by an external lock.
type MapView struct {
	vars map[string]any
}

// NewMapView wraps vars in a View. vars is used directly, not copied; callers
// must hold whatever lock protects it for the duration of one evaluation
// (spec.md §5, "guarded by a per-process lock held for the duration of one
// script evaluation").
func NewMapView(vars map[string]any) *MapView {
	if vars == nil {
		vars = map[string]any{}
	}
	return &MapView{vars: vars}
}

func (v *MapView) Get(key string) (any, bool) {
	val, ok := v.vars[key]
	return val, ok
}

func (v *MapView) Set(key string, val any) {
	v.vars[key] = val
}

func (v *MapView) Snapshot() map[string]any {
	out := make(map[string]any, len(v.vars))
	for k, val := range v.vars {
		out[k] = val
	}
	return out
}
