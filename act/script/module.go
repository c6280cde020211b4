package script

import "fmt"

// Func is an extension function exposed to scripts under a module namespace,
// registered via the engine's Extender (spec.md §4.6 "register_module").
type Func func(args []any) (any, error)

// Module is a named collection of extension Funcs, callable from scripts as
// "<module>.<fn>(...)".
type Module map[string]Func

// Registry collects Modules by name and is consulted when building an
// Evaluator's expression environment.
type Registry struct {
	modules map[string]Module
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// Register adds or replaces a named Module.
func (r *Registry) Register(name string, m Module) {
	r.modules[name] = m
}

// Modules returns a copy of the registered Modules, keyed by module name.
func (r *Registry) Modules() map[string]Module {
	out := make(map[string]Module, len(r.modules))
	for k, v := range r.modules {
		out[k] = v
	}
	return out
}

// qualifiedName joins a module and function name the way scripts invoke it.
func qualifiedName(module, fn string) string {
	return fmt.Sprintf("%s.%s", module, fn)
}
