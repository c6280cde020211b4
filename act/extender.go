package act

import (
	"fmt"
	"sync"

	"github.com/flowstate/act/script"
)

// Plugin is the extension surface spec §6 names as
// extender.register_plugin(p). A plugin contributes one or more modules
// to the script evaluator at OnInit (SPEC_FULL.md "Plugin OnInit",
// supplementing the distilled spec).
type Plugin interface {
	Name() string
	OnInit(reg *script.Registry) error
}

// evalHolder lets the scheduler read the current Evaluator while
// RegisterModule/RegisterPlugin atomically swap in a recompiled one —
// CEL (and most expression engines) fix their function set at env
// construction, so adding a module means rebuilding the env, not mutating
// it in place.
type evalHolder struct {
	mu sync.RWMutex
	ev script.Evaluator
}

func newEvalHolder(ev script.Evaluator) *evalHolder {
	return &evalHolder{ev: ev}
}

func (h *evalHolder) get() script.Evaluator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ev
}

func (h *evalHolder) set(ev script.Evaluator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ev = ev
}

// Extender is the engine's register_plugin/register_module surface
// (spec §6).
type Extender struct {
	mu       sync.Mutex
	registry *script.Registry
	holder   *evalHolder
	rebuild  func(*script.Registry) (script.Evaluator, error)
}

func newExtender(reg *script.Registry, holder *evalHolder, rebuild func(*script.Registry) (script.Evaluator, error)) *Extender {
	return &Extender{registry: reg, holder: holder, rebuild: rebuild}
}

// RegisterModule makes a named set of functions callable from scripts as
// module.fn([args]). It rebuilds the evaluator so new scripts (and any
// Tick processed afterward) see the function; in-flight evaluations keep
// using whatever evaluator they already captured.
func (x *Extender) RegisterModule(name string, mod script.Module) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.registry.Register(name, mod)
	ev, err := x.rebuild(x.registry)
	if err != nil {
		return modelError("register_module", fmt.Sprintf("rebuild evaluator after module %q", name), err)
	}
	x.holder.set(ev)
	return nil
}

// RegisterPlugin invokes p.OnInit with the extender's registry, then
// rebuilds the evaluator once so every module the plugin registered
// becomes visible atomically.
func (x *Extender) RegisterPlugin(p Plugin) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := p.OnInit(x.registry); err != nil {
		return modelError("register_plugin", p.Name(), err)
	}
	ev, err := x.rebuild(x.registry)
	if err != nil {
		return modelError("register_plugin", fmt.Sprintf("rebuild evaluator after plugin %q", p.Name()), err)
	}
	x.holder.set(ev)
	return nil
}
