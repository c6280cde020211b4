package script

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEvaluator implements Evaluator using github.com/google/cel-go. CEL is a
// natural fit for spec.md §4.5's contract: expressions are pure (no access to
// engine internals beyond the injected `vars` view), `if` predicates are
// type-checked to return bool, and programs cannot mutate host state except
// through the Set calls an extension Func explicitly makes via its closure.
//
// Scripts see the process environment as a single `vars` map, e.g.
// `vars.amount > 100` or `vars["amount"] > 100`. Extension functions
// registered through a Registry are callable as `<module>.<fn>([args...])`:
// CEL overloads are fixed-arity, so every registered Func is exposed as a
// single-argument overload taking a CEL list, which CELEvaluator unpacks to
// []any before calling Func and re-wraps the result for CEL.
type CELEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	progs map[string]cel.Program
}

// NewCELEvaluator builds a CEL environment exposing `vars` and every function
// in reg. Returns an error if any two modules export colliding function
// names or the environment otherwise fails to construct.
func NewCELEvaluator(reg *Registry) (*CELEvaluator, error) {
	opts := []cel.EnvOption{
		cel.Variable("vars", cel.DynType),
	}
	if reg != nil {
		for modName, mod := range reg.Modules() {
			for fnName, fn := range mod {
				opts = append(opts, functionOption(modName, fnName, fn))
			}
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("script: build cel env: %w", err)
	}
	return &CELEvaluator{env: env, progs: make(map[string]cel.Program)}, nil
}

func functionOption(modName, fnName string, fn Func) cel.EnvOption {
	qname := qualifiedName(modName, fnName)
	binding := func(arg ref.Val) ref.Val {
		args, err := toAnySlice(arg)
		if err != nil {
			return types.NewErr("%s: %s", qname, err.Error())
		}
		result, err := fn(args)
		if err != nil {
			return types.NewErr("%s: %s", qname, err.Error())
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
	return cel.Function(qname,
		cel.Overload(qname+"_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DynType,
			cel.UnaryBinding(binding)))
}

var anySliceType = reflect.TypeOf([]any{})

func toAnySlice(arg ref.Val) ([]any, error) {
	v, err := arg.ConvertToNative(anySliceType)
	if err != nil {
		return nil, err
	}
	slice, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list argument")
	}
	return slice, nil
}

func (c *CELEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.progs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, &Error{Expr: expr, Cause: iss.Err()}
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, &Error{Expr: expr, Cause: err}
	}

	c.mu.Lock()
	c.progs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

func (c *CELEvaluator) eval(ctx context.Context, expr string, view View) (ref.Val, error) {
	prg, err := c.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"vars": view.Snapshot()})
	if err != nil {
		return nil, &Error{Expr: expr, Cause: err}
	}
	return out, nil
}

// EvalBool implements Evaluator.
func (c *CELEvaluator) EvalBool(ctx context.Context, expr string, view View) (bool, error) {
	out, err := c.eval(ctx, expr, view)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, &Error{Expr: expr, Cause: fmt.Errorf("expected bool result, got %T", out.Value())}
	}
	return b, nil
}

// EvalCands implements Evaluator.
func (c *CELEvaluator) EvalCands(ctx context.Context, expr string, view View) ([]string, error) {
	out, err := c.eval(ctx, expr, view)
	if err != nil {
		return nil, err
	}
	raw, ok := out.Value().([]ref.Val)
	if ok {
		cands := make([]string, 0, len(raw))
		for _, r := range raw {
			s, ok := r.Value().(string)
			if !ok {
				return nil, &Error{Expr: expr, Cause: fmt.Errorf("candidate list contains non-string %T", r.Value())}
			}
			cands = append(cands, s)
		}
		return cands, nil
	}
	// CEL may also surface a native []any depending on the conversion path.
	if list, ok := out.Value().([]any); ok {
		cands := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, &Error{Expr: expr, Cause: fmt.Errorf("candidate list contains non-string %T", v)}
			}
			cands = append(cands, s)
		}
		return cands, nil
	}
	return nil, &Error{Expr: expr, Cause: fmt.Errorf("expected a list of strings, got %T", out.Value())}
}

// Run implements Evaluator. The result is discarded; only the error matters.
func (c *CELEvaluator) Run(ctx context.Context, expr string, view View) error {
	_, err := c.eval(ctx, expr, view)
	return err
}
