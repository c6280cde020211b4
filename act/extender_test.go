package act

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowstate/act/emit"
	"github.com/flowstate/act/model"
	"github.com/flowstate/act/script"
)

// RegisterModule rebuilds the evaluator so a workflow deployed (and
// started) after registration can call the newly-registered function.
func TestExtenderRegisterModuleIsVisibleToNewScripts(t *testing.T) {
	e, em := newTestEngine(t)
	ctx := context.Background()

	if err := e.Extender.RegisterModule("checks", script.Module{
		"positive": func(args []any) (any, error) {
			n, ok := args[0].(float64)
			if !ok {
				return nil, errors.New("checks.positive: want a number")
			}
			return n > 0, nil
		},
	}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	w := model.NewWorkflow("guarded").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithIDStep("check").WithRun(`checks.positive([vars.amount]) == true`)
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	wait := subscribe(t, em, emit.KindWorkflowCompleted)
	pid, err := e.Start(ctx, "guarded", "", model.Vars{"amount": 5.0})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(2 * time.Second)

	proc, err := e.Manager.Proc(ctx, pid)
	if err != nil {
		t.Fatalf("Proc: %v", err)
	}
	if proc.State != string(StateSuccess) {
		t.Fatalf("proc state = %q, want Success", proc.State)
	}
}

// RegisterPlugin delegates to OnInit and then rebuilds, exposing every
// module the plugin registered in one atomic swap.
func TestExtenderRegisterPluginRegistersItsModules(t *testing.T) {
	e, _ := newTestEngine(t)

	p := &stubPlugin{
		name: "greeter",
		modules: map[string]script.Module{
			"greet": {
				"hello": func(args []any) (any, error) { return true, nil },
			},
		},
	}
	if err := e.Extender.RegisterPlugin(p); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}

	ok, err := e.evaluator.get().EvalBool(context.Background(), "greet.hello([]) == true", script.NewMapView(nil))
	if err != nil {
		t.Fatalf("EvalBool after plugin registration: %v", err)
	}
	if !ok {
		t.Fatal("expected greet.hello to evaluate true")
	}
}

func TestExtenderRegisterModuleRebuildFailureIsReported(t *testing.T) {
	reg := script.NewRegistry()
	ev, err := script.NewCELEvaluator(reg)
	if err != nil {
		t.Fatalf("NewCELEvaluator: %v", err)
	}
	holder := newEvalHolder(ev)
	x := newExtender(reg, holder, func(*script.Registry) (script.Evaluator, error) {
		return nil, errors.New("boom")
	})

	err = x.RegisterModule("m", script.Module{"f": func([]any) (any, error) { return nil, nil }})
	if err == nil {
		t.Fatal("expected rebuild failure to surface")
	}
	actErr, ok := err.(*Error)
	if !ok || actErr.Kind != KindModelError {
		t.Fatalf("err = %v, want KindModelError", err)
	}
}

type stubPlugin struct {
	name    string
	modules map[string]script.Module
}

func (p *stubPlugin) Name() string { return p.name }

func (p *stubPlugin) OnInit(reg *script.Registry) error {
	for name, mod := range p.modules {
		reg.Register(name, mod)
	}
	return nil
}
