package script

import (
	"context"
	"testing"
)

func TestCELEvaluatorEvalBool(t *testing.T) {
	ev, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view := NewMapView(map[string]any{"v": 0})

	ok, err := ev.EvalBool(context.Background(), "vars.v <= 100", view)
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}

	ok, err = ev.EvalBool(context.Background(), "vars.v > 100", view)
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if ok {
		t.Fatalf("expected false")
	}
}

func TestCELEvaluatorEvalBoolNonBoolIsScriptError(t *testing.T) {
	ev, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view := NewMapView(map[string]any{"v": 1})

	_, err = ev.EvalBool(context.Background(), "vars.v", view)
	if err == nil {
		t.Fatalf("expected error for non-bool result")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
}

func TestCELEvaluatorEvalCands(t *testing.T) {
	ev, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view := NewMapView(map[string]any{})

	cands, err := ev.EvalCands(context.Background(), `["a", "b"]`, view)
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if len(cands) != 2 || cands[0] != "a" || cands[1] != "b" {
		t.Fatalf("unexpected candidates: %v", cands)
	}
}

func TestCELEvaluatorModuleFunction(t *testing.T) {
	reg := NewRegistry()
	reg.Register("role", Module{
		"isManager": func(args []any) (any, error) {
			uid, _ := args[0].(string)
			return uid == "alice", nil
		},
	})
	ev, err := NewCELEvaluator(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view := NewMapView(map[string]any{"uid": "alice"})

	ok, err := ev.EvalBool(context.Background(), `role.isManager([vars.uid])`, view)
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !ok {
		t.Fatalf("expected role.isManager([\"alice\"]) == true")
	}
}

func TestCELEvaluatorRunDiscardsResult(t *testing.T) {
	ev, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view := NewMapView(map[string]any{})
	if err := ev.Run(context.Background(), `1 + 1`, view); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestCELEvaluatorCompileErrorIsScriptError(t *testing.T) {
	ev, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view := NewMapView(map[string]any{})
	_, err = ev.EvalBool(context.Background(), `vars.v >`, view)
	if err == nil {
		t.Fatalf("expected compile error")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
}
