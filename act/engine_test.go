package act

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowstate/act/emit"
	"github.com/flowstate/act/model"
	"github.com/flowstate/act/store"
)

func newTestEngine(t *testing.T) (*Engine, *emit.Emitter) {
	t.Helper()
	em := emit.New()
	e, err := New(store.NewMemStore(), em, WithWorkers(2), WithMetricsRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e, em
}

// subscribe registers a catch-once handler for kind and returns a function
// that blocks until it fires. Call subscribe before the action that may
// emit kind, then call the returned func afterward, so the handler is
// never registered racing against the emission it's meant to observe.
func subscribe(t *testing.T, em *emit.Emitter, kind emit.Kind) func(timeout time.Duration) *emit.Message {
	t.Helper()
	ch := make(chan *emit.Message, 1)
	em.On(kind, func(m *emit.Message) {
		select {
		case ch <- m:
		default:
		}
	})
	return func(timeout time.Duration) *emit.Message {
		t.Helper()
		select {
		case m := <-ch:
			return m
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for %s", kind)
			return nil
		}
	}
}

// S1: a single-step workflow runs its script and completes successfully.
func TestEngineSingleStepSucceeds(t *testing.T) {
	e, em := newTestEngine(t)
	ctx := context.Background()

	w := model.NewWorkflow("greet").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithRun("1 == 1")
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	wait := subscribe(t, em, emit.KindWorkflowCompleted)
	pid, err := e.Start(ctx, "greet", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := wait(2 * time.Second)
	if m.PID != pid {
		t.Fatalf("completed pid = %q, want %q", m.PID, pid)
	}

	proc, err := e.Manager.Proc(ctx, pid)
	if err != nil {
		t.Fatalf("Proc: %v", err)
	}
	if proc.State != string(StateSuccess) {
		t.Fatalf("proc state = %q, want Success", proc.State)
	}
}

// S2: a human-assigned step suspends in Pending and resumes once its
// candidate calls complete.
func TestEngineHumanTaskCompletesOnExternalSignal(t *testing.T) {
	e, em := newTestEngine(t)
	ctx := context.Background()

	w := model.NewWorkflow("approval").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithIDStep("approve").WithSubject(func(sub *model.Subject) {
				sub.WithMatcher(model.MatchAny).WithCands(`["alice"]`)
			})
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	waitMsg := subscribe(t, em, emit.KindUserMessage)
	pid, err := e.Start(ctx, "approval", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := waitMsg(2 * time.Second)
	um, ok := m.AsUserMessage()
	if !ok || um.UID != "alice" {
		t.Fatalf("unexpected user message payload: %+v", um)
	}

	task, err := e.Manager.Task(ctx, pid, "approve")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.State != string(StatePending) {
		t.Fatalf("task state = %q, want Pending", task.State)
	}

	waitDone := subscribe(t, em, emit.KindWorkflowCompleted)
	if err := e.Complete(pid, "approve", "alice", model.Vars{"ok": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	waitDone(2 * time.Second)
}

// S3: starting a workflow with a biz_id already bound to a non-terminal
// process fails with AlreadyExists.
func TestEngineStartDuplicateBizIDFails(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	w := model.NewWorkflow("wait").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithIDStep("wait-step").WithSubject(func(sub *model.Subject) {
				sub.WithMatcher(model.MatchAny).WithCands(`["bob"]`)
			})
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if _, err := e.Start(ctx, "wait", "order-42", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := e.Start(ctx, "wait", "order-42", nil)
	if err == nil {
		t.Fatal("expected AlreadyExists, got nil")
	}
	actErr, ok := err.(*Error)
	if !ok || actErr.Kind != KindAlreadyExists {
		t.Fatalf("err = %v, want KindAlreadyExists", err)
	}
}

// S4: of two mutually-exclusive branches, exactly one runs and the other
// is marked Skip.
func TestEngineBranchSelectsExactlyOne(t *testing.T) {
	e, em := newTestEngine(t)
	ctx := context.Background()

	w := model.NewWorkflow("fork").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithIDStep("decide")
			s.WithBranch(func(b *model.Branch) {
				b.WithIf("vars.go == true").WithStepBranch(func(ss *model.Step) {
					ss.WithIDStep("go-yes").WithRun("1 == 1")
				})
			})
			s.WithBranch(func(b *model.Branch) {
				b.WithIf("vars.go == false").WithStepBranch(func(ss *model.Step) {
					ss.WithIDStep("go-no").WithRun("1 == 1")
				})
			})
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	wait := subscribe(t, em, emit.KindWorkflowCompleted)
	pid, err := e.Start(ctx, "fork", "", model.Vars{"go": true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	wait(2 * time.Second)

	tasks, err := e.Manager.Tasks(ctx, pid)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	var successes, skips int
	for _, tk := range tasks {
		if tk.Kind != string(model.KindBranch) {
			continue
		}
		switch tk.State {
		case string(StateSuccess):
			successes++
		case string(StateSkip):
			skips++
		}
	}
	if successes != 1 || skips != 1 {
		t.Fatalf("branch outcomes: successes=%d skips=%d, want 1 and 1", successes, skips)
	}
}

// S5: a failing script fails its Task, then every ancestor up to the
// Process, and emits a ScriptError.
func TestEngineScriptFailurePropagatesToProcess(t *testing.T) {
	e, em := newTestEngine(t)
	ctx := context.Background()

	w := model.NewWorkflow("boom").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithIDStep("explode").WithRun("vars.missing_key + 1")
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	wait := subscribe(t, em, emit.KindError)
	pid, err := e.Start(ctx, "boom", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := wait(2 * time.Second)
	info, ok := m.AsError()
	if !ok || info.ErrKind != string(KindScriptError) {
		t.Fatalf("unexpected error payload: %+v", info)
	}

	proc, err := e.Manager.Proc(ctx, pid)
	if err != nil {
		t.Fatalf("Proc: %v", err)
	}
	if proc.State != string(StateFail) {
		t.Fatalf("proc state = %q, want Fail", proc.State)
	}
}

// S6: closing a process aborts every non-terminal task and evicts it from
// the cache, but the process remains queryable via the Store.
func TestEngineCloseAbortsAndEvicts(t *testing.T) {
	e, em := newTestEngine(t)
	ctx := context.Background()

	w := model.NewWorkflow("pause").WithJob(func(j *model.Job) {
		j.WithStep(func(s *model.Step) {
			s.WithIDStep("hold").WithSubject(func(sub *model.Subject) {
				sub.WithMatcher(model.MatchAny).WithCands(`["carol"]`)
			})
		})
	})
	if _, err := e.Deploy(ctx, w); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	wait := subscribe(t, em, emit.KindUserMessage)
	pid, err := e.Start(ctx, "pause", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(2 * time.Second)

	if err := e.Manager.Close(pid); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := e.cache.get(pid); ok {
		t.Fatal("process still present in cache after Close")
	}

	task, err := e.Manager.Task(ctx, pid, "hold")
	if err != nil {
		t.Fatalf("Task after close: %v", err)
	}
	if task.State != string(StateAbort) {
		t.Fatalf("task state = %q, want Abort", task.State)
	}

	proc, err := e.Manager.Proc(ctx, pid)
	if err != nil {
		t.Fatalf("Proc after close: %v", err)
	}
	if proc.State != string(StateAbort) {
		t.Fatalf("proc state = %q, want Abort", proc.State)
	}
}
