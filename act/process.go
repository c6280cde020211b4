package act

import (
	"sync"
	"time"

	"github.com/flowstate/act/model"
	"github.com/flowstate/act/script"
)

// Process is a running instance of a Workflow (spec §3, §4.3). It owns a
// variable environment and the collection of live Tasks bound to its
// NodeTree.
type Process struct {
	mu sync.Mutex

	pid       string
	bizID     string
	modelID   string
	tree      *model.NodeTree
	state     TaskState
	startTime time.Time
	endTime   time.Time

	vars  *procView
	tasks map[string]*Task // tid -> Task

	// envStack is the stack of env scopes pushed by entering a Job/Step
	// and popped on exit, per spec §4.3 "Variable scoping".
	envStack []model.Vars
}

func newProcess(pid, bizID, modelID string, tree *model.NodeTree, env model.Vars) *Process {
	return &Process{
		pid:     pid,
		bizID:   bizID,
		modelID: modelID,
		tree:    tree,
		state:   StateNone,
		vars:    newProcView(env),
		tasks:   make(map[string]*Task),
	}
}

// task returns the live Task for tid, if one exists. It never creates
// one; ensureTask creates a Task from its tree node on first visit
// (spec §3: "A Task is created when the Scheduler first visits its node
// in a process").
func (p *Process) task(tid string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[tid]
	return t, ok
}

func (p *Process) ensureTask(n *model.Node) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[n.ID()]; ok {
		return t
	}
	t := newTask(p.pid, n)
	p.tasks[n.ID()] = t
	return t
}

func (p *Process) allTasks() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	return out
}

// pushScope applies env on top of the current variable environment,
// following spec §4.3: "each nested scope (job/step) may shadow with its
// declared env at entry and pop on exit."
func (p *Process) pushScope(env model.Vars) {
	if len(env) == 0 {
		p.envStack = append(p.envStack, nil)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(model.Vars, len(env))
	for k := range env {
		if old, ok := p.vars.view.Get(k); ok {
			snapshot[k] = old
		}
		p.vars.view.Set(k, env[k])
	}
	p.envStack = append(p.envStack, snapshot)
}

// popScope restores whatever values pushScope shadowed.
func (p *Process) popScope() {
	if len(p.envStack) == 0 {
		return
	}
	n := len(p.envStack) - 1
	snapshot := p.envStack[n]
	p.envStack = p.envStack[:n]

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range snapshot {
		p.vars.view.Set(k, v)
	}
}

// merge folds external vars (from complete or start) into the process
// environment.
func (p *Process) merge(vars model.Vars) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range vars {
		p.vars.view.Set(k, v)
	}
}

// view returns a View over a copy of the variables taken under p.mu, so a
// script evaluation never reads the shared map while it is being written.
func (p *Process) view() script.View { return script.NewMapView(p.snapshotVars()) }

func (p *Process) snapshotVars() model.Vars {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.vars.view.Snapshot()
	out := make(model.Vars, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

func (p *Process) setState(s TaskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if s == StateRunning && p.startTime.IsZero() {
		p.startTime = time.Now()
	}
	if s.Terminal() {
		p.endTime = time.Now()
	}
}

func (p *Process) getState() TaskState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// abortAll transitions every non-terminal task (and the process itself)
// to Abort, per spec §4.3 "abort(pid) / close(pid)".
func (p *Process) abortAll() []*Task {
	aborted := make([]*Task, 0)
	for _, t := range p.allTasks() {
		if t.forceAbort() {
			aborted = append(aborted, t)
		}
	}
	p.setState(StateAbort)
	return aborted
}

// procView adapts model.Vars to the script.View contract via a
// shared script.MapView instance, guarded by the Process's own lock
// rather than its own (the engine always holds p.mu for mutation).
type procView struct {
	view *script.MapView
}

func newProcView(initial model.Vars) *procView {
	m := make(map[string]any, len(initial))
	for k, v := range initial {
		m[k] = v
	}
	return &procView{view: script.NewMapView(m)}
}
