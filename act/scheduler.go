package act

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate/act/emit"
	"github.com/flowstate/act/model"
	"github.com/flowstate/act/script"
	"github.com/flowstate/act/store"
)

type signalKind int

const (
	sigTick signalKind = iota
	sigComplete
	sigClose
)

// signal is a unit of scheduling work (spec §4.4). Tick advances a Ready
// task; Complete re-enters the queue from an external complete() call;
// Close aborts every non-terminal task of a process.
type signal struct {
	kind signalKind
	pid  string
	tid  string
	uid  string
	vars model.Vars

	// result, if set, receives the outcome of this signal and is then
	// closed. Complete and Close signals use it so the caller can observe
	// its own signal's result synchronously without waiting for the whole
	// engine to go idle.
	result chan error
}

// scheduler drains a shared FIFO signal queue with a bounded worker pool,
// advancing tasks per spec §4.4's "Advance algorithm". Per-task mutual
// exclusion is provided by Task's own mutex (§5); the scheduler never
// holds two tasks' locks at once.
type scheduler struct {
	queue chan signal

	mu      sync.Mutex
	cond    *sync.Cond
	pending int64

	cache     *cache
	store     store.Store
	emitter   *emit.Emitter
	evaluator *evalHolder
	metrics   *metrics
	timeout   time.Duration
	log       *slog.Logger

	wg sync.WaitGroup
}

func newScheduler(workers, queueDepth int, c *cache, st store.Store, em *emit.Emitter, ev *evalHolder, m *metrics, timeout time.Duration, log *slog.Logger) *scheduler {
	s := &scheduler{
		queue:     make(chan signal, queueDepth),
		cache:     c,
		store:     st,
		emitter:   em,
		evaluator: ev,
		metrics:   m,
		timeout:   timeout,
		log:       log,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

func (s *scheduler) work() {
	defer s.wg.Done()
	for sig := range s.queue {
		s.advance(sig)
		s.done()
	}
}

func (s *scheduler) enqueue(sig signal) {
	s.mu.Lock()
	s.pending++
	s.metrics.setQueueDepth(int(s.pending))
	s.mu.Unlock()
	s.queue <- sig
}

func (s *scheduler) done() {
	s.mu.Lock()
	s.pending--
	s.metrics.setQueueDepth(int(s.pending))
	if s.pending == 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// wait blocks until the queue is idle and, transitively, every signal
// it spawned has also drained (spec §4.4, "eloop blocks until the queue
// is idle").
func (s *scheduler) wait() {
	s.mu.Lock()
	for s.pending != 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *scheduler) ctx() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *scheduler) enqueueReady(pid, tid string) {
	p, ok := s.cache.get(pid)
	if !ok {
		return
	}
	n, ok := p.tree.Node(tid)
	if !ok {
		return
	}
	t := p.ensureTask(n)
	if err := t.transition(StateReady); err != nil {
		return
	}
	s.persistTask(p, t)
	s.emitKind(emit.KindTaskCreated, pid, tid, "")
	s.enqueue(signal{kind: sigTick, pid: pid, tid: tid})
}

// advance dispatches a signal to the matching handler.
func (s *scheduler) advance(sig signal) {
	var err error
	switch sig.kind {
	case sigTick:
		s.advanceTick(sig.pid, sig.tid)
	case sigComplete:
		if aerr := s.advanceComplete(sig.pid, sig.tid, sig.uid, sig.vars); aerr != nil {
			err = aerr
		}
	case sigClose:
		s.advanceClose(sig.pid)
	}
	if sig.result != nil {
		sig.result <- err
		close(sig.result)
	}
}

// advanceTick implements spec §4.4 steps 1-3 for a Ready task.
func (s *scheduler) advanceTick(pid, tid string) {
	p, ok := s.cache.get(pid)
	if !ok {
		return
	}
	t, ok := p.task(tid)
	if !ok {
		return
	}
	if t.snapshot().State != StateReady {
		return
	}

	if err := t.transition(StateRunning); err != nil {
		return
	}
	s.persistTask(p, t)
	s.emitKind(emit.KindTaskStarted, pid, tid, "")

	// The root Workflow task entering Running is the Process itself
	// starting execution (spec §4.1 start, §4.3: Process shares the Task
	// state machine). The Proc row is persisted as None until this point.
	if tid == p.tree.Root().ID() {
		p.setState(StateRunning)
		s.persistProc(p)
	}

	n, ok := p.tree.Node(tid)
	if !ok {
		s.handleFail(p, tid, internalErr("advance", "node missing from tree", nil))
		return
	}

	switch n.Data.Kind {
	case model.KindWorkflow:
		s.enterContainer(p, n)
	case model.KindJob:
		if len(n.Data.Job.Env) > 0 {
			p.pushScope(n.Data.Job.Env)
		}
		s.enterContainer(p, n)
	case model.KindBranch:
		s.enterContainer(p, n)
	case model.KindStep:
		s.advanceStep(p, n)
	}
}

// enterContainer enqueues the first child of a Workflow/Job/Branch node,
// or bubbles completion immediately if the container has no children.
func (s *scheduler) enterContainer(p *Process, n *model.Node) {
	child, ok := p.tree.FirstChild(n)
	if !ok {
		s.bubbleComplete(p, n.ID())
		return
	}
	s.enqueueReady(p.pid, child.ID())
}

// advanceStep implements spec §4.4 Step effect: run script, then Subject
// or Branches, then (d) enqueue the next sibling.
func (s *scheduler) advanceStep(p *Process, n *model.Node) {
	step := n.Data.Step
	ctx, cancel := s.ctx()
	defer cancel()

	if step.Run != "" {
		if err := s.evaluator.get().Run(ctx, step.Run, p.view()); err != nil {
			s.metrics.observeScriptFailure()
			s.handleFail(p, n.ID(), scriptError("advance", p.pid, n.ID(), step.Run, err))
			return
		}
	}

	if step.Subject != nil {
		s.handleSubject(ctx, p, n, step)
		return
	}

	if len(step.Branches) > 0 {
		matched, err := s.evalBranches(ctx, p, n, step)
		if err != nil {
			s.handleFail(p, n.ID(), err)
			return
		}
		if matched {
			return // waiting on the selected branch's chain to bubble back
		}
	}

	s.bubbleComplete(p, n.ID())
}

// evalBranches evaluates step's Branches in declaration order, selecting
// the first truthy one and marking the rest Skip (spec §4.4, invariant 8).
func (s *scheduler) evalBranches(ctx context.Context, p *Process, stepNode *model.Node, step *model.Step) (matched bool, err error) {
	var selected string
	for i := range step.Branches {
		b := &step.Branches[i]
		if !matched {
			ok, evalErr := s.evaluator.get().EvalBool(ctx, b.If, p.view())
			if evalErr != nil {
				return false, scriptError("advance", p.pid, stepNode.ID(), b.If, evalErr)
			}
			if ok {
				matched = true
				selected = b.ID
				continue
			}
		}
		s.skipBranch(p, b.ID)
	}
	if matched {
		s.enqueueReady(p.pid, selected)
	}
	return matched, nil
}

func (s *scheduler) skipBranch(p *Process, branchID string) {
	n, ok := p.tree.Node(branchID)
	if !ok {
		return
	}
	t := p.ensureTask(n)
	if err := t.transition(StateSkip); err != nil {
		return
	}
	s.persistTask(p, t)
	s.emitKind(emit.KindTaskCompleted, p.pid, branchID, "")
}

// handleSubject implements spec §4.4 3(b): resolve candidates, pick
// assignees per the matcher, create a Message per assignee, and suspend
// the task in Pending.
func (s *scheduler) handleSubject(ctx context.Context, p *Process, n *model.Node, step *model.Step) {
	tid := n.ID()
	t, _ := p.task(tid)

	cands, err := s.evaluator.get().EvalCands(ctx, step.Subject.Cands, p.view())
	if err != nil {
		s.handleFail(p, tid, scriptError("advance", p.pid, tid, step.Subject.Cands, err))
		return
	}
	if len(cands) == 0 {
		s.handleFail(p, tid, scriptError("advance", p.pid, tid, step.Subject.Cands, errNoCandidates))
		return
	}

	t.mu.Lock()
	t.Matcher = step.Subject.Matcher
	switch step.Subject.Matcher {
	case model.MatchAll:
		t.waiting = append([]string{}, cands...)
	case model.MatchOrd:
		t.waiting = append([]string{}, cands...)
	default: // MatchAny
		t.waiting = []string{cands[0]}
	}
	waiting := append([]string{}, t.waiting...)
	t.mu.Unlock()

	if err := t.transition(StatePending); err != nil {
		s.handleFail(p, tid, internalErr("advance", "cannot suspend task", err))
		return
	}
	s.persistTask(p, t)

	toNotify := waiting
	if step.Subject.Matcher == model.MatchOrd {
		toNotify = waiting[:1]
	}
	for _, uid := range toNotify {
		s.createMessage(p, tid, uid)
	}
}

// advanceComplete implements spec §4.3 complete(pid,tid,uid,vars) and the
// remainder of §4.4 3(b): once every required assignee has completed, the
// task resumes exactly like a Step that never had a Subject. complete must
// fail synchronously on a bad call, so every rejected case here returns a
// typed *Error instead of dropping the signal silently.
func (s *scheduler) advanceComplete(pid, tid, uid string, vars model.Vars) *Error {
	p, ok := s.cache.get(pid)
	if !ok {
		return notFound("complete", pid, tid)
	}
	t, ok := p.task(tid)
	if !ok {
		return notFound("complete", pid, tid)
	}

	t.mu.Lock()
	if t.State != StatePending {
		state := t.State
		t.mu.Unlock()
		return wrongState("complete", pid, tid, string(state)+" is not Pending")
	}
	idx := -1
	for i, c := range t.waiting {
		if c == uid {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return forbidden("complete", pid, tid, "uid "+uid+" is not a candidate for this task")
	}
	if t.Matcher == model.MatchOrd && idx != 0 {
		t.mu.Unlock()
		return forbidden("complete", pid, tid, "uid "+uid+" is not next in the ord sequence")
	}
	t.waiting = append(t.waiting[:idx], t.waiting[idx+1:]...)
	remaining := append([]string{}, t.waiting...)
	t.mu.Unlock()

	p.merge(vars)
	s.closeMessage(p, tid, uid, vars)

	if len(remaining) > 0 {
		if t.Matcher == model.MatchOrd {
			s.createMessage(p, tid, remaining[0])
		}
		return nil
	}

	if err := t.transition(StateRunning); err != nil {
		var actErr *Error
		if errors.As(err, &actErr) {
			return actErr
		}
		return internalErr("complete", "resume after Pending", err)
	}
	s.persistTask(p, t)
	s.bubbleComplete(p, tid)
	return nil
}

// advanceClose implements spec §4.3 abort(pid)/close(pid): aborts every
// non-terminal task, marks the process Abort, and evicts it from cache.
func (s *scheduler) advanceClose(pid string) {
	p, ok := s.cache.get(pid)
	if !ok {
		return
	}
	for _, t := range p.abortAll() {
		s.persistTask(p, t)
		s.emitKind(emit.KindTaskCompleted, pid, t.TID, t.UID)
	}
	s.persistProc(p)
	s.cache.evict(pid)
	s.metrics.setActiveProcs(s.cache.len())
}

// bubbleComplete implements spec §4.4 step 5: mark tid Success and, if it
// has no next sibling and no remaining children, recursively complete its
// parent; reaching the Workflow root completes the Process.
func (s *scheduler) bubbleComplete(p *Process, tid string) {
	t, ok := p.task(tid)
	if !ok {
		return
	}
	n, ok := p.tree.Node(tid)
	if !ok {
		return
	}
	if n.Data.Kind == model.KindJob {
		p.popScope()
	}

	if err := t.transition(StateSuccess); err != nil {
		return
	}
	s.persistTask(p, t)
	s.emitKind(emit.KindTaskCompleted, p.pid, tid, "")

	if next, ok := p.tree.Next(n); ok {
		s.enqueueReady(p.pid, next.ID())
		return
	}

	parent, ok := p.tree.Parent(n)
	if !ok {
		s.completeProcess(p)
		return
	}
	s.bubbleComplete(p, parent.ID())
}

func (s *scheduler) completeProcess(p *Process) {
	p.setState(StateSuccess)
	s.persistProc(p)
	s.emitKind(emit.KindWorkflowCompleted, p.pid, "", "")
	s.cache.evict(p.pid)
	s.metrics.setActiveProcs(s.cache.len())
}

// handleFail implements spec §4.4 step 4: the failing task, and every
// ancestor up to the Process, transitions to Fail; no sibling sees
// execution resume (parallel branches are not supported in this version).
func (s *scheduler) handleFail(p *Process, tid string, cause error) {
	detail := cause.Error()
	t, ok := p.task(tid)
	if !ok {
		return
	}
	t.mu.Lock()
	t.FailDetail = detail
	t.mu.Unlock()
	if err := t.transition(StateFail); err != nil {
		return
	}
	s.persistTask(p, t)
	s.appendAct(p.pid, tid, "error")
	kind := KindInternal
	var actErr *Error
	if errors.As(cause, &actErr) {
		kind = actErr.Kind
	}
	if kind == KindScriptError {
		s.log.Warn("task failed on script error", "pid", p.pid, "tid", tid, "detail", detail)
	} else {
		s.log.Error("task failed", "pid", p.pid, "tid", tid, "kind", string(kind), "detail", detail)
	}
	s.emitError(p.pid, tid, string(kind), detail)

	node, ok := p.tree.Node(tid)
	if ok {
		for {
			parent, hasParent := p.tree.Parent(node)
			if !hasParent {
				break
			}
			pt := p.ensureTask(parent)
			if err := pt.transition(StateFail); err == nil {
				s.persistTask(p, pt)
			}
			node = parent
		}
	}

	p.setState(StateFail)
	s.persistProc(p)
	s.cache.evict(p.pid)
	s.metrics.setActiveProcs(s.cache.len())
	s.emitError(p.pid, tid, string(kind), detail)
}

// --- persistence + emission helpers -----------------------------------

func (s *scheduler) persistTask(p *Process, t *Task) {
	row := t.snapshot()
	r := store.Task{
		ID:    store.TaskRowID(p.pid, row.TID),
		PID:   p.pid,
		TID:   row.TID,
		Kind:  string(row.Kind),
		NID:   row.NID,
		State: string(row.State),
		UID:   row.UID,
	}
	if !row.StartTime.IsZero() {
		r.StartTime = row.StartTime.UnixMilli()
	}
	if !row.EndTime.IsZero() {
		r.EndTime = row.EndTime.UnixMilli()
	}

	ctx := context.Background()
	exists, _ := s.store.Tasks().Exists(ctx, r.ID)
	var err error
	if exists {
		err = s.store.Tasks().Update(ctx, r)
	} else {
		err = s.store.Tasks().Create(ctx, r)
	}
	if err != nil {
		s.metrics.observeStoreError("task")
		s.log.Error("task store write failed", "pid", p.pid, "tid", row.TID, "state", string(row.State), "err", err)
	} else {
		s.log.Info("task transition", "pid", p.pid, "tid", row.TID, "kind", string(row.Kind), "state", string(row.State))
	}
	s.appendAct(p.pid, row.TID, "transition:"+string(row.State))

	latency := float64(0)
	if !row.StartTime.IsZero() && !row.EndTime.IsZero() {
		latency = float64(row.EndTime.Sub(row.StartTime).Milliseconds())
	}
	if row.State.Terminal() {
		s.metrics.observeTaskDone(string(row.Kind), string(row.State), latency)
	}
}

func (s *scheduler) persistProc(p *Process) {
	vars, _ := json.Marshal(p.snapshotVars())
	r := store.Proc{
		ID:      p.pid,
		ModelID: p.modelID,
		State:   string(p.getState()),
		Vars:    string(vars),
	}
	if !p.startTime.IsZero() {
		r.StartTime = p.startTime.UnixMilli()
	}
	if !p.endTime.IsZero() {
		r.EndTime = p.endTime.UnixMilli()
	}

	ctx := context.Background()
	if prev, err := s.store.Procs().Find(ctx, p.pid); err == nil {
		r.Doc = prev.Doc
	}
	if err := s.store.Procs().Update(ctx, r); err != nil {
		s.metrics.observeStoreError("proc")
		s.log.Error("proc store write failed", "pid", p.pid, "state", string(p.getState()), "err", err)
		return
	}
	s.log.Info("proc transition", "pid", p.pid, "state", string(p.getState()))
}

func (s *scheduler) createMessage(p *Process, tid, uid string) {
	now := time.Now().UnixMilli()
	msg := store.Message{
		ID:         uuid.NewString(),
		PID:        p.pid,
		TID:        tid,
		UID:        uid,
		State:      string(StatePending),
		Vars:       "{}",
		CreateTime: now,
		UpdateTime: now,
	}
	ctx := context.Background()
	if err := s.store.Messages().Create(ctx, msg); err != nil {
		s.metrics.observeStoreError("message")
	}
	s.emitUserMessage(p.pid, tid, uid, []string{uid}, p.snapshotVars(), time.UnixMilli(now))
}

func (s *scheduler) closeMessage(p *Process, tid, uid string, vars model.Vars) {
	ctx := context.Background()
	rows, err := s.store.Messages().Query(ctx, store.NewQuery().Push("pid", p.pid).Push("tid", tid).Push("uid", uid))
	if err != nil || len(rows) == 0 {
		return
	}
	row := rows[0]
	row.State = string(StateSuccess)
	body, _ := json.Marshal(vars)
	row.Vars = string(body)
	row.UpdateTime = time.Now().UnixMilli()
	if err := s.store.Messages().Update(ctx, row); err != nil {
		s.metrics.observeStoreError("message")
	}
}

func (s *scheduler) appendAct(pid, tid, action string) {
	row := store.Act{
		ID:     uuid.NewString(),
		PID:    pid,
		TID:    tid,
		Action: action,
		Time:   time.Now().UnixMilli(),
	}
	if err := s.store.Acts().Create(context.Background(), row); err != nil {
		s.metrics.observeStoreError("act")
	}
}

func (s *scheduler) emitKind(kind emit.Kind, pid, tid, uid string) {
	s.emitter.Emit(&emit.Message{Kind: kind, PID: pid, TID: tid})
}

func (s *scheduler) emitUserMessage(pid, tid, uid string, cands []string, vars model.Vars, at time.Time) {
	s.emitter.Emit(&emit.Message{
		Kind: emit.KindUserMessage,
		PID:  pid,
		TID:  tid,
		User: &emit.UserMessage{UID: uid, Candidates: cands, Vars: vars, CreateTime: at},
	})
}

func (s *scheduler) emitError(pid, tid, kind, detail string) {
	s.emitter.Emit(&emit.Message{
		Kind: emit.KindError,
		PID:  pid,
		TID:  tid,
		Err:  &emit.ErrorInfo{ErrKind: kind, Detail: detail},
	})
}

// shutdown stops accepting new work and waits for in-flight workers to
// finish their current signal.
func (s *scheduler) shutdown() {
	close(s.queue)
	s.wg.Wait()
}

var errNoCandidates = errors.New("subject candidate expression produced no candidates")
