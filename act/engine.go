package act

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate/act/emit"
	"github.com/flowstate/act/model"
	"github.com/flowstate/act/script"
	"github.com/flowstate/act/store"
)

// Engine wires the cache, store, scheduler, script evaluator, and emitter
// together and exposes the public surface spec §6 names: deploy, start,
// complete, and (via Manager/Extender) the reflection, lifecycle-control,
// and extension surfaces.
type Engine struct {
	store     store.Store
	cache     *cache
	scheduler *scheduler
	emitter   *emit.Emitter
	evaluator *evalHolder
	registry  *script.Registry
	metrics   *metrics

	Manager  *Manager
	Extender *Extender
}

// New builds an Engine over st, delivering lifecycle messages through em.
// Both must outlive the Engine; Close releases the scheduler's worker pool
// but not st or em.
func New(st store.Store, em *emit.Emitter, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	registry := script.NewRegistry()
	ev, err := script.NewCELEvaluator(registry)
	if err != nil {
		return nil, modelError("new", "build initial script evaluator", err)
	}
	holder := newEvalHolder(ev)
	m := newMetrics(cfg.metricsRegisterer)
	c := newCache()
	log := cfg.logger
	if log == nil {
		log = slog.Default()
	}
	sched := newScheduler(cfg.workers, cfg.queueDepth, c, st, em, holder, m, cfg.defaultTaskTimeout, log)

	e := &Engine{
		store:     st,
		cache:     c,
		scheduler: sched,
		emitter:   em,
		evaluator: holder,
		registry:  registry,
		metrics:   m,
	}
	e.Manager = &Manager{store: e}
	e.Extender = newExtender(registry, holder, script.NewCELEvaluator)
	return e, nil
}

// Close stops the scheduler's worker pool, finishing any signal already
// in flight. It does not close the underlying Store.
func (e *Engine) Close() {
	e.scheduler.shutdown()
}

// Deploy compiles w into a NodeTree and persists it as a new Model,
// content-addressed by "<id>:<version>" (spec §4.1 deploy, §9 Open
// Question: re-deploying the same id+version is rejected rather than
// silently replaced).
func (e *Engine) Deploy(ctx context.Context, w *model.Workflow) (store.Model, error) {
	tree := model.Build(w)
	if tree.Err() != nil {
		return store.Model{}, modelError("deploy", w.ID, tree.Err())
	}

	id := fmt.Sprintf("%s:%d", w.ID, w.Version)
	if exists, err := e.store.Models().Exists(ctx, id); err != nil {
		return store.Model{}, storeError("deploy", "", "", err)
	} else if exists {
		return store.Model{}, newErr(KindAlreadyExists, "deploy", "", "", id, nil)
	}

	doc, err := w.String()
	if err != nil {
		return store.Model{}, modelError("deploy", w.ID, err)
	}

	row := store.Model{
		ID:      id,
		Name:    w.ID,
		Version: w.Version,
		Size:    len(doc),
		Time:    time.Now().UnixMilli(),
		Doc:     doc,
	}
	if err := e.store.Models().Create(ctx, row); err != nil {
		return store.Model{}, storeError("deploy", "", "", err)
	}
	return row, nil
}

// latestModel finds the highest-Version Model row named workflowID. Query
// results are not guaranteed lexically sorted by version (multi-digit
// versions would mis-order), so the max is taken in Go rather than relying
// on store ordering.
func (e *Engine) latestModel(ctx context.Context, workflowID string) (store.Model, error) {
	rows, err := e.store.Models().Query(ctx, store.NewQuery().Push("name", workflowID))
	if err != nil {
		return store.Model{}, storeError("start", "", "", err)
	}
	if len(rows) == 0 {
		return store.Model{}, notFound("start", workflowID, "")
	}
	best := rows[0]
	for _, r := range rows[1:] {
		if r.Version > best.Version {
			best = r
		}
	}
	return best, nil
}

// Start instantiates the latest deployed version of workflowID as a new
// Process. bizID, if non-empty, becomes the process id and is checked
// against the Store for a pre-existing non-terminal instance (spec §4.1
// start, §8 scenario "duplicate biz_id"); otherwise a uuid is generated.
// The NodeTree is rebuilt fresh from the persisted document rather than
// cached at the engine level, so a restarted engine can always recover a
// Process from the Store alone (spec §9, "crash recovery trivial").
func (e *Engine) Start(ctx context.Context, workflowID, bizID string, env model.Vars) (string, error) {
	mrow, err := e.latestModel(ctx, workflowID)
	if err != nil {
		return "", err
	}
	w, err := model.ParseWorkflow(mrow.Doc)
	if err != nil {
		return "", modelError("start", workflowID, err)
	}
	tree := model.Build(w)
	if tree.Err() != nil {
		return "", modelError("start", workflowID, tree.Err())
	}

	pid := bizID
	if pid == "" {
		pid = uuid.NewString()
	}

	if existing, err := e.store.Procs().Find(ctx, pid); err == nil && !TaskState(existing.State).Terminal() {
		return "", alreadyExists("start", pid)
	}

	merged := w.Env.Clone().Merge(env)
	p := newProcess(pid, bizID, mrow.ID, tree, merged)
	if err := e.cache.insert(p); err != nil {
		return "", err
	}

	// The Proc row is persisted as None; it moves to Running the same way
	// Task rows do, when the scheduler first ticks the root Workflow task
	// (spec §4.1 start, §4.3 Process/Task share a state machine).
	varsJSON, err := json.Marshal(p.snapshotVars())
	if err != nil {
		e.cache.evict(pid)
		return "", internalErr("start", "encode initial vars", err)
	}
	row := store.Proc{
		ID:        pid,
		ModelID:   mrow.ID,
		Doc:       mrow.Doc,
		State:     string(StateNone),
		Vars:      string(varsJSON),
		StartTime: time.Now().UnixMilli(),
	}
	if err := e.store.Procs().Create(ctx, row); err != nil {
		e.cache.evict(pid)
		return "", storeError("start", pid, "", err)
	}
	e.metrics.setActiveProcs(e.cache.len())
	e.emitter.Emit(&emit.Message{Kind: emit.KindWorkflowStarted, PID: pid})

	e.scheduler.enqueueReady(pid, tree.Root().ID())
	return pid, nil
}

// Complete resolves an outstanding human Subject for (pid, tid): uid must
// be one of the candidates the task is still waiting on (spec §4.3
// complete(pid,tid,uid,vars)). It blocks until the scheduler has fully
// advanced the resulting signal.
func (e *Engine) Complete(pid, tid, uid string, vars model.Vars) error {
	if _, ok := e.cache.get(pid); !ok {
		return notFound("complete", pid, tid)
	}
	result := make(chan error)
	e.scheduler.enqueue(signal{kind: sigComplete, pid: pid, tid: tid, uid: uid, vars: vars, result: result})
	return <-result
}
