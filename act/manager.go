package act

import (
	"context"

	"github.com/flowstate/act/store"
)

// Manager is the engine's read-only reflection and lifecycle-control
// surface (spec §6): manager.models/model/remove, manager.procs/proc/
// tasks/task/acts, manager.close.
type Manager struct {
	store *Engine
}

// Models returns up to limit deployed workflow models. limit<=0 means
// unlimited.
func (m *Manager) Models(ctx context.Context, limit int) ([]store.Model, error) {
	q := store.NewQuery()
	if limit > 0 {
		q = q.SetLimit(limit)
	}
	rows, err := m.store.store.Models().Query(ctx, q)
	if err != nil {
		return nil, storeError("models", "", "", err)
	}
	return rows, nil
}

// Model looks up a deployed model by its composite id+version row id.
func (m *Manager) Model(ctx context.Context, id string) (store.Model, error) {
	row, err := m.store.store.Models().Find(ctx, id)
	if err != nil {
		return store.Model{}, notFound("model", id, "")
	}
	return row, nil
}

// Remove deletes a deployed model. It does not affect running processes,
// which already own a compiled copy of their NodeTree.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.store.Models().Delete(ctx, id); err != nil {
		return notFound("remove", id, "")
	}
	return nil
}

// Procs returns up to limit process rows. limit<=0 means unlimited.
func (m *Manager) Procs(ctx context.Context, limit int) ([]store.Proc, error) {
	q := store.NewQuery()
	if limit > 0 {
		q = q.SetLimit(limit)
	}
	rows, err := m.store.store.Procs().Query(ctx, q)
	if err != nil {
		return nil, storeError("procs", "", "", err)
	}
	return rows, nil
}

// Proc looks up a process row by pid.
func (m *Manager) Proc(ctx context.Context, pid string) (store.Proc, error) {
	row, err := m.store.store.Procs().Find(ctx, pid)
	if err != nil {
		return store.Proc{}, notFound("proc", pid, "")
	}
	return row, nil
}

// Tasks returns every task row belonging to pid.
func (m *Manager) Tasks(ctx context.Context, pid string) ([]store.Task, error) {
	rows, err := m.store.store.Tasks().Query(ctx, store.NewQuery().Push("pid", pid))
	if err != nil {
		return nil, storeError("tasks", pid, "", err)
	}
	return rows, nil
}

// Task looks up a single task row by (pid, tid).
func (m *Manager) Task(ctx context.Context, pid, tid string) (store.Task, error) {
	row, err := m.store.store.Tasks().Find(ctx, store.TaskRowID(pid, tid))
	if err != nil {
		return store.Task{}, notFound("task", pid, tid)
	}
	return row, nil
}

// Acts returns the audit trail for pid, optionally narrowed to a single
// task id (SPEC_FULL.md "Act audit trail").
func (m *Manager) Acts(ctx context.Context, pid, tid string) ([]store.Act, error) {
	q := store.NewQuery().Push("pid", pid)
	if tid != "" {
		q = q.Push("tid", tid)
	}
	rows, err := m.store.store.Acts().Query(ctx, q)
	if err != nil {
		return nil, storeError("acts", pid, tid, err)
	}
	return rows, nil
}

// Close evicts an active process, aborting every non-terminal task
// (spec §4.3 abort/close, §6 manager.close).
func (m *Manager) Close(pid string) error {
	if _, ok := m.store.cache.get(pid); !ok {
		return notFound("close", pid, "")
	}
	result := make(chan error)
	m.store.scheduler.enqueue(signal{kind: sigClose, pid: pid, result: result})
	return <-result
}
