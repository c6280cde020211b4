package store

// TaskRowID builds the composite row id Id(pid, tid) spec.md §3 assigns to
// a Task: one row per (process, node) pair.
func TaskRowID(pid, tid string) string { return pid + ":" + tid }

// Model is a deployed workflow document, content-addressed by id+version
// (spec.md §3).
type Model struct {
	ID      string
	Name    string
	Version int
	Size    int
	Time    int64
	Doc     string // serialized workflow document (model.Workflow.String())
}

func (m Model) RowID() string { return m.ID }
func (m Model) Fields() map[string]any {
	return map[string]any{"id": m.ID, "name": m.Name, "version": m.Version}
}

// Proc is a running (or terminated) workflow instance (spec.md §3).
type Proc struct {
	ID        string // pid / biz_id
	ModelID   string
	Doc       string // the deployed workflow document this instance runs
	State     string // TaskState string
	Vars      string // JSON-encoded Vars
	StartTime int64
	EndTime   int64
}

func (p Proc) RowID() string { return p.ID }
func (p Proc) Fields() map[string]any {
	return map[string]any{"id": p.ID, "model_id": p.ModelID, "state": p.State}
}

// Task is a node-instance within a Process (spec.md §3). Its RowID is the
// composite Id(pid, tid).
type Task struct {
	ID        string
	PID       string
	TID       string
	Kind      string
	NID       string
	State     string
	UID       string
	StartTime int64
	EndTime   int64
}

func (t Task) RowID() string { return t.ID }
func (t Task) Fields() map[string]any {
	return map[string]any{"id": t.ID, "pid": t.PID, "tid": t.TID, "state": t.State, "uid": t.UID}
}

// Message is an outstanding (or closed) user interaction (spec.md §3).
type Message struct {
	ID         string
	PID        string
	TID        string
	UID        string
	State      string
	Vars       string // JSON-encoded Vars merged on complete
	CreateTime int64
	UpdateTime int64
}

func (m Message) RowID() string { return m.ID }
func (m Message) Fields() map[string]any {
	return map[string]any{"id": m.ID, "pid": m.PID, "tid": m.TID, "uid": m.UID, "state": m.State}
}

// Act is an append-only audit row: one entry per scheduler-visible action
// taken against a task (SPEC_FULL.md §3, "Act audit trail").
type Act struct {
	ID     string
	PID    string
	TID    string
	Action string // "transition:<State>" per persisted task transition, or "error"
	Time   int64
}

func (a Act) RowID() string { return a.ID }
func (a Act) Fields() map[string]any {
	return map[string]any{"id": a.ID, "pid": a.PID, "tid": a.TID, "action": a.Action}
}
