package act

import (
	"sync"
	"time"

	"github.com/flowstate/act/model"
)

// TaskState is the state machine shared by Process and Task entities
// (spec §4.2).
type TaskState string

const (
	StateNone    TaskState = "None"
	StateReady   TaskState = "Ready"
	StateRunning TaskState = "Running"
	StatePending TaskState = "Pending"
	StateSuccess TaskState = "Success"
	StateFail    TaskState = "Fail"
	StateSkip    TaskState = "Skip"
	StateAbort   TaskState = "Abort"
)

// Terminal reports whether s is one of the states from which no further
// transition is possible.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSuccess, StateFail, StateSkip, StateAbort:
		return true
	default:
		return false
	}
}

// transitions enumerates the allowed edges of the state machine
// (spec §4.2): None→Ready→Running→{Success,Fail,Pending,Skip,Abort};
// Pending→Running on external complete; any non-terminal→Abort.
var transitions = map[TaskState]map[TaskState]bool{
	StateNone: {
		StateReady: true,
		// A Branch not selected by its Step is never actually run; it is
		// marked Skip directly (spec §4.4 invariant 8).
		StateSkip:  true,
		StateAbort: true,
	},
	StateReady: {
		StateRunning: true,
		StateAbort:   true,
	},
	StateRunning: {
		StateSuccess: true,
		StateFail:    true,
		StatePending: true,
		StateSkip:    true,
		StateAbort:   true,
	},
	StatePending: {
		StateRunning: true,
		StateAbort:   true,
	},
}

// canTransition reports whether from→to is a legal edge.
func canTransition(from, to TaskState) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Task is a runtime node-instance within a Process (spec §3). It binds a
// NodeTree node to a state and optional assignee.
type Task struct {
	mu sync.Mutex

	PID        string
	TID        string // node id within the tree; identical to NID
	NID        string
	Kind       model.Kind
	State      TaskState
	UID        string
	FailDetail string
	StartTime  time.Time
	EndTime    time.Time

	// Matcher and waiting track an in-progress human Subject: waiting holds
	// the assignee uids still required to complete before the task resumes
	// (spec §4.4 3(b)).
	Matcher model.Matcher
	waiting []string
}

func newTask(pid string, n *model.Node) *Task {
	return &Task{
		PID:   pid,
		TID:   n.ID(),
		NID:   n.ID(),
		Kind:  n.Data.Kind,
		State: StateNone,
	}
}

// transition attempts to move the task from its current state to to,
// returning a WrongState *Error if the edge is not legal. It takes the
// task's own mutex; callers hold no other lock.
func (t *Task) transition(to TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.State, to) {
		return wrongState("advance", t.PID, t.TID,
			string(t.State)+"->"+string(to)+" is not a legal transition")
	}
	switch to {
	case StateRunning:
		if t.State == StateReady || t.State == StatePending {
			t.StartTime = time.Now()
		}
	case StateSuccess, StateFail, StateSkip, StateAbort:
		t.EndTime = time.Now()
	}
	t.State = to
	return nil
}

// forceAbort transitions a non-terminal task straight to Abort,
// bypassing state-specific validation (used by close/abort, spec §4.3).
func (t *Task) forceAbort() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State.Terminal() {
		return false
	}
	t.State = StateAbort
	t.EndTime = time.Now()
	return true
}

func (t *Task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Task{
		PID: t.PID, TID: t.TID, NID: t.NID, Kind: t.Kind,
		State: t.State, UID: t.UID, FailDetail: t.FailDetail,
		StartTime: t.StartTime, EndTime: t.EndTime,
	}
}
