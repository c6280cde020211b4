// Package act is a declarative workflow execution engine: it accepts
// workflow definitions, instantiates them as running processes, drives
// them to completion through a scheduler, emits lifecycle messages, and
// persists every state transition.
package act

import (
	"errors"
	"fmt"
)

// Kind classifies an Error, following spec §7's error taxonomy.
type Kind string

const (
	KindNotFound      Kind = "NotFound"
	KindAlreadyExists Kind = "AlreadyExists"
	KindStoreError    Kind = "StoreError"
	KindScriptError   Kind = "ScriptError"
	KindModelError    Kind = "ModelError"
	KindWrongState    Kind = "WrongState"
	KindForbidden     Kind = "Forbidden"
	KindInternal      Kind = "Internal"
)

// Error is the engine's unified error type. Op names the failing
// operation (e.g. "start", "complete"); PID/TID are populated when the
// error concerns a specific process or task.
type Error struct {
	Kind   Kind
	Op     string
	PID    string
	TID    string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("act: %s: %s", e.Op, e.Kind)
	if e.PID != "" {
		msg += fmt.Sprintf(" pid=%s", e.PID)
	}
	if e.TID != "" {
		msg += fmt.Sprintf(" tid=%s", e.TID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &act.Error{Kind: act.KindNotFound}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func newErr(kind Kind, op, pid, tid, detail string, cause error) *Error {
	return &Error{Kind: kind, Op: op, PID: pid, TID: tid, Detail: detail, Err: cause}
}

func notFound(op, pid, tid string) *Error {
	return newErr(KindNotFound, op, pid, tid, "", nil)
}

func alreadyExists(op, pid string) *Error {
	return newErr(KindAlreadyExists, op, pid, "", "", nil)
}

func storeError(op, pid, tid string, cause error) *Error {
	return newErr(KindStoreError, op, pid, tid, "", cause)
}

func scriptError(op, pid, tid, detail string, cause error) *Error {
	return newErr(KindScriptError, op, pid, tid, detail, cause)
}

func modelError(op, detail string, cause error) *Error {
	return newErr(KindModelError, op, "", "", detail, cause)
}

func wrongState(op, pid, tid, detail string) *Error {
	return newErr(KindWrongState, op, pid, tid, detail, nil)
}

func forbidden(op, pid, tid, detail string) *Error {
	return newErr(KindForbidden, op, pid, tid, detail, nil)
}

func internalErr(op, detail string, cause error) *Error {
	return newErr(KindInternal, op, "", "", detail, cause)
}
