package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies sandbox failures.
type ErrorKind string

const (
	// KindUnsupported means the host lacks the isolation precondition.
	KindUnsupported ErrorKind = "unsupported"
	// KindCreate means the runtime could not create the sandbox.
	KindCreate ErrorKind = "create"
	// KindMount means the tree could not be mounted.
	KindMount ErrorKind = "mount"
	// KindSpawn means a process could not be started.
	KindSpawn ErrorKind = "spawn"
	// KindKill means a superseded process could not be terminated.
	KindKill ErrorKind = "kill"
)

// Error wraps a sandbox failure with a stable classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError constructs a classified sandbox error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "sandbox error"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("sandbox %s failed", e.Op)
	default:
		return fmt.Sprintf("sandbox %s error", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification of err, or "" when err is not a sandbox error.
func KindOf(err error) ErrorKind {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr.Kind
	}
	return ""
}
