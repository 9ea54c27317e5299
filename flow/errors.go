package flow

import "errors"

// ErrMaxStepsExceeded indicates that execution reached the maximum allowed
// step count without completing. This guards against infinite routing loops.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrInterrupted indicates that execution paused at the designated interrupt
// node. The state returned alongside this error has been persisted; the
// caller collects external input, injects it into the state, and calls
// Resume to continue.
var ErrInterrupted = errors.New("execution interrupted for external input")

// ErrNoRoute indicates a deadlock: the current node produced no explicit
// route and no edge predicate matched, so the workflow cannot make
// progress. This is distinct from ordinary termination via Stop().
var ErrNoRoute = errors.New("no progress: no matching route from current node")

// EngineError is a structured error from Engine operations.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
