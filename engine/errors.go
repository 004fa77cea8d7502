// Package engine implements the durable task execution runtime: execution
// lifecycle, the replayable context, timer polling, signal delivery,
// schedules, and the service façade tying them to pluggable store, queue and
// event bus backends.
package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies a durable-execution failure.
type Code string

const (
	CodeExecutionNotFound         Code = "execution-not-found"
	CodeCompletedWithoutResult    Code = "execution-completed-without-result"
	CodeExecutionFailed           Code = "execution-failed"
	CodeCompensationFailed        Code = "compensation-failed"
	CodeExecutionCancelled        Code = "execution-cancelled"
	CodeWaitTimeout               Code = "wait-timeout"
	CodeSignalTimeout             Code = "signal-timeout"
	CodeDeterminismViolation      Code = "determinism-violation"
	CodeIdempotencyNotSupported   Code = "idempotency-not-supported"
	CodeIdempotencyLockFailed     Code = "idempotency-lock-failed"
	CodeStoreShape                Code = "store-shape-error"
	CodeTaskNotRegistered         Code = "task_not_registered"
)

// Error is the durable-execution error type. It carries the failure code and
// whatever execution context was known at the failure site.
type Error struct {
	Code        Code
	Message     string
	ExecutionID string
	TaskID      string
	Attempt     int
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.ExecutionID != "" {
		msg = fmt.Sprintf("%s (execution %s)", msg, e.ExecutionID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds a durable error with a formatted message.
func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the durable failure code, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// suspensionError is the control signal a context helper raises to unwind the
// current attempt after persisting its progress. It is never surfaced to the
// caller; the execution runner classifies and absorbs it.
type suspensionError struct {
	reason string
}

func (s *suspensionError) Error() string {
	return "execution suspended: " + s.reason
}

// suspend hands control back to the runner.
func suspend(reason string) error {
	return &suspensionError{reason: reason}
}

// IsSuspension reports whether err is the controlled-suspension signal.
// Workflow code that intercepts errors must propagate suspensions unchanged.
func IsSuspension(err error) bool {
	var s *suspensionError
	return errors.As(err, &s)
}

// SuspensionReason returns the reason of a suspension error, or "".
func SuspensionReason(err error) string {
	var s *suspensionError
	if errors.As(err, &s) {
		return s.reason
	}
	return ""
}

// CompensationError reports a failed compensation; the execution transitions
// to compensation_failed and requires operator intervention.
type CompensationError struct {
	StepID string
	// Cause is the compensation's own failure.
	Cause error
	// Original is the workflow error that triggered the rollback.
	Original error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed at step %s: %v (original error: %v)", e.StepID, e.Cause, e.Original)
}

func (e *CompensationError) Unwrap() error { return e.Cause }
