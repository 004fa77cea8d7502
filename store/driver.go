package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrNotSupported marks an optional capability the configured driver does not
// implement. Callers that need the capability should check support up front
// and fail fast with a clear message.
var ErrNotSupported = errors.New("store: operation not supported by driver")

func notSupported(op string) error {
	return errors.Wrapf(ErrNotSupported, "%s", op)
}

// Driver is the required persistence contract. Implementations must be safe
// for concurrent use; multiple workers may share one backing store.
//
// Get-style methods return (nil, nil) for missing rows.
type Driver interface {
	SaveExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, update *UpdateExecution) (*Execution, error)
	ListIncompleteExecutions(ctx context.Context) ([]*Execution, error)

	GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error)
	SaveStepResult(ctx context.Context, result *StepResult) error

	CreateTimer(ctx context.Context, timer *Timer) error
	GetReadyTimers(ctx context.Context, now time.Time) ([]*Timer, error)
	MarkTimerFired(ctx context.Context, id string) error
	DeleteTimer(ctx context.Context, id string) error

	CreateSchedule(ctx context.Context, schedule *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, update *UpdateSchedule) (*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)
}

// Lifecycle hooks are invoked by the service when present on a driver (or on
// a queue/bus implementation).
type Lifecycle interface {
	Init(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// AuditDriver persists the audit trail. Optional.
type AuditDriver interface {
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, executionID string) ([]*AuditEntry, error)
}

// LockDriver provides named distributed locks. Optional; the engine degrades
// to advisory-free operation without it. ReleaseLock must compare-and-delete
// on lockID so an expired holder cannot release a successor's lock.
type LockDriver interface {
	AcquireLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, lockID string) error
	RenewLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error)
}

// IdempotencyDriver maps (taskID, idempotencyKey) to an execution id via a
// compare-and-set primitive. Optional.
type IdempotencyDriver interface {
	// GetExecutionIDByIdempotencyKey returns "" when no mapping exists.
	GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error)
	// SetExecutionIDByIdempotencyKey returns false when a mapping already
	// exists (the caller lost the race).
	SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error)
}

// TimerClaimDriver leases timers across pollers. Optional.
type TimerClaimDriver interface {
	ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error)
}

// StepListDriver enumerates step rows of an execution. Optional; signal
// delivery falls back to indexed slot scanning without it.
type StepListDriver interface {
	ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error)
}

// OperatorDriver backs the administrative surface. Optional.
type OperatorDriver interface {
	ListExecutions(ctx context.Context, find *FindExecution) ([]*Execution, error)
	// ListStuckExecutions returns active executions not updated for olderThan.
	ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*Execution, error)
	// EditStepResult writes the row, creating it when absent.
	EditStepResult(ctx context.Context, executionID, stepID string, result json.RawMessage) error
	DeleteStepResult(ctx context.Context, executionID, stepID string) error
}
