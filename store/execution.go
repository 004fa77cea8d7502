package store

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending            ExecutionStatus = "pending"
	ExecutionRunning            ExecutionStatus = "running"
	ExecutionSleeping           ExecutionStatus = "sleeping"
	ExecutionRetrying           ExecutionStatus = "retrying"
	ExecutionCompleted          ExecutionStatus = "completed"
	ExecutionFailed             ExecutionStatus = "failed"
	ExecutionCompensationFailed ExecutionStatus = "compensation_failed"
	ExecutionCancelled          ExecutionStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCompensationFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ExecutionError is the recorded failure of an execution.
type ExecutionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Execution is one attempt lineage of a workflow.
type Execution struct {
	ID          string
	TaskID      string
	Input       json.RawMessage
	Status      ExecutionStatus
	Attempt     int
	MaxAttempts int
	// Timeout is the wall-clock budget measured from CreatedAt. Zero means none.
	Timeout           time.Duration
	Result            json.RawMessage
	Error             *ExecutionError
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	CancelRequestedAt *time.Time
	CancelledAt       *time.Time
}

// UpdateExecution carries a partial update; nil fields are left untouched.
// Drivers must bump UpdatedAt on every applied update and must silently drop
// status transitions out of a terminal state unless Force is set (operator
// resurrection, e.g. retrying a failed rollback).
type UpdateExecution struct {
	ID    string
	Force bool

	Status            *ExecutionStatus
	Attempt           *int
	Result            *json.RawMessage
	Error             **ExecutionError
	CompletedAt       **time.Time
	CancelRequestedAt **time.Time
	CancelledAt       **time.Time
}

// FindExecution filters execution listings.
type FindExecution struct {
	TaskID   string
	Statuses []ExecutionStatus
	Limit    int
}

func (s *Store) SaveExecution(ctx context.Context, execution *Execution) error {
	return s.driver.SaveExecution(ctx, execution)
}

// GetExecution returns the execution or nil when the row does not exist.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.driver.GetExecution(ctx, id)
}

func (s *Store) UpdateExecution(ctx context.Context, update *UpdateExecution) (*Execution, error) {
	return s.driver.UpdateExecution(ctx, update)
}

func (s *Store) ListIncompleteExecutions(ctx context.Context) ([]*Execution, error) {
	return s.driver.ListIncompleteExecutions(ctx)
}

func (s *Store) ListExecutions(ctx context.Context, find *FindExecution) ([]*Execution, error) {
	if s.operator == nil {
		return nil, notSupported("listExecutions")
	}
	return s.operator.ListExecutions(ctx, find)
}

func (s *Store) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*Execution, error) {
	if s.operator == nil {
		return nil, notSupported("listStuckExecutions")
	}
	return s.operator.ListStuckExecutions(ctx, olderThan)
}
