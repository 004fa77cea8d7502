package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

// Operator is the administrative surface over the store: inspecting and
// unsticking executions that automated recovery cannot fix. Every method
// needs the corresponding optional store capability and fails with a clear
// not-supported error otherwise.
type Operator struct {
	st     *store.Store
	exec   *ExecutionManager
	logger *slog.Logger
}

func newOperator(st *store.Store, exec *ExecutionManager, opts Options) *Operator {
	return &Operator{st: st, exec: exec, logger: opts.Logger}
}

// ExecutionDetail bundles everything known about one execution.
type ExecutionDetail struct {
	Execution *store.Execution
	Steps     []*store.StepResult
	Audit     []*store.AuditEntry
}

func (o *Operator) ListExecutions(ctx context.Context, find *store.FindExecution) ([]*store.Execution, error) {
	if !o.st.SupportsOperatorOps() {
		return nil, errors.New("operator: store does not support listing executions")
	}
	return o.st.ListExecutions(ctx, find)
}

// ListStuckExecutions returns active executions without progress for
// olderThan.
func (o *Operator) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*store.Execution, error) {
	if !o.st.SupportsOperatorOps() {
		return nil, errors.New("operator: store does not support listing stuck executions")
	}
	return o.st.ListStuckExecutions(ctx, olderThan)
}

// GetExecutionDetail loads the execution with its step rows and audit trail;
// steps and audit are best-effort depending on store capabilities.
func (o *Operator) GetExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	execution, err := o.st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load execution")
	}
	if execution == nil {
		return nil, &Error{Code: CodeExecutionNotFound, Message: "execution " + executionID + " not found", ExecutionID: executionID}
	}
	detail := &ExecutionDetail{Execution: execution}
	if o.st.SupportsStepListing() {
		if detail.Steps, err = o.st.ListStepResults(ctx, executionID); err != nil {
			return nil, errors.Wrap(err, "failed to list steps")
		}
	}
	if o.st.SupportsAudit() {
		if detail.Audit, err = o.st.ListAuditEntries(ctx, executionID); err != nil {
			return nil, errors.Wrap(err, "failed to list audit entries")
		}
	}
	return detail, nil
}

// RetryRollback clears the cached rollback steps of a compensation_failed
// execution and re-dispatches it so the compensations run again.
func (o *Operator) RetryRollback(ctx context.Context, executionID string) error {
	if !o.st.SupportsOperatorOps() || !o.st.SupportsStepListing() {
		return errors.New("operator: store does not support retrying rollbacks")
	}
	execution, err := o.st.GetExecution(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to load execution")
	}
	if execution == nil {
		return &Error{Code: CodeExecutionNotFound, Message: "execution " + executionID + " not found", ExecutionID: executionID}
	}
	if execution.Status != store.ExecutionCompensationFailed {
		return errors.Errorf("execution %s is %s, not compensation_failed", executionID, execution.Status)
	}
	steps, err := o.st.ListStepResults(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to list steps")
	}
	for _, step := range steps {
		if strings.HasPrefix(step.StepID, rollbackPrefix) {
			if err := o.st.DeleteStepResult(ctx, executionID, step.StepID); err != nil {
				return errors.Wrapf(err, "failed to clear rollback step %s", step.StepID)
			}
		}
	}
	retrying := store.ExecutionRetrying
	if _, err := o.st.UpdateExecution(ctx, &store.UpdateExecution{ID: executionID, Force: true, Status: &retrying}); err != nil {
		return errors.Wrap(err, "failed to reset execution status")
	}
	o.exec.Dispatch(ctx, executionID)
	return nil
}

// SkipStep writes a synthetic result for a step so the next replay treats it
// as done. Use on steps wedged against a broken downstream.
func (o *Operator) SkipStep(ctx context.Context, executionID, stepID string, result json.RawMessage) error {
	if !o.st.SupportsOperatorOps() {
		return errors.New("operator: store does not support editing step results")
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return o.st.EditStepResult(ctx, executionID, stepID, result)
}

// EditStepResult overwrites a cached step result. The next replay observes
// the edited value.
func (o *Operator) EditStepResult(ctx context.Context, executionID, stepID string, result json.RawMessage) error {
	if !o.st.SupportsOperatorOps() {
		return errors.New("operator: store does not support editing step results")
	}
	return o.st.EditStepResult(ctx, executionID, stepID, result)
}

// ForceFail marks an active execution failed without running another
// attempt.
func (o *Operator) ForceFail(ctx context.Context, executionID, reason string) error {
	execution, err := o.st.GetExecution(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to load execution")
	}
	if execution == nil {
		return &Error{Code: CodeExecutionNotFound, Message: "execution " + executionID + " not found", ExecutionID: executionID}
	}
	if execution.Status.Terminal() {
		return errors.Errorf("execution %s is already %s", executionID, execution.Status)
	}
	if reason == "" {
		reason = "force-failed by operator"
	}
	updated, err := o.exec.finalize(ctx, executionID, store.ExecutionFailed, &store.ExecutionError{Message: reason}, nil)
	if err != nil {
		return err
	}
	o.exec.notifyFinished(ctx, updated)
	return nil
}
