package memory

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

func copyExecution(e *store.Execution) *store.Execution {
	dup := *e
	return &dup
}

func (d *DB) SaveExecution(_ context.Context, execution *store.Execution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := copyExecution(execution)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = d.now()
	}
	row.UpdatedAt = d.now()
	d.executions[row.ID] = row
	return nil
}

func (d *DB) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.executions[id]
	if !ok {
		return nil, nil
	}
	return copyExecution(row), nil
}

func (d *DB) UpdateExecution(_ context.Context, update *store.UpdateExecution) (*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.executions[update.ID]
	if !ok {
		return nil, errors.Errorf("execution %s not found", update.ID)
	}
	// Terminal states are immutable: a finished execution silently absorbs
	// late transitions (e.g. a completion racing a cancel).
	if update.Status != nil && row.Status.Terminal() && !update.Force {
		return copyExecution(row), nil
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.Attempt != nil {
		row.Attempt = *update.Attempt
	}
	if update.Result != nil {
		row.Result = *update.Result
	}
	if update.Error != nil {
		row.Error = *update.Error
	}
	if update.CompletedAt != nil {
		row.CompletedAt = *update.CompletedAt
	}
	if update.CancelRequestedAt != nil {
		row.CancelRequestedAt = *update.CancelRequestedAt
	}
	if update.CancelledAt != nil {
		row.CancelledAt = *update.CancelledAt
	}
	row.UpdatedAt = d.now()
	return copyExecution(row), nil
}

func (d *DB) ListIncompleteExecutions(_ context.Context) ([]*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.Execution
	for _, row := range d.executions {
		if !row.Status.Terminal() {
			list = append(list, copyExecution(row))
		}
	}
	return list, nil
}

func (d *DB) ListExecutions(_ context.Context, find *store.FindExecution) ([]*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.Execution
	for _, row := range d.executions {
		if find != nil {
			if find.TaskID != "" && row.TaskID != find.TaskID {
				continue
			}
			if len(find.Statuses) > 0 && !containsStatus(find.Statuses, row.Status) {
				continue
			}
		}
		list = append(list, copyExecution(row))
		if find != nil && find.Limit > 0 && len(list) >= find.Limit {
			break
		}
	}
	return list, nil
}

func (d *DB) ListStuckExecutions(_ context.Context, olderThan time.Duration) ([]*store.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-olderThan)
	var list []*store.Execution
	for _, row := range d.executions {
		if !row.Status.Terminal() && row.UpdatedAt.Before(cutoff) {
			list = append(list, copyExecution(row))
		}
	}
	return list, nil
}

func containsStatus(statuses []store.ExecutionStatus, status store.ExecutionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
