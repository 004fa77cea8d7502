package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/hrygo/durable/store"
)

func copyStep(r *store.StepResult) *store.StepResult {
	dup := *r
	return &dup
}

func (d *DB) GetStepResult(_ context.Context, executionID, stepID string) (*store.StepResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.steps[executionID][stepID]
	if !ok {
		return nil, nil
	}
	return copyStep(row), nil
}

func (d *DB) SaveStepResult(_ context.Context, result *store.StepResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, ok := d.steps[result.ExecutionID]
	if !ok {
		rows = make(map[string]*store.StepResult)
		d.steps[result.ExecutionID] = rows
	}
	row := copyStep(result)
	if prev, ok := rows[row.StepID]; ok {
		row.CreatedAt = prev.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = d.now()
	}
	row.UpdatedAt = d.now()
	rows[row.StepID] = row
	return nil
}

func (d *DB) ListStepResults(_ context.Context, executionID string) ([]*store.StepResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.StepResult
	for _, row := range d.steps[executionID] {
		list = append(list, copyStep(row))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StepID < list[j].StepID })
	return list, nil
}

func (d *DB) EditStepResult(_ context.Context, executionID, stepID string, result json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, ok := d.steps[executionID]
	if !ok {
		rows = make(map[string]*store.StepResult)
		d.steps[executionID] = rows
	}
	row, ok := rows[stepID]
	if !ok {
		row = &store.StepResult{ExecutionID: executionID, StepID: stepID, CreatedAt: d.now()}
		rows[stepID] = row
	}
	row.Result = result
	row.UpdatedAt = d.now()
	return nil
}

func (d *DB) DeleteStepResult(_ context.Context, executionID, stepID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.steps[executionID], stepID)
	return nil
}
