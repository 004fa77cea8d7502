package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

func (d *DB) GetStepResult(ctx context.Context, executionID, stepID string) (*store.StepResult, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT execution_id, step_id, result, created_at, updated_at
		FROM durable_step_result
		WHERE execution_id = $1 AND step_id = $2
	`, executionID, stepID)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return step, err
}

func (d *DB) SaveStepResult(ctx context.Context, result *store.StepResult) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_step_result (execution_id, step_id, result, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			result = EXCLUDED.result,
			updated_at = NOW()
	`, result.ExecutionID, result.StepID, nullableRaw(result.Result))
	return errors.Wrap(err, "failed to save step result")
}

func (d *DB) ListStepResults(ctx context.Context, executionID string) ([]*store.StepResult, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT execution_id, step_id, result, created_at, updated_at
		FROM durable_step_result
		WHERE execution_id = $1
		ORDER BY step_id
	`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list step results")
	}
	defer rows.Close()
	var list []*store.StepResult
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, step)
	}
	return list, rows.Err()
}

func (d *DB) EditStepResult(ctx context.Context, executionID, stepID string, result json.RawMessage) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_step_result (execution_id, step_id, result, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			result = EXCLUDED.result,
			updated_at = NOW()
	`, executionID, stepID, nullableRaw(result))
	return errors.Wrap(err, "failed to edit step result")
}

func (d *DB) DeleteStepResult(ctx context.Context, executionID, stepID string) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM durable_step_result WHERE execution_id = $1 AND step_id = $2
	`, executionID, stepID)
	return errors.Wrap(err, "failed to delete step result")
}

func scanStep(row rowScanner) (*store.StepResult, error) {
	var (
		step   store.StepResult
		result sql.NullString
	)
	err := row.Scan(&step.ExecutionID, &step.StepID, &result, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan step result")
	}
	if result.Valid {
		step.Result = json.RawMessage(result.String)
	}
	return &step, nil
}
