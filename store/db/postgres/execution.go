package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

const executionColumns = `id, task_id, input, status, attempt, max_attempts, timeout_ms,
	result, error, created_at, updated_at, completed_at, cancel_requested_at, cancelled_at`

func (d *DB) SaveExecution(ctx context.Context, execution *store.Execution) error {
	errJSON, err := marshalNullable(execution.Error)
	if err != nil {
		return errors.Wrap(err, "failed to marshal error")
	}
	createdAt := execution.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO durable_execution (
			id, task_id, input, status, attempt, max_attempts, timeout_ms,
			result, error, created_at, updated_at, completed_at, cancel_requested_at, cancelled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			max_attempts = EXCLUDED.max_attempts,
			timeout_ms = EXCLUDED.timeout_ms,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			updated_at = NOW(),
			completed_at = EXCLUDED.completed_at,
			cancel_requested_at = EXCLUDED.cancel_requested_at,
			cancelled_at = EXCLUDED.cancelled_at
	`,
		execution.ID,
		execution.TaskID,
		nullableRaw(execution.Input),
		string(execution.Status),
		execution.Attempt,
		execution.MaxAttempts,
		execution.Timeout.Milliseconds(),
		nullableRaw(execution.Result),
		errJSON,
		createdAt,
		execution.CompletedAt,
		execution.CancelRequestedAt,
		execution.CancelledAt,
	)
	return errors.Wrap(err, "failed to save execution")
}

func (d *DB) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := d.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM durable_execution WHERE id = $1`, executionColumns), id)
	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return execution, err
}

func (d *DB) UpdateExecution(ctx context.Context, update *store.UpdateExecution) (*store.Execution, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{update.ID}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if update.Status != nil {
		add("status = $%d", string(*update.Status))
	}
	if update.Attempt != nil {
		add("attempt = $%d", *update.Attempt)
	}
	if update.Result != nil {
		add("result = $%d", nullableRaw(*update.Result))
	}
	if update.Error != nil {
		errJSON, err := marshalNullable(*update.Error)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal error")
		}
		add("error = $%d", errJSON)
	}
	if update.CompletedAt != nil {
		add("completed_at = $%d", *update.CompletedAt)
	}
	if update.CancelRequestedAt != nil {
		add("cancel_requested_at = $%d", *update.CancelRequestedAt)
	}
	if update.CancelledAt != nil {
		add("cancelled_at = $%d", *update.CancelledAt)
	}
	where := "id = $1"
	if update.Status != nil && !update.Force {
		// Terminal states are immutable: a finished execution silently
		// absorbs late transitions (e.g. a completion racing a cancel).
		where += ` AND status NOT IN ('completed', 'failed', 'compensation_failed', 'cancelled')`
	}
	query := fmt.Sprintf(`UPDATE durable_execution SET %s WHERE %s RETURNING %s`,
		strings.Join(set, ", "), where, executionColumns)
	execution, err := scanExecution(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := d.GetExecution(ctx, update.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current != nil {
			return current, nil
		}
		return nil, errors.Errorf("execution %s not found", update.ID)
	}
	return execution, err
}

func (d *DB) ListIncompleteExecutions(ctx context.Context) ([]*store.Execution, error) {
	return d.queryExecutions(ctx, fmt.Sprintf(`
		SELECT %s FROM durable_execution
		WHERE status NOT IN ('completed', 'failed', 'compensation_failed', 'cancelled')
	`, executionColumns))
}

func (d *DB) ListExecutions(ctx context.Context, find *store.FindExecution) ([]*store.Execution, error) {
	where := []string{"TRUE"}
	var args []any
	if find != nil {
		if find.TaskID != "" {
			args = append(args, find.TaskID)
			where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
		}
		if len(find.Statuses) > 0 {
			statuses := make([]string, len(find.Statuses))
			for i, s := range find.Statuses {
				statuses[i] = string(s)
			}
			args = append(args, pq.Array(statuses))
			where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM durable_execution WHERE %s ORDER BY created_at DESC`,
		executionColumns, strings.Join(where, " AND "))
	if find != nil && find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}
	return d.queryExecutions(ctx, query, args...)
}

func (d *DB) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*store.Execution, error) {
	return d.queryExecutions(ctx, fmt.Sprintf(`
		SELECT %s FROM durable_execution
		WHERE status NOT IN ('completed', 'failed', 'compensation_failed', 'cancelled')
		AND updated_at < $1
	`, executionColumns), time.Now().Add(-olderThan))
}

func (d *DB) queryExecutions(ctx context.Context, query string, args ...any) ([]*store.Execution, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()
	var list []*store.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, execution)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		execution store.Execution
		input     sql.NullString
		status    string
		timeoutMs int64
		result    sql.NullString
		errJSON   sql.NullString
	)
	err := row.Scan(
		&execution.ID,
		&execution.TaskID,
		&input,
		&status,
		&execution.Attempt,
		&execution.MaxAttempts,
		&timeoutMs,
		&result,
		&errJSON,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&execution.CompletedAt,
		&execution.CancelRequestedAt,
		&execution.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan execution")
	}
	execution.Status = store.ExecutionStatus(status)
	execution.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if input.Valid {
		execution.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		execution.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid {
		var execErr store.ExecutionError
		if err := json.Unmarshal([]byte(errJSON.String), &execErr); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal execution error")
		}
		execution.Error = &execErr
	}
	return &execution, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *store.ExecutionError:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
