package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

// CreateTimer upserts by ID, preserving the at-most-one-pending invariant.
func (d *DB) CreateTimer(ctx context.Context, timer *store.Timer) error {
	status := timer.Status
	if status == "" {
		status = store.TimerPending
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_timer (
			id, type, fire_at, status, execution_id, step_id, task_id, input, schedule_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			fire_at = EXCLUDED.fire_at,
			status = EXCLUDED.status,
			execution_id = EXCLUDED.execution_id,
			step_id = EXCLUDED.step_id,
			task_id = EXCLUDED.task_id,
			input = EXCLUDED.input,
			schedule_id = EXCLUDED.schedule_id,
			claimed_by = NULL,
			claim_expires_at = NULL
	`,
		timer.ID,
		string(timer.Type),
		timer.FireAt,
		string(status),
		nullableString(timer.ExecutionID),
		nullableString(timer.StepID),
		nullableString(timer.TaskID),
		nullableRaw(timer.Input),
		nullableString(timer.ScheduleID),
	)
	return errors.Wrap(err, "failed to create timer")
}

func (d *DB) GetReadyTimers(ctx context.Context, now time.Time) ([]*store.Timer, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, type, fire_at, status, execution_id, step_id, task_id, input, schedule_id, created_at
		FROM durable_timer
		WHERE status = 'pending' AND fire_at <= $1
		ORDER BY fire_at
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ready timers")
	}
	defer rows.Close()
	var list []*store.Timer
	for rows.Next() {
		var (
			timer       store.Timer
			timerType   string
			status      string
			executionID sql.NullString
			stepID      sql.NullString
			taskID      sql.NullString
			input       sql.NullString
			scheduleID  sql.NullString
		)
		if err := rows.Scan(&timer.ID, &timerType, &timer.FireAt, &status,
			&executionID, &stepID, &taskID, &input, &scheduleID, &timer.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan timer")
		}
		timer.Type = store.TimerType(timerType)
		timer.Status = store.TimerStatus(status)
		timer.ExecutionID = executionID.String
		timer.StepID = stepID.String
		timer.TaskID = taskID.String
		timer.ScheduleID = scheduleID.String
		if input.Valid {
			timer.Input = json.RawMessage(input.String)
		}
		list = append(list, &timer)
	}
	return list, rows.Err()
}

func (d *DB) MarkTimerFired(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE durable_timer SET status = 'fired' WHERE id = $1`, id)
	return errors.Wrap(err, "failed to mark timer fired")
}

func (d *DB) DeleteTimer(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM durable_timer WHERE id = $1`, id)
	return errors.Wrap(err, "failed to delete timer")
}

// ClaimTimer leases the timer with a conditional update; only a free, expired
// or same-worker lease can be (re)claimed.
func (d *DB) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE durable_timer
		SET claimed_by = $2, claim_expires_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE id = $1
		AND (claimed_by IS NULL OR claimed_by = $2 OR claim_expires_at < NOW())
	`, id, workerID, ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrap(err, "failed to claim timer")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read claim result")
	}
	return affected > 0, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
