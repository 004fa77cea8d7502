package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

const scheduleColumns = `id, task_id, type, pattern, input, status, last_run, next_run, created_at, updated_at`

func (d *DB) CreateSchedule(ctx context.Context, schedule *store.Schedule) error {
	status := schedule.Status
	if status == "" {
		status = store.ScheduleActive
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_schedule (
			id, task_id, type, pattern, input, status, last_run, next_run, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			type = EXCLUDED.type,
			pattern = EXCLUDED.pattern,
			input = EXCLUDED.input,
			status = EXCLUDED.status,
			last_run = EXCLUDED.last_run,
			next_run = EXCLUDED.next_run,
			updated_at = NOW()
	`,
		schedule.ID,
		schedule.TaskID,
		string(schedule.Type),
		schedule.Pattern,
		nullableRaw(schedule.Input),
		string(status),
		schedule.LastRun,
		schedule.NextRun,
	)
	return errors.Wrap(err, "failed to create schedule")
}

func (d *DB) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	row := d.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM durable_schedule WHERE id = $1`, scheduleColumns), id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return schedule, err
}

func (d *DB) UpdateSchedule(ctx context.Context, update *store.UpdateSchedule) (*store.Schedule, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{update.ID}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if update.Pattern != nil {
		add("pattern = $%d", *update.Pattern)
	}
	if update.Input != nil {
		add("input = $%d", nullableRaw(*update.Input))
	}
	if update.Status != nil {
		add("status = $%d", string(*update.Status))
	}
	if update.LastRun != nil {
		add("last_run = $%d", *update.LastRun)
	}
	if update.NextRun != nil {
		add("next_run = $%d", *update.NextRun)
	}
	query := fmt.Sprintf(`UPDATE durable_schedule SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(set, ", "), scheduleColumns)
	schedule, err := scanSchedule(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("schedule %s not found", update.ID)
	}
	return schedule, err
}

func (d *DB) DeleteSchedule(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM durable_schedule WHERE id = $1`, id)
	return errors.Wrap(err, "failed to delete schedule")
}

func (d *DB) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return d.querySchedules(ctx,
		fmt.Sprintf(`SELECT %s FROM durable_schedule ORDER BY id`, scheduleColumns))
}

func (d *DB) ListActiveSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return d.querySchedules(ctx,
		fmt.Sprintf(`SELECT %s FROM durable_schedule WHERE status = 'active' ORDER BY id`, scheduleColumns))
}

func (d *DB) querySchedules(ctx context.Context, query string, args ...any) ([]*store.Schedule, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()
	var list []*store.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, schedule)
	}
	return list, rows.Err()
}

func scanSchedule(row rowScanner) (*store.Schedule, error) {
	var (
		schedule     store.Schedule
		scheduleType string
		input        sql.NullString
		status       string
	)
	err := row.Scan(
		&schedule.ID,
		&schedule.TaskID,
		&scheduleType,
		&schedule.Pattern,
		&input,
		&status,
		&schedule.LastRun,
		&schedule.NextRun,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan schedule")
	}
	schedule.Type = store.ScheduleType(scheduleType)
	schedule.Status = store.ScheduleStatus(status)
	if input.Valid {
		schedule.Input = json.RawMessage(input.String)
	}
	return &schedule, nil
}
