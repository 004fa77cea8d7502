package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/hrygo/durable/store"
)

// ScheduleSpec describes when a scheduled task fires. Exactly one of Delay,
// At, Interval or Cron must be set; Interval and Cron are recurring and
// require a stable ID.
type ScheduleSpec struct {
	// Delay fires once, Delay from now.
	Delay time.Duration
	// At fires once, at the given instant.
	At time.Time
	// Interval fires every Interval, starting one Interval from now.
	Interval time.Duration
	// Cron fires per a standard 5-field cron expression.
	Cron string

	// ID names the schedule. Required for recurring specs; defaults to a
	// random id for one-off specs.
	ID string
}

// UpdateScheduleRequest mutates an existing schedule. Nil fields are left
// untouched; a new pattern recomputes the next fire.
type UpdateScheduleRequest struct {
	Pattern *string
	Input   *json.RawMessage
}

// ScheduleManager creates and maintains schedules and their next-fire
// timers. The polling loop validates every fire against the schedule row, so
// superseded timers die as stale instead of double-firing.
type ScheduleManager struct {
	st     *store.Store
	logger *slog.Logger
	now    func() time.Time

	cronParser cron.Parser
}

func newScheduleManager(st *store.Store, opts Options) *ScheduleManager {
	return &ScheduleManager{
		st:         st,
		logger:     opts.Logger,
		now:        opts.now,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Schedule persists the schedule row and its first scheduled timer, and
// returns the schedule id.
func (m *ScheduleManager) Schedule(ctx context.Context, task *Task, input json.RawMessage, spec ScheduleSpec) (string, error) {
	schedule, err := m.buildSchedule(task, input, spec)
	if err != nil {
		return "", err
	}
	fireAt, err := m.ComputeNextFire(schedule, m.now())
	if err != nil {
		return "", err
	}
	schedule.NextRun = &fireAt
	if err := m.st.CreateSchedule(ctx, schedule); err != nil {
		return "", errors.Wrap(err, "failed to persist schedule")
	}
	if err := m.createFireTimer(ctx, schedule, fireAt); err != nil {
		return "", err
	}
	return schedule.ID, nil
}

func (m *ScheduleManager) buildSchedule(task *Task, input json.RawMessage, spec ScheduleSpec) (*store.Schedule, error) {
	set := 0
	for _, on := range []bool{spec.Delay > 0, !spec.At.IsZero(), spec.Interval > 0, spec.Cron != ""} {
		if on {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("schedule spec must set exactly one of delay, at, interval, cron")
	}
	schedule := &store.Schedule{
		ID:     spec.ID,
		TaskID: task.ID,
		Input:  input,
		Status: store.ScheduleActive,
	}
	switch {
	case spec.Delay > 0:
		schedule.Type = store.ScheduleOnce
		schedule.Pattern = m.now().Add(spec.Delay).Format(time.RFC3339Nano)
	case !spec.At.IsZero():
		schedule.Type = store.ScheduleOnce
		schedule.Pattern = spec.At.Format(time.RFC3339Nano)
	case spec.Interval > 0:
		if spec.ID == "" {
			return nil, errors.New("interval schedules require an id")
		}
		schedule.Type = store.ScheduleInterval
		schedule.Pattern = strconv.FormatInt(spec.Interval.Milliseconds(), 10)
	default:
		if spec.ID == "" {
			return nil, errors.New("cron schedules require an id")
		}
		if _, err := m.cronParser.Parse(spec.Cron); err != nil {
			return nil, errors.Wrapf(err, "invalid cron pattern %q", spec.Cron)
		}
		schedule.Type = store.ScheduleCron
		schedule.Pattern = spec.Cron
	}
	if schedule.ID == "" {
		schedule.ID = shortuuid.New()
	}
	return schedule, nil
}

// ComputeNextFire derives the next fire time from the schedule pattern.
func (m *ScheduleManager) ComputeNextFire(schedule *store.Schedule, now time.Time) (time.Time, error) {
	switch schedule.Type {
	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339Nano, schedule.Pattern)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid one-off pattern %q", schedule.Pattern)
		}
		return at, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(schedule.Pattern, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, errors.Errorf("invalid interval pattern %q", schedule.Pattern)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case store.ScheduleCron:
		expr, err := m.cronParser.Parse(schedule.Pattern)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid cron pattern %q", schedule.Pattern)
		}
		return expr.Next(now), nil
	}
	return time.Time{}, errors.Errorf("unknown schedule type %q", schedule.Type)
}

// createFireTimer arms the scheduled timer for one fire. One-off schedules
// use a fixed timer id; recurring ones key the timer by fire time so a
// superseded fire never matches schedule.nextRun.
func (m *ScheduleManager) createFireTimer(ctx context.Context, schedule *store.Schedule, fireAt time.Time) error {
	timerID := "once:" + schedule.ID
	if schedule.Type != store.ScheduleOnce {
		timerID = "sched:" + schedule.ID + ":" + strconv.FormatInt(fireAt.UnixMilli(), 10)
	}
	return errors.Wrap(m.st.CreateTimer(ctx, &store.Timer{
		ID:         timerID,
		Type:       store.TimerScheduled,
		FireAt:     fireAt,
		TaskID:     schedule.TaskID,
		Input:      schedule.Input,
		ScheduleID: schedule.ID,
	}), "failed to create scheduled timer")
}

// Advance records a fire and arms the next one. One-off schedules are
// removed instead.
func (m *ScheduleManager) Advance(ctx context.Context, schedule *store.Schedule, firedAt time.Time) error {
	if schedule.Type == store.ScheduleOnce {
		return errors.Wrap(m.st.DeleteSchedule(ctx, schedule.ID), "failed to remove one-off schedule")
	}
	nextRun, err := m.ComputeNextFire(schedule, firedAt)
	if err != nil {
		return err
	}
	lastRun := &firedAt
	nextRunPtr := &nextRun
	if _, err := m.st.UpdateSchedule(ctx, &store.UpdateSchedule{
		ID:      schedule.ID,
		LastRun: &lastRun,
		NextRun: &nextRunPtr,
	}); err != nil {
		return errors.Wrap(err, "failed to advance schedule")
	}
	return m.createFireTimer(ctx, schedule, nextRun)
}

func (m *ScheduleManager) Get(ctx context.Context, id string) (*store.Schedule, error) {
	return m.st.GetSchedule(ctx, id)
}

func (m *ScheduleManager) List(ctx context.Context) ([]*store.Schedule, error) {
	return m.st.ListSchedules(ctx)
}

// Pause keeps the row but makes pending fires stale.
func (m *ScheduleManager) Pause(ctx context.Context, id string) error {
	paused := store.SchedulePaused
	_, err := m.st.UpdateSchedule(ctx, &store.UpdateSchedule{ID: id, Status: &paused})
	return errors.Wrap(err, "failed to pause schedule")
}

// Resume reactivates the schedule and arms a fresh next fire.
func (m *ScheduleManager) Resume(ctx context.Context, id string) error {
	schedule, err := m.st.GetSchedule(ctx, id)
	if err != nil {
		return errors.Wrap(err, "failed to load schedule")
	}
	if schedule == nil {
		return errors.Errorf("schedule %s not found", id)
	}
	nextRun, err := m.ComputeNextFire(schedule, m.now())
	if err != nil {
		return err
	}
	active := store.ScheduleActive
	nextRunPtr := &nextRun
	if _, err := m.st.UpdateSchedule(ctx, &store.UpdateSchedule{
		ID:      id,
		Status:  &active,
		NextRun: &nextRunPtr,
	}); err != nil {
		return errors.Wrap(err, "failed to resume schedule")
	}
	schedule.Status = active
	return m.createFireTimer(ctx, schedule, nextRun)
}

// Update mutates pattern and/or input. A pattern change recomputes the next
// fire; the previously armed timer goes stale via the nextRun mismatch.
func (m *ScheduleManager) Update(ctx context.Context, id string, req *UpdateScheduleRequest) (*store.Schedule, error) {
	schedule, err := m.st.GetSchedule(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load schedule")
	}
	if schedule == nil {
		return nil, errors.Errorf("schedule %s not found", id)
	}
	update := &store.UpdateSchedule{ID: id, Input: req.Input}
	if req.Pattern != nil {
		probe := *schedule
		probe.Pattern = *req.Pattern
		nextRun, err := m.ComputeNextFire(&probe, m.now())
		if err != nil {
			return nil, err
		}
		nextRunPtr := &nextRun
		update.Pattern = req.Pattern
		update.NextRun = &nextRunPtr
	}
	updated, err := m.st.UpdateSchedule(ctx, update)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update schedule")
	}
	if req.Pattern != nil && updated.Status == store.ScheduleActive && updated.NextRun != nil {
		if err := m.createFireTimer(ctx, updated, *updated.NextRun); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Remove deletes the row; any pending timer dies as stale.
func (m *ScheduleManager) Remove(ctx context.Context, id string) error {
	return errors.Wrap(m.st.DeleteSchedule(ctx, id), "failed to remove schedule")
}
