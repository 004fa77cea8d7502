package store

import (
	"context"
	"encoding/json"
	"time"
)

// ScheduleType selects how the next fire time is derived from Pattern.
type ScheduleType string

const (
	// ScheduleInterval fires every Pattern milliseconds.
	ScheduleInterval ScheduleType = "interval"
	// ScheduleCron fires per a standard 5-field cron expression.
	ScheduleCron ScheduleType = "cron"
	// ScheduleOnce fires a single time at an RFC 3339 instant.
	ScheduleOnce ScheduleType = "once"
)

// ScheduleStatus gates firing; paused schedules keep their rows but skip fires.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// Schedule is a recurring or one-off workflow trigger. Interval and cron
// schedules carry exactly one scheduled timer for the next fire at a time.
type Schedule struct {
	ID        string
	TaskID    string
	Type      ScheduleType
	Pattern   string
	Input     json.RawMessage
	Status    ScheduleStatus
	LastRun   *time.Time
	NextRun   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpdateSchedule carries a partial update; nil fields are left untouched.
type UpdateSchedule struct {
	ID      string
	Pattern *string
	Input   *json.RawMessage
	Status  *ScheduleStatus
	LastRun **time.Time
	NextRun **time.Time
}

func (s *Store) CreateSchedule(ctx context.Context, schedule *Schedule) error {
	return s.driver.CreateSchedule(ctx, schedule)
}

// GetSchedule returns the schedule or nil when the row does not exist.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.driver.GetSchedule(ctx, id)
}

func (s *Store) UpdateSchedule(ctx context.Context, update *UpdateSchedule) (*Schedule, error) {
	return s.driver.UpdateSchedule(ctx, update)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.driver.DeleteSchedule(ctx, id)
}

func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.driver.ListSchedules(ctx)
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.driver.ListActiveSchedules(ctx)
}
