package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/durable/store"
)

func TestComputeNextFire(t *testing.T) {
	h := newHarness(t, Options{})
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name     string
		schedule store.Schedule
		want     time.Time
		wantErr  bool
	}{
		{
			name:     "interval adds milliseconds",
			schedule: store.Schedule{Type: store.ScheduleInterval, Pattern: "90000"},
			want:     now.Add(90 * time.Second),
		},
		{
			name:     "cron five-field expression",
			schedule: store.Schedule{Type: store.ScheduleCron, Pattern: "*/5 * * * *"},
			want:     time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		},
		{
			name:     "once parses the stored instant",
			schedule: store.Schedule{Type: store.ScheduleOnce, Pattern: "2025-07-01T00:00:00Z"},
			want:     time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "invalid interval",
			schedule: store.Schedule{Type: store.ScheduleInterval, Pattern: "soon"},
			wantErr:  true,
		},
		{
			name:     "negative interval",
			schedule: store.Schedule{Type: store.ScheduleInterval, Pattern: "-5"},
			wantErr:  true,
		},
		{
			name:     "invalid cron",
			schedule: store.Schedule{Type: store.ScheduleCron, Pattern: "every tuesday"},
			wantErr:  true,
		},
		{
			name:     "unknown type",
			schedule: store.Schedule{Type: "lunar", Pattern: "x"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.schedules.ComputeNextFire(&tt.schedule, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
		})
	}
}

func TestScheduleSpecValidation(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{ID: "t", Run: func(context.Context, *Context, json.RawMessage) (any, error) { return nil, nil }})

	tests := []struct {
		name string
		spec ScheduleSpec
	}{
		{name: "empty spec", spec: ScheduleSpec{}},
		{name: "two variants", spec: ScheduleSpec{Delay: time.Second, Cron: "* * * * *", ID: "x"}},
		{name: "interval without id", spec: ScheduleSpec{Interval: time.Second}},
		{name: "cron without id", spec: ScheduleSpec{Cron: "* * * * *"}},
		{name: "bad cron", spec: ScheduleSpec{Cron: "not cron", ID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Schedule(context.Background(), "t", nil, tt.spec)
			require.Error(t, err)
		})
	}
}

func TestScheduleLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{ID: "t", Run: func(context.Context, *Context, json.RawMessage) (any, error) { return nil, nil }})

	_, err := h.svc.Schedule(context.Background(), "t", nil, ScheduleSpec{Interval: time.Minute, ID: "job"})
	require.NoError(t, err)

	schedule, err := h.svc.GetSchedule(context.Background(), "job")
	require.NoError(t, err)
	require.NotNil(t, schedule)
	assert.Equal(t, store.ScheduleActive, schedule.Status)
	require.NotNil(t, schedule.NextRun)

	require.NoError(t, h.svc.PauseSchedule(context.Background(), "job"))
	schedule, err = h.svc.GetSchedule(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, store.SchedulePaused, schedule.Status)

	require.NoError(t, h.svc.ResumeSchedule(context.Background(), "job"))
	schedule, err = h.svc.GetSchedule(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleActive, schedule.Status)

	schedules, err := h.svc.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	require.NoError(t, h.svc.RemoveSchedule(context.Background(), "job"))
	schedule, err = h.svc.GetSchedule(context.Background(), "job")
	require.NoError(t, err)
	assert.Nil(t, schedule)
}

func TestUpdateSchedulePatternMovesNextRun(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{ID: "t", Run: func(context.Context, *Context, json.RawMessage) (any, error) { return nil, nil }})

	_, err := h.svc.Schedule(context.Background(), "t", nil, ScheduleSpec{Interval: time.Minute, ID: "job"})
	require.NoError(t, err)
	before, err := h.svc.GetSchedule(context.Background(), "job")
	require.NoError(t, err)

	pattern := "7200000"
	after, err := h.svc.UpdateSchedule(context.Background(), "job", &UpdateScheduleRequest{Pattern: &pattern})
	require.NoError(t, err)
	assert.Equal(t, "7200000", after.Pattern)
	require.NotNil(t, after.NextRun)
	assert.True(t, after.NextRun.After(*before.NextRun))
}
