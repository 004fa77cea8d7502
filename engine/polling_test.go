package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/durable/store"
)

// TestSleepSurvivesRestart models the crash/restart scenario: the first
// attempt suspends on the sleep; firing the timer resumes a second attempt
// that replays past the sleep instantly. Exactly two workflow invocations.
func TestSleepSurvivesRestart(t *testing.T) {
	h := newHarness(t, Options{})
	var invocations atomic.Int32
	h.svc.Register(&Task{
		ID: "sleeper",
		Run: func(ctx context.Context, dc *Context, _ json.RawMessage) (any, error) {
			invocations.Add(1)
			if err := dc.Sleep(ctx, time.Second, &SleepOptions{StepID: "pause"}); err != nil {
				return nil, err
			}
			return "done", nil
		},
	})

	executionID, err := h.svc.Execute(context.Background(), "sleeper", nil, nil)
	require.NoError(t, err)
	h.waitForStatus(t, executionID, store.ExecutionSleeping)
	require.EqualValues(t, 1, invocations.Load())

	// Too early: nothing fires.
	h.clock.Advance(500 * time.Millisecond)
	h.svc.polling.Tick(context.Background())
	assert.Equal(t, store.ExecutionSleeping, h.execution(t, executionID).Status)

	h.clock.Advance(500 * time.Millisecond)
	h.svc.polling.Tick(context.Background())
	execution := h.waitForStatus(t, executionID, store.ExecutionCompleted)
	assert.JSONEq(t, `"done"`, string(execution.Result))
	assert.EqualValues(t, 2, invocations.Load(),
		"exactly the pre-sleep and post-sleep attempts")
}

func TestIntervalScheduleFiresAndAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	var fired atomic.Int32
	h.svc.Register(&Task{
		ID: "tick-task",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			fired.Add(1)
			return "ticked", nil
		},
	})

	scheduleID, err := h.svc.Schedule(context.Background(), "tick-task",
		map[string]string{"source": "schedule"}, ScheduleSpec{Interval: time.Second, ID: "ticker"})
	require.NoError(t, err)
	require.Equal(t, "ticker", scheduleID)

	schedule, err := h.svc.GetSchedule(context.Background(), "ticker")
	require.NoError(t, err)
	require.NotNil(t, schedule.NextRun)
	firstRun := *schedule.NextRun

	h.clock.Advance(time.Second)
	h.svc.polling.Tick(context.Background())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 3*time.Second, 2*time.Millisecond)

	// The schedule advanced and armed the next fire.
	schedule, err = h.svc.GetSchedule(context.Background(), "ticker")
	require.NoError(t, err)
	require.NotNil(t, schedule.LastRun)
	require.NotNil(t, schedule.NextRun)
	assert.True(t, schedule.NextRun.After(firstRun))

	h.clock.Advance(time.Second)
	h.svc.polling.Tick(context.Background())
	require.Eventually(t, func() bool { return fired.Load() == 2 }, 3*time.Second, 2*time.Millisecond)
}

func TestPausedScheduleSkipsFire(t *testing.T) {
	h := newHarness(t, Options{})
	var fired atomic.Int32
	h.svc.Register(&Task{
		ID: "paused-task",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			fired.Add(1)
			return nil, nil
		},
	})
	_, err := h.svc.Schedule(context.Background(), "paused-task", nil,
		ScheduleSpec{Interval: time.Second, ID: "paused"})
	require.NoError(t, err)
	require.NoError(t, h.svc.PauseSchedule(context.Background(), "paused"))

	h.clock.Advance(time.Second)
	h.svc.polling.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

// TestStaleScheduledTimerSkips arms a timer, then updates the pattern so
// nextRun moves; the superseded timer must be a no-op.
func TestStaleScheduledTimerSkips(t *testing.T) {
	h := newHarness(t, Options{})
	var fired atomic.Int32
	h.svc.Register(&Task{
		ID: "stale-task",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			fired.Add(1)
			return nil, nil
		},
	})
	_, err := h.svc.Schedule(context.Background(), "stale-task", nil,
		ScheduleSpec{Interval: time.Second, ID: "stale"})
	require.NoError(t, err)

	// Push nextRun out before the original timer fires.
	pattern := "5000"
	_, err = h.svc.UpdateSchedule(context.Background(), "stale", &UpdateScheduleRequest{Pattern: &pattern})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	h.svc.polling.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load(), "superseded timer must not fire")

	h.clock.Advance(4 * time.Second)
	h.svc.polling.Tick(context.Background())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 3*time.Second, 2*time.Millisecond)
}

func TestOneOffScheduleFiresOnceAndCleansUp(t *testing.T) {
	h := newHarness(t, Options{})
	var fired atomic.Int32
	h.svc.Register(&Task{
		ID: "once-task",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			fired.Add(1)
			return nil, nil
		},
	})
	scheduleID, err := h.svc.Schedule(context.Background(), "once-task", nil,
		ScheduleSpec{Delay: 2 * time.Second})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	h.svc.polling.Tick(context.Background())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 3*time.Second, 2*time.Millisecond)

	// The schedule row is gone; further ticks fire nothing.
	schedule, err := h.svc.GetSchedule(context.Background(), scheduleID)
	require.NoError(t, err)
	assert.Nil(t, schedule)
	h.clock.Advance(time.Hour)
	h.svc.polling.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
}

// TestClaimedTimerIsSkipped leases a ready timer to another worker; the
// local tick must leave it alone.
func TestClaimedTimerIsSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{
		ID: "sleeper",
		Run: func(ctx context.Context, dc *Context, _ json.RawMessage) (any, error) {
			if err := dc.Sleep(ctx, time.Second, &SleepOptions{StepID: "pause"}); err != nil {
				return nil, err
			}
			return "done", nil
		},
	})
	executionID, err := h.svc.Execute(context.Background(), "sleeper", nil, nil)
	require.NoError(t, err)
	h.waitForStatus(t, executionID, store.ExecutionSleeping)

	timerID := "sleep:" + executionID + ":__sleep:pause"
	claimed, err := h.st.ClaimTimer(context.Background(), timerID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	h.clock.Advance(time.Second)
	h.svc.polling.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, store.ExecutionSleeping, h.execution(t, executionID).Status)

	// The lease expires; the next tick handles the timer.
	h.clock.Advance(2 * time.Minute)
	h.svc.polling.Tick(context.Background())
	h.waitForStatus(t, executionID, store.ExecutionCompleted)
}
