package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/durable/store"
)

// TestRetryWithExponentialBackoff walks an always-failing workflow through
// its retry ladder: attempt 1 fails and arms a +2s timer, attempt 2 a +4s
// timer, attempt 3 fails the execution for good.
func TestRetryWithExponentialBackoff(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 3})
	h.svc.Register(&Task{
		ID: "always-fails",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			return nil, errors.New("x")
		},
	})

	executionID, err := h.svc.Execute(context.Background(), "always-fails", nil, nil)
	require.NoError(t, err)

	execution := h.waitForStatus(t, executionID, store.ExecutionRetrying)
	assert.Equal(t, 2, execution.Attempt)
	assertRetryTimerAt(t, h, executionID, h.clock.Now().Add(2*time.Second))

	h.clock.Advance(2 * time.Second)
	h.svc.polling.Tick(context.Background())
	execution = h.waitForAttempt(t, executionID, 3)
	assert.Equal(t, store.ExecutionRetrying, execution.Status)
	assertRetryTimerAt(t, h, executionID, h.clock.Now().Add(4*time.Second))

	h.clock.Advance(4 * time.Second)
	h.svc.polling.Tick(context.Background())
	execution = h.waitForStatus(t, executionID, store.ExecutionFailed)
	require.NotNil(t, execution.Error)
	assert.Equal(t, "x", execution.Error.Message)
	assert.Equal(t, 3, execution.Attempt)
}

func assertRetryTimerAt(t *testing.T, h *harness, executionID string, fireAt time.Time) {
	t.Helper()
	require.Eventually(t, func() bool {
		timers, err := h.st.GetReadyTimers(context.Background(), h.clock.Now().Add(time.Hour))
		if err != nil {
			return false
		}
		for _, timer := range timers {
			if timer.Type == store.TimerRetry && timer.ExecutionID == executionID &&
				timer.FireAt.Equal(fireAt) {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond, "retry timer at %s not found", fireAt)
}

func (h *harness) waitForAttempt(t *testing.T, executionID string, attempt int) *store.Execution {
	t.Helper()
	var last *store.Execution
	require.Eventually(t, func() bool {
		execution, err := h.st.GetExecution(context.Background(), executionID)
		if err != nil || execution == nil {
			return false
		}
		last = execution
		return execution.Attempt >= attempt && execution.Status != store.ExecutionRunning
	}, 3*time.Second, 2*time.Millisecond)
	return last
}

func TestUnregisteredTaskFailsExecution(t *testing.T) {
	h := newHarness(t, Options{})
	execution := &store.Execution{
		ID:          "orphan",
		TaskID:      "ghost",
		Status:      store.ExecutionPending,
		Attempt:     1,
		MaxAttempts: 3,
	}
	require.NoError(t, h.st.SaveExecution(context.Background(), execution))
	require.NoError(t, h.svc.ProcessExecution(context.Background(), "orphan"))

	got := h.execution(t, "orphan")
	assert.Equal(t, store.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "task_not_registered", got.Error.Message)
}

// TestIdempotentStart races concurrent starts on one idempotency key:
// exactly one execution row, and every caller sees its id.
func TestIdempotentStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{
		ID: "pay",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			return "paid", nil
		},
	})

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.svc.Execute(context.Background(), "pay",
				map[string]string{"order": "42"}, &StartOptions{IdempotencyKey: "K"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	executions, err := h.st.ListExecutions(context.Background(), &store.FindExecution{TaskID: "pay"})
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestIdempotencyRequiresStoreSupport(t *testing.T) {
	clock := newTestClock()
	st := store.New(newCoreOnlyDriver(clock))
	svc := New(st, nil, nil, Options{now: clock.Now, PollingEnabled: boolPtr(false)})
	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(context.Background()) }()
	svc.Register(&Task{ID: "t", Run: func(context.Context, *Context, json.RawMessage) (any, error) { return nil, nil }})

	_, err := svc.Execute(context.Background(), "t", nil, &StartOptions{IdempotencyKey: "K"})
	require.Error(t, err)
	assert.Equal(t, CodeIdempotencyNotSupported, CodeOf(err))
}

// TestCancelBeatsCompletion cancels while the workflow is blocked mid-run;
// the post-attempt check must discard the result instead of overwriting the
// cancelled state.
func TestCancelBeatsCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	h.svc.Register(&Task{
		ID: "cancellable",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			close(started)
			<-release
			return "finished anyway", nil
		},
	})
	executionID, err := h.svc.Execute(context.Background(), "cancellable", nil, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, h.svc.Cancel(context.Background(), executionID, "user asked"))
	close(release)

	// Give the attempt time to finish; the status must stay cancelled.
	time.Sleep(50 * time.Millisecond)
	execution := h.execution(t, executionID)
	assert.Equal(t, store.ExecutionCancelled, execution.Status)
	assert.Nil(t, execution.Result)
	require.NotNil(t, execution.Error)
	assert.Equal(t, "user asked", execution.Error.Message)
	require.NotNil(t, execution.CancelledAt)
	require.NotNil(t, execution.CancelRequestedAt)
}

func TestCancelIsNoopOnTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{
		ID: "quick",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			return "done", nil
		},
	})
	result, err := h.svc.ExecuteAndWait(context.Background(), "quick", nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(result))

	executionID := findOnlyExecution(t, h, "quick")
	require.NoError(t, h.svc.Cancel(context.Background(), executionID, ""))
	execution := h.execution(t, executionID)
	assert.Equal(t, store.ExecutionCompleted, execution.Status, "terminal state must not change")
}

func findOnlyExecution(t *testing.T, h *harness, taskID string) string {
	t.Helper()
	executions, err := h.st.ListExecutions(context.Background(), &store.FindExecution{TaskID: taskID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	return executions[0].ID
}

// TestExecutionTimeoutIsFinal exhausts the wall-clock budget before a retry
// attempt: the synthesized timeout fails the attempt without running user
// code.
func TestExecutionTimeoutIsFinal(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 1})
	var runs atomic.Int32
	h.svc.Register(&Task{
		ID: "budgeted",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			runs.Add(1)
			return "ok", nil
		},
	})
	execution := &store.Execution{
		ID:          "late",
		TaskID:      "budgeted",
		Status:      store.ExecutionPending,
		Attempt:     1,
		MaxAttempts: 1,
		Timeout:     time.Second,
		CreatedAt:   h.clock.Now().Add(-2 * time.Second),
	}
	require.NoError(t, h.st.SaveExecution(context.Background(), execution))
	require.NoError(t, h.svc.ProcessExecution(context.Background(), "late"))

	got := h.execution(t, "late")
	assert.Equal(t, store.ExecutionFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "timed out")
	assert.EqualValues(t, 0, runs.Load(), "expired budget must not run user code")
}

func TestRecoverRedispatchesIncomplete(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{
		ID: "recoverable",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			return "recovered", nil
		},
	})
	execution := &store.Execution{
		ID:          "stranded",
		TaskID:      "recoverable",
		Status:      store.ExecutionPending,
		Attempt:     1,
		MaxAttempts: 3,
	}
	require.NoError(t, h.st.SaveExecution(context.Background(), execution))

	require.NoError(t, h.svc.Recover(context.Background()))
	got := h.waitForStatus(t, "stranded", store.ExecutionCompleted)
	assert.JSONEq(t, `"recovered"`, string(got.Result))
}

func boolPtr(b bool) *bool { return &b }
