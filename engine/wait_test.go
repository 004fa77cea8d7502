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

func saveTerminal(t *testing.T, h *harness, id string, status store.ExecutionStatus, result json.RawMessage, errMsg string) {
	t.Helper()
	execution := &store.Execution{
		ID:          id,
		TaskID:      "some-task",
		Status:      status,
		Attempt:     2,
		MaxAttempts: 3,
		Result:      result,
	}
	if errMsg != "" {
		execution.Error = &store.ExecutionError{Message: errMsg}
	}
	require.NoError(t, h.st.SaveExecution(context.Background(), execution))
}

func TestWaitOutcomeMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   store.ExecutionStatus
		result   json.RawMessage
		errMsg   string
		wantCode Code
	}{
		{
			name:   "completed with result resolves",
			status: store.ExecutionCompleted,
			result: json.RawMessage(`{"ok":true}`),
		},
		{
			name:     "completed without result rejects",
			status:   store.ExecutionCompleted,
			wantCode: CodeCompletedWithoutResult,
		},
		{
			name:     "failed rejects with recorded error",
			status:   store.ExecutionFailed,
			errMsg:   "boom",
			wantCode: CodeExecutionFailed,
		},
		{
			name:     "compensation failed rejects",
			status:   store.ExecutionCompensationFailed,
			errMsg:   "rollback broke",
			wantCode: CodeCompensationFailed,
		},
		{
			name:     "cancelled rejects",
			status:   store.ExecutionCancelled,
			errMsg:   "Execution cancelled",
			wantCode: CodeExecutionCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			saveTerminal(t, h, "e1", tt.status, tt.result, tt.errMsg)
			result, err := h.svc.Wait(context.Background(), "e1", nil)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.JSONEq(t, string(tt.result), string(result))
				return
			}
			require.Error(t, err)
			var durableErr *Error
			require.ErrorAs(t, err, &durableErr)
			assert.Equal(t, tt.wantCode, durableErr.Code)
			assert.Equal(t, "some-task", durableErr.TaskID)
			assert.Equal(t, 2, durableErr.Attempt)
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, durableErr.Message)
			}
		})
	}
}

func TestWaitUnknownExecution(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Wait(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, CodeExecutionNotFound, CodeOf(err))
}

// TestWaitResolvesOnNotification parks a waiter, finalizes the row, and
// publishes; the waiter must wake through the bus well before the poll
// fallback would.
func TestWaitResolvesOnNotification(t *testing.T) {
	h := newHarness(t, Options{WaitPollInterval: time.Hour})
	execution := &store.Execution{
		ID:          "slow",
		TaskID:      "some-task",
		Status:      store.ExecutionRunning,
		Attempt:     1,
		MaxAttempts: 3,
	}
	require.NoError(t, h.st.SaveExecution(context.Background(), execution))

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.svc.Wait(context.Background(), "slow", nil)
		done <- outcome{result: result, err: err}
	}()

	// Let the waiter subscribe, then finalize and notify.
	time.Sleep(20 * time.Millisecond)
	completed := store.ExecutionCompleted
	result := json.RawMessage(`"late but fine"`)
	_, err := h.st.UpdateExecution(context.Background(), &store.UpdateExecution{
		ID:     "slow",
		Status: &completed,
		Result: &result,
	})
	require.NoError(t, err)
	h.svc.exec.notifyFinished(context.Background(), h.execution(t, "slow"))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.JSONEq(t, `"late but fine"`, string(o.result))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake on notification")
	}
}

func TestWaitTimeoutCarriesTaskContext(t *testing.T) {
	h := newHarness(t, Options{})
	execution := &store.Execution{
		ID:          "stuck",
		TaskID:      "some-task",
		Status:      store.ExecutionRunning,
		Attempt:     1,
		MaxAttempts: 3,
	}
	require.NoError(t, h.st.SaveExecution(context.Background(), execution))

	_, err := h.svc.Wait(context.Background(), "stuck", &WaitOptions{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	var durableErr *Error
	require.ErrorAs(t, err, &durableErr)
	assert.Equal(t, CodeWaitTimeout, durableErr.Code)
	assert.Equal(t, "some-task", durableErr.TaskID)
	assert.Equal(t, 1, durableErr.Attempt)
}

// TestWaitFallsBackToPolling runs without a bus: the poll loop alone must
// observe the terminal transition.
func TestWaitFallsBackToPolling(t *testing.T) {
	clock := newTestClock()
	db := newCoreOnlyDriver(clock)
	st := store.New(db)
	svc := New(st, nil, nil, Options{now: clock.Now, PollingEnabled: boolPtr(false), WaitPollInterval: 5 * time.Millisecond})
	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(context.Background()) }()

	execution := &store.Execution{
		ID:          "polled",
		TaskID:      "some-task",
		Status:      store.ExecutionRunning,
		Attempt:     1,
		MaxAttempts: 3,
	}
	require.NoError(t, st.SaveExecution(context.Background(), execution))

	go func() {
		time.Sleep(30 * time.Millisecond)
		completed := store.ExecutionCompleted
		result := json.RawMessage(`"polled result"`)
		_, _ = st.UpdateExecution(context.Background(), &store.UpdateExecution{
			ID:     "polled",
			Status: &completed,
			Result: &result,
		})
	}()

	result, err := svc.Wait(context.Background(), "polled", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"polled result"`, string(result))
}
