package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/bus"
	"github.com/hrygo/durable/store"
)

// WaitOptions tunes one wait call.
type WaitOptions struct {
	// Timeout bounds the wait client-side; it does not affect the execution.
	Timeout time.Duration
	// PollInterval is the store re-check period backing up bus
	// notifications. Defaults to the engine option.
	PollInterval time.Duration
}

// WaitManager blocks a caller until an execution reaches a terminal state,
// preferring bus notifications with a polling safety net for subscribe
// races and missed publishes.
type WaitManager struct {
	st       *store.Store
	eventBus bus.EventBus
	logger   *slog.Logger
	opts     Options
}

func newWaitManager(st *store.Store, eventBus bus.EventBus, opts Options) *WaitManager {
	return &WaitManager{st: st, eventBus: eventBus, logger: opts.Logger, opts: opts}
}

// WaitForResult returns the execution result once terminal, or a durable
// error describing the terminal failure. The store is the only source of
// truth; notifications merely trigger re-reads.
func (w *WaitManager) WaitForResult(ctx context.Context, executionID string, opts *WaitOptions) (json.RawMessage, error) {
	pollInterval := w.opts.WaitPollInterval
	var timeout time.Duration
	if opts != nil {
		if opts.PollInterval > 0 {
			pollInterval = opts.PollInterval
		}
		timeout = opts.Timeout
	}

	if result, done, err := w.check(ctx, executionID); done {
		return result, err
	}

	notify := make(chan struct{}, 1)
	if w.eventBus != nil {
		sub, err := w.eventBus.Subscribe(ctx, bus.ExecutionChannel(executionID), func(*bus.Event) {
			select {
			case notify <- struct{}{}:
			default:
			}
		})
		if err != nil {
			// Degrade to pure polling.
			w.logger.Warn("subscribe failed, waiting by polling only", "execution_id", executionID, "error", err)
		} else {
			defer func() {
				if err := sub.Unsubscribe(); err != nil {
					w.logger.Debug("unsubscribe failed", "execution_id", executionID, "error", err)
				}
			}()
		}
	}

	// Re-check after subscribing: the terminal transition may have landed in
	// between the initial read and the subscription.
	if result, done, err := w.check(ctx, executionID); done {
		return result, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, w.timeoutError(ctx, executionID, timeout)
		case <-notify:
		case <-ticker.C:
		}
		if result, done, err := w.check(ctx, executionID); done {
			return result, err
		}
	}
}

// check reads the execution once. done is true when the wait should resolve.
func (w *WaitManager) check(ctx context.Context, executionID string) (json.RawMessage, bool, error) {
	execution, err := w.st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to read execution")
	}
	if execution == nil {
		return nil, true, &Error{
			Code:        CodeExecutionNotFound,
			Message:     fmt.Sprintf("execution %s not found", executionID),
			ExecutionID: executionID,
		}
	}
	if !execution.Status.Terminal() {
		return nil, false, nil
	}
	return w.outcome(execution)
}

func (w *WaitManager) outcome(execution *store.Execution) (json.RawMessage, bool, error) {
	base := Error{
		ExecutionID: execution.ID,
		TaskID:      execution.TaskID,
		Attempt:     execution.Attempt,
	}
	if execution.Error != nil {
		base.Message = execution.Error.Message
	}
	switch execution.Status {
	case store.ExecutionCompleted:
		if execution.Result == nil {
			base.Code = CodeCompletedWithoutResult
			base.Message = "execution completed without result"
			return nil, true, &base
		}
		return execution.Result, true, nil
	case store.ExecutionFailed:
		base.Code = CodeExecutionFailed
		return nil, true, &base
	case store.ExecutionCompensationFailed:
		base.Code = CodeCompensationFailed
		return nil, true, &base
	case store.ExecutionCancelled:
		base.Code = CodeExecutionCancelled
		return nil, true, &base
	}
	return nil, false, nil
}

// timeoutError re-reads the execution once to attach task context; the row
// may have disappeared, in which case placeholders are used.
func (w *WaitManager) timeoutError(ctx context.Context, executionID string, timeout time.Duration) error {
	taskID := "unknown"
	attempt := 0
	if execution, err := w.st.GetExecution(ctx, executionID); err == nil && execution != nil {
		taskID = execution.TaskID
		attempt = execution.Attempt
	}
	return &Error{
		Code:        CodeWaitTimeout,
		Message:     fmt.Sprintf("timed out after %s waiting for execution %s", timeout, executionID),
		ExecutionID: executionID,
		TaskID:      taskID,
		Attempt:     attempt,
	}
}
