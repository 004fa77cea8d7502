package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/durable/bus"
	"github.com/hrygo/durable/engine/metrics"
	"github.com/hrygo/durable/queue"
	"github.com/hrygo/durable/store"
)

// StartOptions tunes one start call.
type StartOptions struct {
	// IdempotencyKey maps (taskID, key) to a single execution across
	// concurrent start requests. Requires store idempotency support.
	IdempotencyKey string
	// MaxAttempts overrides the task/engine default when > 0.
	MaxAttempts int
	// Timeout overrides the task/engine default when > 0.
	Timeout time.Duration
}

// ExecutionManager owns the execution lifecycle: idempotent start, running
// attempts, retry with backoff, cancellation, terminal notification, and the
// boot-time recovery sweep.
type ExecutionManager struct {
	st       *store.Store
	queue    queue.Queue
	eventBus bus.EventBus
	registry *Registry
	executor TaskExecutor
	audit    *auditLogger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	workerID string
	now      func() time.Time

	// inline tracks embedded-mode attempt goroutines for drain on stop.
	inline sync.WaitGroup
}

func newExecutionManager(st *store.Store, q queue.Queue, eventBus bus.EventBus, registry *Registry, audit *auditLogger, workerID string, opts Options) *ExecutionManager {
	return &ExecutionManager{
		st:       st,
		queue:    q,
		eventBus: eventBus,
		registry: registry,
		executor: opts.Executor,
		audit:    audit,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		opts:     opts,
		workerID: workerID,
		now:      opts.now,
	}
}

// Start persists a pending execution for the task and kicks it off. Returns
// the execution id. With an idempotency key, concurrent callers all receive
// the same id and only one execution row exists.
func (m *ExecutionManager) Start(ctx context.Context, task *Task, input json.RawMessage, opts *StartOptions) (string, error) {
	if opts != nil && opts.IdempotencyKey != "" {
		return m.startIdempotent(ctx, task, input, opts)
	}
	executionID := shortuuid.New()
	if err := m.persistPending(ctx, executionID, task, input, opts); err != nil {
		return "", err
	}
	m.kickoffWithFailsafe(ctx, executionID)
	return executionID, nil
}

func (m *ExecutionManager) startIdempotent(ctx context.Context, task *Task, input json.RawMessage, opts *StartOptions) (string, error) {
	if !m.st.SupportsIdempotency() {
		return "", &Error{
			Code:    CodeIdempotencyNotSupported,
			Message: "store does not support idempotency keys",
			TaskID:  task.ID,
		}
	}
	key := opts.IdempotencyKey

	// The lock only narrows the race window; the compare-and-set below is
	// what actually decides the winner.
	if m.st.SupportsLocks() {
		resource := "idem:" + task.ID + ":" + key
		lockID := shortuuid.New()
		acquired, err := m.acquireLockWithRetries(ctx, resource, lockID, 10*time.Second)
		if err != nil {
			return "", &Error{Code: CodeIdempotencyLockFailed, Message: "failed to acquire idempotency lock", TaskID: task.ID, Cause: err}
		}
		if acquired {
			defer func() {
				if err := m.st.ReleaseLock(ctx, resource, lockID); err != nil {
					m.logger.Warn("failed to release idempotency lock", "resource", resource, "error", err)
				}
			}()
		}
	}

	if existing, err := m.st.GetExecutionIDByIdempotencyKey(ctx, task.ID, key); err != nil {
		return "", errors.Wrap(err, "failed to read idempotency mapping")
	} else if existing != "" {
		return existing, nil
	}

	executionID := shortuuid.New()
	claimed, err := m.st.SetExecutionIDByIdempotencyKey(ctx, task.ID, key, executionID)
	if err != nil {
		return "", errors.Wrap(err, "failed to set idempotency mapping")
	}
	if !claimed {
		// Lost the race; the winner's mapping must be there now.
		existing, err := m.st.GetExecutionIDByIdempotencyKey(ctx, task.ID, key)
		if err != nil {
			return "", errors.Wrap(err, "failed to re-read idempotency mapping")
		}
		if existing != "" {
			return existing, nil
		}
		return "", &Error{Code: CodeIdempotencyLockFailed, Message: "failed to set idempotency mapping", TaskID: task.ID}
	}
	if err := m.persistPending(ctx, executionID, task, input, opts); err != nil {
		return "", err
	}
	m.kickoffWithFailsafe(ctx, executionID)
	return executionID, nil
}

// acquireLockWithRetries probes the lock up to 20 times, 5ms apart.
func (m *ExecutionManager) acquireLockWithRetries(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	probe := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 19), ctx)
	for {
		ok, err := m.st.AcquireLock(ctx, resource, lockID, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		wait := probe.NextBackOff()
		if wait == backoff.Stop {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *ExecutionManager) persistPending(ctx context.Context, executionID string, task *Task, input json.RawMessage, opts *StartOptions) error {
	maxAttempts := m.opts.MaxAttempts
	if task.MaxAttempts > 0 {
		maxAttempts = task.MaxAttempts
	}
	timeout := m.opts.Timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	now := m.now()
	execution := &store.Execution{
		ID:          executionID,
		TaskID:      task.ID,
		Input:       input,
		Status:      store.ExecutionPending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Persist before enqueue: a worker that drains the message first and
	// finds no row simply noops, while the reverse order can lose the
	// execution entirely.
	if err := m.st.SaveExecution(ctx, execution); err != nil {
		return errors.Wrap(err, "failed to persist execution")
	}
	m.audit.log(executionID, 1, store.AuditExecutionStatusChanged,
		map[string]any{"status": string(store.ExecutionPending), "taskId": task.ID})
	m.metrics.ExecutionStarted(task.ID)
	return nil
}

// kickoffWithFailsafe hands the execution to a worker. In queue mode a
// failsafe retry timer is armed first, so a failed enqueue is retried by the
// poller; in embedded mode the attempt runs on a local goroutine.
func (m *ExecutionManager) kickoffWithFailsafe(ctx context.Context, executionID string) {
	if m.queue == nil {
		m.runInline(executionID)
		return
	}
	failsafeID := "kickoff:" + executionID
	if err := m.st.CreateTimer(ctx, &store.Timer{
		ID:          failsafeID,
		Type:        store.TimerRetry,
		FireAt:      m.now().Add(m.opts.KickoffFailsafeDelay),
		ExecutionID: executionID,
	}); err != nil {
		m.logger.Warn("failed to arm kickoff failsafe", "execution_id", executionID, "error", err)
	}
	if err := m.enqueue(ctx, queue.MessageExecute, executionID); err != nil {
		// Leave the failsafe timer in place; the poller will pick it up.
		m.logger.Warn("enqueue failed, relying on kickoff failsafe", "execution_id", executionID, "error", err)
		return
	}
	if err := m.st.DeleteTimer(ctx, failsafeID); err != nil {
		m.logger.Warn("failed to delete kickoff failsafe", "execution_id", executionID, "error", err)
	}
}

func (m *ExecutionManager) enqueue(ctx context.Context, msgType queue.MessageType, executionID string) error {
	payload, err := json.Marshal(queue.ExecutionPayload{ExecutionID: executionID})
	if err != nil {
		return err
	}
	return m.queue.Enqueue(ctx, &queue.Message{Type: msgType, Payload: payload})
}

// Dispatch resumes the execution: enqueue in queue mode, inline goroutine in
// embedded mode. Used by the poller and the signal handler.
func (m *ExecutionManager) Dispatch(ctx context.Context, executionID string) {
	if m.queue == nil {
		m.runInline(executionID)
		return
	}
	if err := m.enqueue(ctx, queue.MessageResume, executionID); err != nil {
		m.logger.Warn("failed to enqueue resume", "execution_id", executionID, "error", err)
	}
}

func (m *ExecutionManager) runInline(executionID string) {
	m.inline.Add(1)
	go func() {
		defer m.inline.Done()
		if err := m.ProcessExecution(context.Background(), executionID); err != nil {
			m.logger.Error("embedded attempt failed", "execution_id", executionID, "error", err)
		}
	}()
}

// Drain waits for embedded-mode attempts to finish.
func (m *ExecutionManager) Drain() {
	m.inline.Wait()
}

// ProcessExecution loads the execution and runs one attempt under the
// optional per-execution lock. Missing or terminal rows are silently
// ignored: queue deliveries are at-least-once.
func (m *ExecutionManager) ProcessExecution(ctx context.Context, executionID string) error {
	execution, err := m.st.GetExecution(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to load execution")
	}
	if execution == nil || execution.Status.Terminal() {
		return nil
	}

	task, err := m.registry.Find(ctx, execution.TaskID)
	if err != nil {
		return errors.Wrap(err, "task resolution failed")
	}
	if task == nil {
		return m.failUnregistered(ctx, execution)
	}

	if m.st.SupportsLocks() {
		resource := "execution:" + executionID
		lockID := m.workerID + ":" + shortuuid.New()
		acquired, err := m.st.AcquireLock(ctx, resource, lockID, DefaultExecutionLockTTL)
		if err != nil {
			return errors.Wrap(err, "failed to acquire execution lock")
		}
		if !acquired {
			// Another worker is inside this execution.
			return nil
		}
		defer func() {
			if err := m.st.ReleaseLock(ctx, resource, lockID); err != nil {
				m.logger.Warn("failed to release execution lock", "execution_id", executionID, "error", err)
			}
		}()
	}

	return m.runExecutionAttempt(ctx, execution, task)
}

func (m *ExecutionManager) failUnregistered(ctx context.Context, execution *store.Execution) error {
	m.logger.Error("task not registered", "execution_id", execution.ID, "task_id", execution.TaskID)
	updated, err := m.finalize(ctx, execution.ID, store.ExecutionFailed,
		&store.ExecutionError{Message: string(CodeTaskNotRegistered)}, nil)
	if err != nil {
		return err
	}
	m.notifyFinished(ctx, updated)
	return nil
}

func (m *ExecutionManager) runExecutionAttempt(ctx context.Context, execution *store.Execution, task *Task) error {
	if cancelled, err := m.isCancelled(ctx, execution.ID); err != nil || cancelled {
		return err
	}

	running := store.ExecutionRunning
	execution, err := m.st.UpdateExecution(ctx, &store.UpdateExecution{ID: execution.ID, Status: &running})
	if err != nil {
		return errors.Wrap(err, "failed to mark execution running")
	}
	m.audit.log(execution.ID, execution.Attempt, store.AuditExecutionStatusChanged,
		map[string]any{"status": string(store.ExecutionRunning), "attempt": execution.Attempt})

	dc := newContext(execution, m.st, m.eventBus, m.audit, m.opts)

	m.metrics.AttemptStarted()
	started := m.now()
	result, runErr := m.invoke(ctx, execution, task, dc)
	m.metrics.AttemptDone()
	m.metrics.ObserveAttempt(task.ID, m.now().Sub(started).Seconds())

	switch {
	case runErr == nil:
		return m.handleSuccess(ctx, execution, result)
	case IsSuspension(runErr):
		return m.handleSuspension(ctx, execution, runErr)
	default:
		return m.handleFailure(ctx, execution, dc, runErr)
	}
}

// invoke runs the workflow through the executor, enforcing the execution's
// wall-clock budget measured from CreatedAt so retries respect it.
func (m *ExecutionManager) invoke(ctx context.Context, execution *store.Execution, task *Task, dc *Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("workflow panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if execution.Timeout <= 0 {
		return m.executor.Run(ctx, task, dc, execution.Input)
	}
	deadline := execution.CreatedAt.Add(execution.Timeout)
	remaining := deadline.Sub(m.now())
	if remaining <= 0 {
		return nil, errors.Errorf("execution timed out after %s", execution.Timeout)
	}
	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := m.executor.Run(attemptCtx, task, dc, execution.Input)
		done <- outcome{value: value, err: err}
	}()
	select {
	case o := <-done:
		return o.value, o.err
	case <-time.After(remaining):
		return nil, errors.Errorf("execution timed out after %s", execution.Timeout)
	}
}

func (m *ExecutionManager) handleSuccess(ctx context.Context, execution *store.Execution, result any) error {
	// Cancellation wins over a racing completion; the result is discarded
	// but every step stays durably cached.
	if cancelled, err := m.isCancelled(ctx, execution.ID); err != nil || cancelled {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal workflow result")
	}
	updated, err := m.finalize(ctx, execution.ID, store.ExecutionCompleted, nil, raw)
	if err != nil {
		return err
	}
	m.notifyFinished(ctx, updated)
	return nil
}

func (m *ExecutionManager) handleSuspension(ctx context.Context, execution *store.Execution, runErr error) error {
	if cancelled, err := m.isCancelled(ctx, execution.ID); err != nil || cancelled {
		return err
	}
	sleeping := store.ExecutionSleeping
	if _, err := m.st.UpdateExecution(ctx, &store.UpdateExecution{ID: execution.ID, Status: &sleeping}); err != nil {
		return errors.Wrap(err, "failed to mark execution sleeping")
	}
	m.audit.log(execution.ID, execution.Attempt, store.AuditExecutionStatusChanged,
		map[string]any{"status": string(store.ExecutionSleeping), "reason": "suspend:" + SuspensionReason(runErr)})
	return nil
}

func (m *ExecutionManager) handleFailure(ctx context.Context, execution *store.Execution, dc *Context, runErr error) error {
	if cancelled, err := m.isCancelled(ctx, execution.ID); err != nil || cancelled {
		return err
	}

	if rbErr := dc.rollback(ctx, runErr); rbErr != nil {
		m.logger.Error("compensation failed", "execution_id", execution.ID, "error", rbErr)
		updated, err := m.finalize(ctx, execution.ID, store.ExecutionCompensationFailed,
			&store.ExecutionError{Message: rbErr.Error()}, nil)
		if err != nil {
			return err
		}
		m.notifyFinished(ctx, updated)
		return nil
	}

	// An exhausted execution budget is final: no retry is armed.
	budgetSpent := execution.Timeout > 0 && !m.now().Before(execution.CreatedAt.Add(execution.Timeout))
	if execution.Attempt >= execution.MaxAttempts || budgetSpent {
		updated, err := m.finalize(ctx, execution.ID, store.ExecutionFailed,
			&store.ExecutionError{Message: runErr.Error(), Stack: fmt.Sprintf("%+v", runErr)}, nil)
		if err != nil {
			return err
		}
		m.notifyFinished(ctx, updated)
		return nil
	}

	// Exponential backoff: 2^attempt seconds.
	delay := time.Duration(1<<uint(execution.Attempt)) * time.Second
	timerID := "retry:" + execution.ID + ":" + strconv.Itoa(execution.Attempt)
	if err := m.st.CreateTimer(ctx, &store.Timer{
		ID:          timerID,
		Type:        store.TimerRetry,
		FireAt:      m.now().Add(delay),
		ExecutionID: execution.ID,
	}); err != nil {
		return errors.Wrap(err, "failed to arm retry timer")
	}
	retrying := store.ExecutionRetrying
	nextAttempt := execution.Attempt + 1
	execErr := &store.ExecutionError{Message: runErr.Error()}
	if _, err := m.st.UpdateExecution(ctx, &store.UpdateExecution{
		ID:      execution.ID,
		Status:  &retrying,
		Attempt: &nextAttempt,
		Error:   &execErr,
	}); err != nil {
		return errors.Wrap(err, "failed to mark execution retrying")
	}
	m.metrics.RetryScheduled()
	m.audit.log(execution.ID, execution.Attempt, store.AuditExecutionStatusChanged,
		map[string]any{
			"status":  string(store.ExecutionRetrying),
			"attempt": nextAttempt,
			"delayMs": delay.Milliseconds(),
			"error":   runErr.Error(),
		})
	return nil
}

func (m *ExecutionManager) isCancelled(ctx context.Context, executionID string) (bool, error) {
	execution, err := m.st.GetExecution(ctx, executionID)
	if err != nil {
		return false, errors.Wrap(err, "failed to check cancellation")
	}
	return execution == nil || execution.Status == store.ExecutionCancelled, nil
}

// finalize writes a terminal state. The finalization order is fixed: update
// the row, then audit, then notify; waiters re-read the store on every
// notification.
func (m *ExecutionManager) finalize(ctx context.Context, executionID string, status store.ExecutionStatus, execErr *store.ExecutionError, result json.RawMessage) (*store.Execution, error) {
	now := m.now()
	completedAt := &now
	update := &store.UpdateExecution{
		ID:          executionID,
		Status:      &status,
		CompletedAt: &completedAt,
	}
	if execErr != nil {
		update.Error = &execErr
	}
	if result != nil {
		update.Result = &result
	}
	updated, err := m.st.UpdateExecution(ctx, update)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to finalize execution as %s", status)
	}
	m.audit.log(executionID, updated.Attempt, store.AuditExecutionStatusChanged,
		map[string]any{"status": string(status)})
	m.metrics.ExecutionFinished(updated.TaskID, string(status))
	return updated, nil
}

// Cancel terminates the execution. No-op for missing or already-terminal
// rows. In-flight step functions are not aborted; the attempt's post-run
// cancellation check discards their outcome.
func (m *ExecutionManager) Cancel(ctx context.Context, executionID, reason string) error {
	execution, err := m.st.GetExecution(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to load execution")
	}
	if execution == nil || execution.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "Execution cancelled"
	}
	now := m.now()
	cancelled := store.ExecutionCancelled
	nowPtr := &now
	cancelRequestedAt := execution.CancelRequestedAt
	if cancelRequestedAt == nil {
		cancelRequestedAt = nowPtr
	}
	execErr := &store.ExecutionError{Message: reason}
	updated, err := m.st.UpdateExecution(ctx, &store.UpdateExecution{
		ID:                executionID,
		Status:            &cancelled,
		Error:             &execErr,
		CompletedAt:       &nowPtr,
		CancelRequestedAt: &cancelRequestedAt,
		CancelledAt:       &nowPtr,
	})
	if err != nil {
		return errors.Wrap(err, "failed to cancel execution")
	}
	m.audit.log(executionID, updated.Attempt, store.AuditExecutionStatusChanged,
		map[string]any{"status": string(store.ExecutionCancelled), "reason": reason})
	m.metrics.ExecutionFinished(updated.TaskID, string(store.ExecutionCancelled))
	m.notifyFinished(ctx, updated)
	return nil
}

// Recover re-dispatches every incomplete execution. Called once per worker
// boot; cmd/durable calls it right after Service.Start.
func (m *ExecutionManager) Recover(ctx context.Context) error {
	executions, err := m.st.ListIncompleteExecutions(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list incomplete executions")
	}
	for _, execution := range executions {
		switch execution.Status {
		case store.ExecutionPending:
			if m.queue != nil {
				if err := m.enqueue(ctx, queue.MessageExecute, execution.ID); err != nil {
					m.logger.Warn("recovery enqueue failed", "execution_id", execution.ID, "error", err)
				}
			} else {
				m.runInline(execution.ID)
			}
		case store.ExecutionRunning, store.ExecutionRetrying, store.ExecutionSleeping:
			// A still-waiting replay just suspends again; a sleep whose
			// timer fired while the worker was down completes immediately.
			m.Dispatch(ctx, execution.ID)
		}
	}
	return nil
}

func (m *ExecutionManager) notifyFinished(ctx context.Context, execution *store.Execution) {
	if m.eventBus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"status": string(execution.Status)})
	if err := m.eventBus.Publish(ctx, bus.ExecutionChannel(execution.ID), &bus.Event{
		Type:      bus.EventFinished,
		Payload:   payload,
		Timestamp: m.now(),
	}); err != nil {
		m.logger.Warn("failed to publish finish notification", "execution_id", execution.ID, "error", err)
	}
}
