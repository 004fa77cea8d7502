package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/durable/engine/metrics"
	"github.com/hrygo/durable/store"
)

// PollingManager scans ready timers and turns them into work: completing
// sleeps, timing out signals, retrying attempts, and firing schedules. Every
// error is swallowed and logged; the loop never exits on an exception.
type PollingManager struct {
	st        *store.Store
	exec      *ExecutionManager
	schedules *ScheduleManager
	audit     *auditLogger
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	claimTTL  time.Duration
	workerID  string
	now       func() time.Time
	opts      Options

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

func newPollingManager(st *store.Store, exec *ExecutionManager, schedules *ScheduleManager, audit *auditLogger, workerID string, opts Options) *PollingManager {
	return &PollingManager{
		st:        st,
		exec:      exec,
		schedules: schedules,
		audit:     audit,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interval:  opts.PollingInterval,
		claimTTL:  opts.ClaimTTL,
		workerID:  workerID,
		now:       opts.now,
		opts:      opts,
	}
}

// Start launches the loop. Idempotent while running.
func (p *PollingManager) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	p.stopped.Add(1)
	go p.run(p.stopCh)
}

// Stop wakes the waiter immediately and blocks until the loop exits.
func (p *PollingManager) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	p.stopped.Wait()
}

func (p *PollingManager) run(stopCh chan struct{}) {
	defer p.stopped.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(p.interval):
		}
		p.Tick(context.Background())
	}
}

// Tick processes one scan of ready timers. Exposed for recovery flows and
// tests that drive time by hand.
func (p *PollingManager) Tick(ctx context.Context) {
	now := p.now()
	timers, err := p.st.GetReadyTimers(ctx, now)
	if err != nil {
		p.metrics.PollError()
		p.logger.Warn("failed to fetch ready timers", "error", err)
		return
	}
	for _, timer := range timers {
		if p.st.SupportsTimerClaims() {
			claimed, err := p.st.ClaimTimer(ctx, timer.ID, p.workerID, p.claimTTL)
			if err != nil {
				p.metrics.PollError()
				p.logger.Warn("failed to claim timer", "timer_id", timer.ID, "error", err)
				continue
			}
			if !claimed {
				continue
			}
		}
		p.handleTimer(ctx, timer)
	}
}

// handleTimer dispatches one claimed timer, always deleting it afterwards so
// a handler error cannot wedge the loop on the same timer forever.
func (p *PollingManager) handleTimer(ctx context.Context, timer *store.Timer) {
	if err := p.st.MarkTimerFired(ctx, timer.ID); err != nil {
		p.logger.Warn("failed to mark timer fired", "timer_id", timer.ID, "error", err)
	}
	defer func() {
		if err := p.st.DeleteTimer(ctx, timer.ID); err != nil {
			p.metrics.PollError()
			p.logger.Warn("failed to delete timer", "timer_id", timer.ID, "error", err)
		}
	}()

	var err error
	switch timer.Type {
	case store.TimerSleep:
		err = p.handleSleep(ctx, timer)
	case store.TimerSignalTimeout:
		err = p.handleSignalTimeout(ctx, timer)
	case store.TimerRetry:
		p.exec.Dispatch(ctx, timer.ExecutionID)
	case store.TimerScheduled:
		err = p.handleScheduled(ctx, timer)
	default:
		err = errors.Errorf("unknown timer type %q", timer.Type)
	}
	if err != nil {
		p.metrics.PollError()
		p.logger.Warn("timer handling failed", "timer_id", timer.ID, "type", string(timer.Type), "error", err)
		return
	}
	p.metrics.TimerFired(string(timer.Type))
}

func (p *PollingManager) handleSleep(ctx context.Context, timer *store.Timer) error {
	if err := p.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: timer.ExecutionID,
		StepID:      timer.StepID,
		Result:      store.MustMarshal(store.SlotState{State: store.SlotCompleted}),
	}); err != nil {
		return errors.Wrapf(err, "failed to complete sleep slot %s", timer.StepID)
	}
	p.auditForExecution(ctx, timer.ExecutionID, store.AuditSleepCompleted, map[string]any{"stepId": timer.StepID})
	p.exec.Dispatch(ctx, timer.ExecutionID)
	return nil
}

// handleSignalTimeout only acts on a slot still waiting; the signal lock plus
// this precondition guarantee at most one of signal() and the poller wins.
func (p *PollingManager) handleSignalTimeout(ctx context.Context, timer *store.Timer) error {
	row, err := p.st.GetStepResult(ctx, timer.ExecutionID, timer.StepID)
	if err != nil {
		return errors.Wrapf(err, "failed to read signal slot %s", timer.StepID)
	}
	if row == nil {
		return nil
	}
	slot, err := store.DecodeSlotState(row.Result)
	if err != nil {
		return &Error{Code: CodeStoreShape, Message: fmt.Sprintf("signal slot %s: %v", timer.StepID, err), ExecutionID: timer.ExecutionID}
	}
	if slot.State != store.SlotWaiting {
		return nil
	}
	if err := p.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: timer.ExecutionID,
		StepID:      timer.StepID,
		Result:      store.MustMarshal(store.SlotState{State: store.SlotTimedOut, SignalID: slot.SignalID}),
	}); err != nil {
		return errors.Wrapf(err, "failed to time out signal slot %s", timer.StepID)
	}
	p.auditForExecution(ctx, timer.ExecutionID, store.AuditSignalTimedOut,
		map[string]any{"stepId": timer.StepID, "signalId": slot.SignalID})
	p.exec.Dispatch(ctx, timer.ExecutionID)
	return nil
}

// handleScheduled validates the fire against the schedule row, creates the
// execution, then advances the schedule. Missing, paused or superseded
// (nextRun mismatch) schedules make the timer a stale no-op.
func (p *PollingManager) handleScheduled(ctx context.Context, timer *store.Timer) error {
	if timer.ScheduleID == "" {
		return nil
	}
	schedule, err := p.st.GetSchedule(ctx, timer.ScheduleID)
	if err != nil {
		return errors.Wrap(err, "failed to load schedule")
	}
	if schedule == nil || schedule.Status != store.ScheduleActive {
		return nil
	}
	if schedule.NextRun == nil || schedule.NextRun.UnixMilli() != timer.FireAt.UnixMilli() {
		// A pause/resume or pattern update armed a newer timer.
		return nil
	}

	now := p.now()
	execution := &store.Execution{
		ID:          shortuuid.New(),
		TaskID:      timer.TaskID,
		Input:       timer.Input,
		Status:      store.ExecutionPending,
		Attempt:     1,
		MaxAttempts: p.opts.MaxAttempts,
		Timeout:     p.opts.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.st.SaveExecution(ctx, execution); err != nil {
		return errors.Wrap(err, "failed to persist scheduled execution")
	}
	p.auditForExecution(ctx, execution.ID, store.AuditExecutionStatusChanged,
		map[string]any{"status": string(store.ExecutionPending), "taskId": timer.TaskID, "scheduleId": schedule.ID})
	p.metrics.ScheduleFired()
	p.exec.kickoffWithFailsafe(ctx, execution.ID)
	return p.schedules.Advance(ctx, schedule, now)
}

func (p *PollingManager) auditForExecution(ctx context.Context, executionID string, kind store.AuditKind, fields map[string]any) {
	attempt := 0
	if execution, err := p.st.GetExecution(ctx, executionID); err == nil && execution != nil {
		attempt = execution.Attempt
	}
	p.audit.log(executionID, attempt, kind, fields)
}
