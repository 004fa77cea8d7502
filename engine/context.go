package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/durable/bus"
	"github.com/hrygo/durable/store"
)

// Reserved step-id prefixes. User steps must avoid them.
const (
	sleepSlotPrefix  = "__sleep:"
	signalSlotPrefix = "__signal:"
	emitSlotPrefix   = "__emit:"
	rollbackPrefix   = "rollback:"
	internalPrefix   = "__"
)

// SignalDef names an external signal.
type SignalDef struct {
	ID string
}

// EventDef names a workflow-emitted event.
type EventDef struct {
	ID string
}

// StepFunc is the effect of a durable step. It runs at most once per
// successful persist; on replay the cached result is returned instead.
type StepFunc func(ctx context.Context) (any, error)

// CompensationFunc undoes a completed step. It receives the step's persisted
// result and runs as an internal durable step "rollback:<stepId>", so
// rollbacks replay idempotently across retries.
type CompensationFunc func(ctx context.Context, result json.RawMessage) error

// StepOptions tunes one durable step. Nil means defaults.
type StepOptions struct {
	// Timeout races the step function against a wall clock.
	Timeout time.Duration
	// Retries re-runs a failing step function with exponential backoff
	// (100ms * 2^attempt) before giving up.
	Retries int
	// Down registers a compensation for the step.
	Down CompensationFunc
}

// SleepOptions names the sleep slot explicitly.
type SleepOptions struct {
	StepID string
}

// SignalOptions tunes a signal wait. Nil means wait forever on the next
// implicit slot.
type SignalOptions struct {
	// Timeout arms a signal_timeout timer; on expiry the wait resolves with
	// SignalKindTimeout instead of an error.
	Timeout time.Duration
	// StepID pins the slot name instead of the per-signal counter.
	StepID string
}

// EmitOptions names the emit slot explicitly.
type EmitOptions struct {
	StepID string
}

// SignalResultKind discriminates a signal wait outcome.
type SignalResultKind string

const (
	SignalKindDelivered SignalResultKind = "signal"
	SignalKindTimeout   SignalResultKind = "timeout"
)

// SignalResult is the outcome of WaitForSignal.
type SignalResult struct {
	Kind    SignalResultKind
	Payload json.RawMessage
}

// Branch is one arm of a durable switch. Matchers are evaluated in
// declaration order on first run only.
type Branch struct {
	ID    string
	Match func(value any) bool
	Run   StepFunc
}

type compensation struct {
	stepID string
	down   CompensationFunc
	result json.RawMessage
}

// Context is the replay engine workflow code runs against. It lives for one
// attempt; all durable state goes through the store, and nothing held in
// workflow variables survives a suspension unless written via a step.
type Context struct {
	executionID string
	attempt     int
	st          *store.Store
	eventBus    bus.EventBus
	audit       *auditLogger
	logger      *slog.Logger
	policy      DeterminismPolicy
	now         func() time.Time

	mu            sync.Mutex
	usedStepIDs   map[string]struct{}
	sleepSeq      int
	emitSeq       int
	signalSeq     map[string]int
	compensations []compensation
}

func newContext(execution *store.Execution, st *store.Store, eventBus bus.EventBus, audit *auditLogger, opts Options) *Context {
	return &Context{
		executionID: execution.ID,
		attempt:     execution.Attempt,
		st:          st,
		eventBus:    eventBus,
		audit:       audit,
		logger:      opts.Logger,
		policy:      opts.Determinism,
		now:         opts.now,
		usedStepIDs: make(map[string]struct{}),
		signalSeq:   make(map[string]int),
	}
}

// ExecutionID returns the id of the execution this attempt belongs to.
func (c *Context) ExecutionID() string { return c.executionID }

// Attempt returns the 1-based attempt number.
func (c *Context) Attempt() int { return c.attempt }

// checkUserStepID rejects reserved prefixes on user-chosen ids.
func checkUserStepID(stepID string) error {
	if stepID == "" {
		return newError(CodeDeterminismViolation, "step id must not be empty")
	}
	if strings.HasPrefix(stepID, internalPrefix) || strings.HasPrefix(stepID, rollbackPrefix) {
		return newError(CodeDeterminismViolation, "step id %q uses a reserved prefix", stepID)
	}
	return nil
}

// markStepID enforces per-attempt uniqueness of step ids.
func (c *Context) markStepID(stepID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.usedStepIDs[stepID]; ok {
		return newError(CodeDeterminismViolation, "step id %q used twice in one attempt", stepID)
	}
	c.usedStepIDs[stepID] = struct{}{}
	return nil
}

// implicitID applies the determinism policy to an implicit internal id.
func (c *Context) implicitID(kind, stepID string) error {
	switch c.policy {
	case DeterminismAllow:
	case DeterminismError:
		return newError(CodeDeterminismViolation,
			"implicit %s step id %q under determinism policy \"error\"; pass an explicit step id", kind, stepID)
	default:
		c.logger.Warn("implicit internal step id; replay breaks if call order changes",
			"execution_id", c.executionID, "kind", kind, "step_id", stepID)
	}
	return nil
}

// Step runs (or replays) a durable step. On a cache hit the step function is
// skipped and the persisted result returned; either way a compensation, when
// configured, is pushed so rollback order matches registration order.
func (c *Context) Step(ctx context.Context, stepID string, up StepFunc, opts *StepOptions) (json.RawMessage, error) {
	if err := checkUserStepID(stepID); err != nil {
		return nil, err
	}
	if err := c.markStepID(stepID); err != nil {
		return nil, err
	}
	cached, err := c.st.GetStepResult(ctx, c.executionID, stepID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read step %s", stepID)
	}
	if cached != nil {
		c.pushCompensation(stepID, opts, cached.Result)
		return cached.Result, nil
	}

	value, err := c.runStep(ctx, stepID, up, opts)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal result of step %s", stepID)
	}
	if err := c.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: c.executionID,
		StepID:      stepID,
		Result:      raw,
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to persist step %s", stepID)
	}
	c.audit.log(c.executionID, c.attempt, store.AuditStepCompleted, map[string]any{"stepId": stepID})
	c.pushCompensation(stepID, opts, raw)
	return raw, nil
}

func (c *Context) pushCompensation(stepID string, opts *StepOptions, result json.RawMessage) {
	if opts == nil || opts.Down == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compensations = append(c.compensations, compensation{stepID: stepID, down: opts.Down, result: result})
}

func (c *Context) runStep(ctx context.Context, stepID string, up StepFunc, opts *StepOptions) (any, error) {
	var timeout time.Duration
	retries := 0
	if opts != nil {
		timeout = opts.Timeout
		retries = opts.Retries
	}
	if retries <= 0 {
		return runWithTimeout(ctx, timeout, stepID, up)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	var value any
	operation := func() error {
		v, err := runWithTimeout(ctx, timeout, stepID, up)
		if err != nil {
			return err
		}
		value = v
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	if err != nil {
		return nil, err
	}
	return value, nil
}

// runWithTimeout races the step function against a wall clock. On timeout the
// function keeps running on its goroutine; the attempt merely stops waiting,
// which is why step functions must be idempotent.
func runWithTimeout(ctx context.Context, timeout time.Duration, stepID string, up StepFunc) (any, error) {
	if timeout <= 0 {
		return up(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := up(stepCtx)
		done <- outcome{value: value, err: err}
	}()
	select {
	case o := <-done:
		return o.value, o.err
	case <-stepCtx.Done():
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Errorf("step %s timed out after %s", stepID, timeout)
		}
		return nil, stepCtx.Err()
	}
}

// Sleep suspends the attempt for at least d. The first encounter arms a sleep
// timer and unwinds; once the poller marks the slot completed, replays pass
// through instantly.
func (c *Context) Sleep(ctx context.Context, d time.Duration, opts *SleepOptions) error {
	slotID, err := c.sleepSlotID(opts)
	if err != nil {
		return err
	}
	if err := c.markStepID(slotID); err != nil {
		return err
	}
	cached, err := c.st.GetStepResult(ctx, c.executionID, slotID)
	if err != nil {
		return errors.Wrapf(err, "failed to read sleep slot %s", slotID)
	}
	if cached != nil {
		slot, err := store.DecodeSlotState(cached.Result)
		if err != nil {
			return &Error{Code: CodeStoreShape, Message: fmt.Sprintf("sleep slot %s: %v", slotID, err), ExecutionID: c.executionID}
		}
		switch slot.State {
		case store.SlotCompleted:
			return nil
		case store.SlotScheduled:
			return suspend("sleep:" + slotID)
		default:
			return &Error{Code: CodeStoreShape, Message: fmt.Sprintf("sleep slot %s has state %q", slotID, slot.State), ExecutionID: c.executionID}
		}
	}

	timerID := "sleep:" + c.executionID + ":" + slotID
	if err := c.st.CreateTimer(ctx, &store.Timer{
		ID:          timerID,
		Type:        store.TimerSleep,
		FireAt:      c.now().Add(d),
		ExecutionID: c.executionID,
		StepID:      slotID,
	}); err != nil {
		return errors.Wrapf(err, "failed to arm sleep timer for %s", slotID)
	}
	if err := c.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: c.executionID,
		StepID:      slotID,
		Result:      store.MustMarshal(store.SlotState{State: store.SlotScheduled, TimerID: timerID}),
	}); err != nil {
		return errors.Wrapf(err, "failed to persist sleep slot %s", slotID)
	}
	c.audit.log(c.executionID, c.attempt, store.AuditSleepScheduled,
		map[string]any{"stepId": slotID, "durationMs": d.Milliseconds()})
	return suspend("sleep:" + slotID)
}

func (c *Context) sleepSlotID(opts *SleepOptions) (string, error) {
	if opts != nil && opts.StepID != "" {
		if err := checkUserStepID(opts.StepID); err != nil {
			return "", err
		}
		return sleepSlotPrefix + opts.StepID, nil
	}
	c.mu.Lock()
	n := c.sleepSeq
	c.sleepSeq++
	c.mu.Unlock()
	slotID := sleepSlotPrefix + strconv.Itoa(n)
	if err := c.implicitID("sleep", slotID); err != nil {
		return "", err
	}
	return slotID, nil
}

// WaitForSignal blocks the workflow until an external signal payload arrives
// in this occurrence's slot, or the optional timeout fires. Each occurrence
// consumes exactly one slot; slots fill in arrival order.
func (c *Context) WaitForSignal(ctx context.Context, sig SignalDef, opts *SignalOptions) (*SignalResult, error) {
	slotID, err := c.signalSlotID(sig, opts)
	if err != nil {
		return nil, err
	}
	if err := c.markStepID(slotID); err != nil {
		return nil, err
	}
	var timeout time.Duration
	if opts != nil {
		timeout = opts.Timeout
	}
	cached, err := c.st.GetStepResult(ctx, c.executionID, slotID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read signal slot %s", slotID)
	}
	if cached != nil {
		slot, err := store.DecodeSlotState(cached.Result)
		if err != nil {
			return nil, &Error{Code: CodeStoreShape, Message: fmt.Sprintf("signal slot %s: %v", slotID, err), ExecutionID: c.executionID}
		}
		switch slot.State {
		case store.SlotWaiting:
			if timeout > 0 && slot.TimerID == "" {
				// The timeout was added after the slot was first persisted;
				// arm it now so the wait cannot hang forever.
				if err := c.armSignalTimeout(ctx, slotID, sig.ID, timeout); err != nil {
					return nil, err
				}
			}
			return nil, suspend("signal:" + slotID)
		case store.SlotCompleted:
			return &SignalResult{Kind: SignalKindDelivered, Payload: slot.Payload}, nil
		case store.SlotTimedOut:
			if timeout <= 0 {
				return nil, &Error{
					Code:        CodeSignalTimeout,
					Message:     fmt.Sprintf("signal %s timed out", sig.ID),
					ExecutionID: c.executionID,
					Attempt:     c.attempt,
				}
			}
			return &SignalResult{Kind: SignalKindTimeout}, nil
		default:
			return nil, &Error{Code: CodeStoreShape, Message: fmt.Sprintf("signal slot %s has state %q", slotID, slot.State), ExecutionID: c.executionID}
		}
	}

	state := store.SlotState{State: store.SlotWaiting, SignalID: sig.ID}
	if timeout > 0 {
		timerID := "sigto:" + c.executionID + ":" + slotID
		if err := c.st.CreateTimer(ctx, &store.Timer{
			ID:          timerID,
			Type:        store.TimerSignalTimeout,
			FireAt:      c.now().Add(timeout),
			ExecutionID: c.executionID,
			StepID:      slotID,
		}); err != nil {
			return nil, errors.Wrapf(err, "failed to arm signal timeout for %s", slotID)
		}
		state.TimerID = timerID
		state.TimeoutAtMs = c.now().Add(timeout).UnixMilli()
	}
	if err := c.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: c.executionID,
		StepID:      slotID,
		Result:      store.MustMarshal(state),
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to persist signal slot %s", slotID)
	}
	c.audit.log(c.executionID, c.attempt, store.AuditSignalWaiting,
		map[string]any{"stepId": slotID, "signalId": sig.ID})
	return nil, suspend("signal:" + slotID)
}

func (c *Context) armSignalTimeout(ctx context.Context, slotID, signalID string, timeout time.Duration) error {
	timerID := "sigto:" + c.executionID + ":" + slotID
	if err := c.st.CreateTimer(ctx, &store.Timer{
		ID:          timerID,
		Type:        store.TimerSignalTimeout,
		FireAt:      c.now().Add(timeout),
		ExecutionID: c.executionID,
		StepID:      slotID,
	}); err != nil {
		return errors.Wrapf(err, "failed to arm signal timeout for %s", slotID)
	}
	return errors.Wrapf(c.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: c.executionID,
		StepID:      slotID,
		Result: store.MustMarshal(store.SlotState{
			State:       store.SlotWaiting,
			SignalID:    signalID,
			TimerID:     timerID,
			TimeoutAtMs: c.now().Add(timeout).UnixMilli(),
		}),
	}), "failed to persist signal slot %s", slotID)
}

func (c *Context) signalSlotID(sig SignalDef, opts *SignalOptions) (string, error) {
	if sig.ID == "" {
		return "", newError(CodeDeterminismViolation, "signal id must not be empty")
	}
	if opts != nil && opts.StepID != "" {
		if err := checkUserStepID(opts.StepID); err != nil {
			return "", err
		}
		return signalSlotPrefix + opts.StepID, nil
	}
	c.mu.Lock()
	n := c.signalSeq[sig.ID]
	c.signalSeq[sig.ID]++
	c.mu.Unlock()
	slotID := signalSlotPrefix + sig.ID
	if n > 0 {
		slotID = slotID + ":" + strconv.Itoa(n)
	}
	if err := c.implicitID("signal", slotID); err != nil {
		return "", err
	}
	return slotID, nil
}

type switchOutcome struct {
	BranchID string          `json:"branchId"`
	Result   json.RawMessage `json:"result"`
}

// Switch evaluates matchers in declaration order on first run and persists
// which branch won together with its result; replays return the cached result
// without re-evaluating anything.
func (c *Context) Switch(ctx context.Context, stepID string, value any, branches []Branch, defaultBranch *Branch) (json.RawMessage, error) {
	if err := checkUserStepID(stepID); err != nil {
		return nil, err
	}
	if err := c.markStepID(stepID); err != nil {
		return nil, err
	}
	cached, err := c.st.GetStepResult(ctx, c.executionID, stepID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read switch %s", stepID)
	}
	if cached != nil {
		var outcome switchOutcome
		if err := json.Unmarshal(cached.Result, &outcome); err != nil {
			return nil, &Error{Code: CodeStoreShape, Message: fmt.Sprintf("switch %s: %v", stepID, err), ExecutionID: c.executionID}
		}
		return outcome.Result, nil
	}

	var chosen *Branch
	for i := range branches {
		if branches[i].Match != nil && branches[i].Match(value) {
			chosen = &branches[i]
			break
		}
	}
	if chosen == nil {
		chosen = defaultBranch
	}

	branchID := ""
	var raw json.RawMessage = []byte("null")
	if chosen != nil {
		branchID = chosen.ID
		result, err := chosen.Run(ctx)
		if err != nil {
			return nil, err
		}
		raw, err = json.Marshal(result)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal switch %s result", stepID)
		}
	}
	if err := c.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: c.executionID,
		StepID:      stepID,
		Result:      store.MustMarshal(switchOutcome{BranchID: branchID, Result: raw}),
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to persist switch %s", stepID)
	}
	c.audit.log(c.executionID, c.attempt, store.AuditSwitchEvaluated,
		map[string]any{"stepId": stepID, "branchId": branchID})
	return raw, nil
}

// Emit publishes a workflow event exactly once per slot: replays of an
// already-persisted emit skip the publish.
func (c *Context) Emit(ctx context.Context, event EventDef, payload any, opts *EmitOptions) error {
	if event.ID == "" {
		return newError(CodeDeterminismViolation, "event id must not be empty")
	}
	slotID, err := c.emitSlotID(opts)
	if err != nil {
		return err
	}
	if err := c.markStepID(slotID); err != nil {
		return err
	}
	cached, err := c.st.GetStepResult(ctx, c.executionID, slotID)
	if err != nil {
		return errors.Wrapf(err, "failed to read emit slot %s", slotID)
	}
	if cached != nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal payload of event %s", event.ID)
	}
	if c.eventBus != nil {
		if err := c.eventBus.Publish(ctx, bus.EmitChannel(event.ID), &bus.Event{
			Type:      event.ID,
			Payload:   raw,
			Timestamp: c.now(),
		}); err != nil {
			return errors.Wrapf(err, "failed to publish event %s", event.ID)
		}
	}
	if err := c.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: c.executionID,
		StepID:      slotID,
		Result:      raw,
	}); err != nil {
		return errors.Wrapf(err, "failed to persist emit slot %s", slotID)
	}
	c.audit.log(c.executionID, c.attempt, store.AuditEmitPublished,
		map[string]any{"stepId": slotID, "eventId": event.ID})
	return nil
}

func (c *Context) emitSlotID(opts *EmitOptions) (string, error) {
	if opts != nil && opts.StepID != "" {
		if err := checkUserStepID(opts.StepID); err != nil {
			return "", err
		}
		return emitSlotPrefix + opts.StepID, nil
	}
	c.mu.Lock()
	n := c.emitSeq
	c.emitSeq++
	c.mu.Unlock()
	slotID := emitSlotPrefix + strconv.Itoa(n)
	if err := c.implicitID("emit", slotID); err != nil {
		return "", err
	}
	return slotID, nil
}

// Note records a free-form audit line. It writes no step row and has no
// replay effect; the line reaches the audit trail only when audit is on.
func (c *Context) Note(message string, meta map[string]any) {
	fields := map[string]any{"message": message}
	for k, v := range meta {
		fields[k] = v
	}
	c.audit.log(c.executionID, c.attempt, store.AuditNote, fields)
}

// rollback pops compensations in LIFO order, running each as an internal
// durable step so a retried rollback skips what already ran.
func (c *Context) rollback(ctx context.Context, original error) error {
	c.mu.Lock()
	comps := make([]compensation, len(c.compensations))
	copy(comps, c.compensations)
	c.mu.Unlock()
	for i := len(comps) - 1; i >= 0; i-- {
		comp := comps[i]
		slotID := rollbackPrefix + comp.stepID
		cached, err := c.st.GetStepResult(ctx, c.executionID, slotID)
		if err != nil {
			return &CompensationError{StepID: comp.stepID, Cause: err, Original: original}
		}
		if cached != nil {
			continue
		}
		if err := comp.down(ctx, comp.result); err != nil {
			return &CompensationError{StepID: comp.stepID, Cause: err, Original: original}
		}
		if err := c.st.SaveStepResult(ctx, &store.StepResult{
			ExecutionID: c.executionID,
			StepID:      slotID,
			Result:      []byte("null"),
		}); err != nil {
			return &CompensationError{StepID: comp.stepID, Cause: err, Original: original}
		}
		c.audit.log(c.executionID, c.attempt, store.AuditStepCompleted, map[string]any{"stepId": slotID})
	}
	return nil
}
