package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/durable/engine/metrics"
	"github.com/hrygo/durable/store"
)

// maxScannedSignalSlots bounds the index scan used when the store cannot
// enumerate step rows.
const maxScannedSignalSlots = 1000

// SignalHandler delivers external signal payloads to the correct waiting
// slot of an execution.
type SignalHandler struct {
	st      *store.Store
	exec    *ExecutionManager
	audit   *auditLogger
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newSignalHandler(st *store.Store, exec *ExecutionManager, audit *auditLogger, opts Options) *SignalHandler {
	return &SignalHandler{
		st:      st,
		exec:    exec,
		audit:   audit,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

type signalSlot struct {
	stepID string
	state  *store.SlotState
}

// Signal writes the payload into the best waiting slot for the signal id, or
// buffers it into the first never-used slot so repeated signals keep FIFO
// order. Active executions are then resumed.
func (h *SignalHandler) Signal(ctx context.Context, executionID string, sig SignalDef, payload any) error {
	if sig.ID == "" {
		return errors.New("signal id must not be empty")
	}
	execution, err := h.st.GetExecution(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to load execution")
	}
	if execution == nil {
		return &Error{Code: CodeExecutionNotFound, Message: fmt.Sprintf("execution %s not found", executionID), ExecutionID: executionID}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal signal payload")
	}

	if h.st.SupportsLocks() {
		resource := "signal:" + executionID + ":" + sig.ID
		lockID := shortuuid.New()
		acquired, lockErr := h.exec.acquireLockWithRetries(ctx, resource, lockID, DefaultExecutionLockTTL)
		if lockErr != nil {
			return errors.Wrap(lockErr, "failed to acquire signal lock")
		}
		if acquired {
			defer func() {
				if err := h.st.ReleaseLock(ctx, resource, lockID); err != nil {
					h.logger.Warn("failed to release signal lock", "resource", resource, "error", err)
				}
			}()
		}
	}

	delivered, err := h.deliver(ctx, executionID, sig.ID, raw)
	if err != nil {
		return err
	}

	h.audit.log(executionID, execution.Attempt, store.AuditSignalDelivered,
		map[string]any{"signalId": sig.ID, "stepId": delivered})
	h.metrics.SignalDelivered()

	if !execution.Status.Terminal() {
		h.exec.Dispatch(ctx, executionID)
	}
	return nil
}

func (h *SignalHandler) deliver(ctx context.Context, executionID, signalID string, payload json.RawMessage) (string, error) {
	target, err := h.findWaitingSlot(ctx, executionID, signalID)
	if err != nil {
		return "", err
	}
	if target != nil {
		if target.state.TimerID != "" {
			if err := h.st.DeleteTimer(ctx, target.state.TimerID); err != nil {
				h.logger.Warn("failed to delete signal timeout timer", "timer_id", target.state.TimerID, "error", err)
			}
		}
		return target.stepID, h.writeCompleted(ctx, executionID, target.stepID, signalID, payload)
	}
	// No waiter: buffer into the first never-used slot so the next
	// WaitForSignal occurrence finds the payload already there.
	free, err := h.findFreeSlot(ctx, executionID, signalID)
	if err != nil {
		return "", err
	}
	return free, h.writeCompleted(ctx, executionID, free, signalID, payload)
}

func (h *SignalHandler) writeCompleted(ctx context.Context, executionID, stepID, signalID string, payload json.RawMessage) error {
	return errors.Wrapf(h.st.SaveStepResult(ctx, &store.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result: store.MustMarshal(store.SlotState{
			State:    store.SlotCompleted,
			SignalID: signalID,
			Payload:  payload,
		}),
	}), "failed to write signal slot %s", stepID)
}

// findWaitingSlot returns the best waiting slot per the fairness order:
// exact base id, then numeric indexed slots ascending, then other custom
// step ids lexicographically.
func (h *SignalHandler) findWaitingSlot(ctx context.Context, executionID, signalID string) (*signalSlot, error) {
	if h.st.SupportsStepListing() {
		rows, err := h.st.ListStepResults(ctx, executionID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list step results")
		}
		var waiting []*signalSlot
		for _, row := range rows {
			if !strings.HasPrefix(row.StepID, signalSlotPrefix) {
				continue
			}
			state, err := store.DecodeSlotState(row.Result)
			if err != nil {
				return nil, &Error{Code: CodeStoreShape, Message: fmt.Sprintf("signal slot %s: %v", row.StepID, err), ExecutionID: executionID}
			}
			if state.SignalID != signalID || state.State != store.SlotWaiting {
				continue
			}
			waiting = append(waiting, &signalSlot{stepID: row.StepID, state: state})
		}
		if len(waiting) == 0 {
			return nil, nil
		}
		sort.Slice(waiting, func(i, j int) bool {
			return slotLess(waiting[i].stepID, waiting[j].stepID, signalID)
		})
		return waiting[0], nil
	}

	// Fallback: scan indexed slots in fairness order directly.
	for n := 0; n < maxScannedSignalSlots; n++ {
		stepID := indexedSlotID(signalID, n)
		row, err := h.st.GetStepResult(ctx, executionID, stepID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read signal slot %s", stepID)
		}
		if row == nil {
			return nil, nil
		}
		state, err := store.DecodeSlotState(row.Result)
		if err != nil {
			return nil, &Error{Code: CodeStoreShape, Message: fmt.Sprintf("signal slot %s: %v", stepID, err), ExecutionID: executionID}
		}
		if state.SignalID == signalID && state.State == store.SlotWaiting {
			return &signalSlot{stepID: stepID, state: state}, nil
		}
	}
	return nil, nil
}

// findFreeSlot returns the first indexed slot with no row.
func (h *SignalHandler) findFreeSlot(ctx context.Context, executionID, signalID string) (string, error) {
	for n := 0; n < maxScannedSignalSlots; n++ {
		stepID := indexedSlotID(signalID, n)
		row, err := h.st.GetStepResult(ctx, executionID, stepID)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read signal slot %s", stepID)
		}
		if row == nil {
			return stepID, nil
		}
	}
	return "", errors.Errorf("no free slot for signal %s within %d indices", signalID, maxScannedSignalSlots)
}

func indexedSlotID(signalID string, n int) string {
	if n == 0 {
		return signalSlotPrefix + signalID
	}
	return signalSlotPrefix + signalID + ":" + strconv.Itoa(n)
}

// slotLess orders slots by fairness group, then within the group.
func slotLess(a, b, signalID string) bool {
	ga, ka := slotRank(a, signalID)
	gb, kb := slotRank(b, signalID)
	if ga != gb {
		return ga < gb
	}
	if ga == 1 {
		na, _ := strconv.Atoi(ka)
		nb, _ := strconv.Atoi(kb)
		return na < nb
	}
	return ka < kb
}

// slotRank classifies a slot id: group 0 is the exact base id, group 1 a
// numeric indexed slot (key = index), group 2 any other custom id (key =
// full id, compared lexicographically).
func slotRank(stepID, signalID string) (int, string) {
	base := signalSlotPrefix + signalID
	if stepID == base {
		return 0, ""
	}
	if rest, ok := strings.CutPrefix(stepID, base+":"); ok {
		if _, err := strconv.Atoi(rest); err == nil {
			return 1, rest
		}
	}
	return 2, stepID
}
