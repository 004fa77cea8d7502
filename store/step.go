package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// StepResult is the cached outcome of a durable step or an internal slot
// (sleep, signal, rollback). Keyed by (ExecutionID, StepID).
type StepResult struct {
	ExecutionID string
	StepID      string
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Slot states persisted inside internal step results.
const (
	SlotScheduled = "scheduled"
	SlotWaiting   = "waiting"
	SlotCompleted = "completed"
	SlotTimedOut  = "timed_out"
)

// SlotState is the persisted shape of a sleep or signal slot.
type SlotState struct {
	State       string          `json:"state"`
	SignalID    string          `json:"signalId,omitempty"`
	TimerID     string          `json:"timerId,omitempty"`
	TimeoutAtMs int64           `json:"timeoutAtMs,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DecodeSlotState parses a persisted slot, rejecting anything that is not a
// well-formed slot object with a known state discriminator.
func DecodeSlotState(raw json.RawMessage) (*SlotState, error) {
	var slot SlotState
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, errors.Wrap(err, "malformed slot state")
	}
	switch slot.State {
	case SlotScheduled, SlotWaiting, SlotCompleted, SlotTimedOut:
		return &slot, nil
	}
	return nil, errors.Errorf("unknown slot state %q", slot.State)
}

// MustMarshal encodes v, panicking on the kind of marshal failure that can
// only come from a programming error (channels, funcs, cycles).
func MustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(errors.Wrap(err, "marshal slot state"))
	}
	return raw
}

func (s *Store) GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error) {
	return s.driver.GetStepResult(ctx, executionID, stepID)
}

func (s *Store) SaveStepResult(ctx context.Context, result *StepResult) error {
	return s.driver.SaveStepResult(ctx, result)
}

func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error) {
	if s.stepList == nil {
		return nil, notSupported("listStepResults")
	}
	return s.stepList.ListStepResults(ctx, executionID)
}

func (s *Store) EditStepResult(ctx context.Context, executionID, stepID string, result json.RawMessage) error {
	if s.operator == nil {
		return notSupported("editStepResult")
	}
	return s.operator.EditStepResult(ctx, executionID, stepID, result)
}

func (s *Store) DeleteStepResult(ctx context.Context, executionID, stepID string) error {
	if s.operator == nil {
		return notSupported("deleteStepResult")
	}
	return s.operator.DeleteStepResult(ctx, executionID, stepID)
}
