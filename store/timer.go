package store

import (
	"context"
	"encoding/json"
	"time"
)

// TimerType drives poller dispatch.
type TimerType string

const (
	TimerSleep         TimerType = "sleep"
	TimerRetry         TimerType = "retry"
	TimerScheduled     TimerType = "scheduled"
	TimerSignalTimeout TimerType = "signal_timeout"
)

// TimerStatus tracks whether a timer is still awaiting its fire time.
type TimerStatus string

const (
	TimerPending TimerStatus = "pending"
	TimerFired   TimerStatus = "fired"
)

// Timer is a deferred action row. At most one pending row may exist per ID.
type Timer struct {
	ID     string
	Type   TimerType
	FireAt time.Time
	Status TimerStatus

	// Populated depending on Type.
	ExecutionID string
	StepID      string
	TaskID      string
	Input       json.RawMessage
	ScheduleID  string

	CreatedAt time.Time
}

func (s *Store) CreateTimer(ctx context.Context, timer *Timer) error {
	return s.driver.CreateTimer(ctx, timer)
}

// GetReadyTimers returns pending timers with FireAt <= now.
func (s *Store) GetReadyTimers(ctx context.Context, now time.Time) ([]*Timer, error) {
	return s.driver.GetReadyTimers(ctx, now)
}

func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	return s.driver.MarkTimerFired(ctx, id)
}

func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	return s.driver.DeleteTimer(ctx, id)
}

// ClaimTimer leases a timer for a worker so two pollers cannot handle it
// simultaneously. Returns false when another worker holds the lease.
func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	if s.claims == nil {
		return false, notSupported("claimTimer")
	}
	return s.claims.ClaimTimer(ctx, id, workerID, ttl)
}

// SupportsTimerClaims reports whether the driver can lease timers.
func (s *Store) SupportsTimerClaims() bool { return s.claims != nil }
