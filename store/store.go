package store

import (
	"context"
	"time"
)

// Store provides persistence access for the durable engine. It wraps a Driver
// and surfaces the optional capabilities the driver implements; every
// optional method degrades to an ErrNotSupported-wrapped error otherwise.
type Store struct {
	driver Driver

	// Optional capabilities, nil when the driver does not implement them.
	audit       AuditDriver
	locks       LockDriver
	idempotency IdempotencyDriver
	claims      TimerClaimDriver
	stepList    StepListDriver
	operator    OperatorDriver
}

// New creates a new instance of Store, probing the driver for its optional
// capability set once.
func New(driver Driver) *Store {
	s := &Store{driver: driver}
	s.audit, _ = driver.(AuditDriver)
	s.locks, _ = driver.(LockDriver)
	s.idempotency, _ = driver.(IdempotencyDriver)
	s.claims, _ = driver.(TimerClaimDriver)
	s.stepList, _ = driver.(StepListDriver)
	s.operator, _ = driver.(OperatorDriver)
	return s
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Init invokes the driver's lifecycle hook when present.
func (s *Store) Init(ctx context.Context) error {
	if lc, ok := s.driver.(Lifecycle); ok {
		return lc.Init(ctx)
	}
	return nil
}

// Dispose invokes the driver's lifecycle hook when present.
func (s *Store) Dispose(ctx context.Context) error {
	if lc, ok := s.driver.(Lifecycle); ok {
		return lc.Dispose(ctx)
	}
	return nil
}

// Capability predicates. The engine checks these before relying on optional
// behavior so unsupported configurations fail fast instead of mid-flight.

func (s *Store) SupportsLocks() bool       { return s.locks != nil }
func (s *Store) SupportsIdempotency() bool { return s.idempotency != nil }
func (s *Store) SupportsStepListing() bool { return s.stepList != nil }
func (s *Store) SupportsOperatorOps() bool { return s.operator != nil }

// AcquireLock returns (false, nil) when the lock is held elsewhere. Lock use
// is always optional; stores without locks run single-writer or advisory-free.
func (s *Store) AcquireLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	if s.locks == nil {
		return false, notSupported("acquireLock")
	}
	return s.locks.AcquireLock(ctx, resource, lockID, ttl)
}

func (s *Store) ReleaseLock(ctx context.Context, resource, lockID string) error {
	if s.locks == nil {
		return notSupported("releaseLock")
	}
	return s.locks.ReleaseLock(ctx, resource, lockID)
}

func (s *Store) RenewLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	if s.locks == nil {
		return false, notSupported("renewLock")
	}
	return s.locks.RenewLock(ctx, resource, lockID, ttl)
}

func (s *Store) GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	if s.idempotency == nil {
		return "", notSupported("getExecutionIdByIdempotencyKey")
	}
	return s.idempotency.GetExecutionIDByIdempotencyKey(ctx, taskID, key)
}

func (s *Store) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error) {
	if s.idempotency == nil {
		return false, notSupported("setExecutionIdByIdempotencyKey")
	}
	return s.idempotency.SetExecutionIDByIdempotencyKey(ctx, taskID, key, executionID)
}
