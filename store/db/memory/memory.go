// Package memory implements the full store contract in process memory.
// It backs the embedded mode, the default worker profile, and the test
// suites; every optional capability is supported.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hrygo/durable/store"
)

type lockRow struct {
	lockID    string
	expiresAt time.Time
}

type claimRow struct {
	workerID  string
	expiresAt time.Time
}

// DB is an in-memory store.Driver. All state is guarded by one mutex; the
// contract is coarse-grained enough that finer locking buys nothing.
type DB struct {
	mu sync.Mutex

	executions map[string]*store.Execution
	steps      map[string]map[string]*store.StepResult // executionID -> stepID -> row
	timers     map[string]*store.Timer
	schedules  map[string]*store.Schedule
	audits     map[string][]*store.AuditEntry // executionID -> entries in append order
	locks      map[string]lockRow
	claims     map[string]claimRow
	idemKeys   map[string]string // taskID + "\x00" + key -> executionID

	now func() time.Time
}

// NewDB creates an empty in-memory driver.
func NewDB() *DB {
	return &DB{
		executions: make(map[string]*store.Execution),
		steps:      make(map[string]map[string]*store.StepResult),
		timers:     make(map[string]*store.Timer),
		schedules:  make(map[string]*store.Schedule),
		audits:     make(map[string][]*store.AuditEntry),
		locks:      make(map[string]lockRow),
		claims:     make(map[string]claimRow),
		idemKeys:   make(map[string]string),
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock; tests use it to fire timers without waiting.
func (d *DB) SetNowFunc(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

var _ store.Driver = (*DB)(nil)
var _ store.AuditDriver = (*DB)(nil)
var _ store.LockDriver = (*DB)(nil)
var _ store.IdempotencyDriver = (*DB)(nil)
var _ store.TimerClaimDriver = (*DB)(nil)
var _ store.StepListDriver = (*DB)(nil)
var _ store.OperatorDriver = (*DB)(nil)

// AcquireLock grants the lock when free or expired, refusing live holders.
func (d *DB) AcquireLock(_ context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if row, ok := d.locks[resource]; ok && row.expiresAt.After(now) && row.lockID != lockID {
		return false, nil
	}
	d.locks[resource] = lockRow{lockID: lockID, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock compare-and-deletes on lockID so an expired holder cannot
// release a successor's lock.
func (d *DB) ReleaseLock(_ context.Context, resource, lockID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.locks[resource]; ok && row.lockID == lockID {
		delete(d.locks, resource)
	}
	return nil
}

func (d *DB) RenewLock(_ context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.locks[resource]
	if !ok || row.lockID != lockID || !row.expiresAt.After(d.now()) {
		return false, nil
	}
	row.expiresAt = d.now().Add(ttl)
	d.locks[resource] = row
	return true, nil
}

func idemKey(taskID, key string) string {
	return taskID + "\x00" + key
}

func (d *DB) GetExecutionIDByIdempotencyKey(_ context.Context, taskID, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idemKeys[idemKey(taskID, key)], nil
}

func (d *DB) SetExecutionIDByIdempotencyKey(_ context.Context, taskID, key, executionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := idemKey(taskID, key)
	if _, ok := d.idemKeys[k]; ok {
		return false, nil
	}
	d.idemKeys[k] = executionID
	return true, nil
}
