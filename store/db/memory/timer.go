package memory

import (
	"context"
	"sort"
	"time"

	"github.com/hrygo/durable/store"
)

func copyTimer(t *store.Timer) *store.Timer {
	dup := *t
	return &dup
}

// CreateTimer upserts by ID, preserving the at-most-one-pending invariant.
func (d *DB) CreateTimer(_ context.Context, timer *store.Timer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := copyTimer(timer)
	if row.Status == "" {
		row.Status = store.TimerPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = d.now()
	}
	d.timers[row.ID] = row
	return nil
}

func (d *DB) GetReadyTimers(_ context.Context, now time.Time) ([]*store.Timer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []*store.Timer
	for _, row := range d.timers {
		if row.Status == store.TimerPending && !row.FireAt.After(now) {
			list = append(list, copyTimer(row))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FireAt.Before(list[j].FireAt) })
	return list, nil
}

func (d *DB) MarkTimerFired(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.timers[id]; ok {
		row.Status = store.TimerFired
	}
	return nil
}

func (d *DB) DeleteTimer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.timers, id)
	delete(d.claims, id)
	return nil
}

// ClaimTimer leases the timer for workerID; a live lease held by another
// worker refuses the claim.
func (d *DB) ClaimTimer(_ context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.timers[id]; !ok {
		return false, nil
	}
	now := d.now()
	if row, ok := d.claims[id]; ok && row.expiresAt.After(now) && row.workerID != workerID {
		return false, nil
	}
	d.claims[id] = claimRow{workerID: workerID, expiresAt: now.Add(ttl)}
	return true, nil
}
