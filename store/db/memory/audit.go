package memory

import (
	"context"

	"github.com/hrygo/durable/store"
)

func (d *DB) AppendAuditEntry(_ context.Context, entry *store.AuditEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dup := *entry
	d.audits[entry.ExecutionID] = append(d.audits[entry.ExecutionID], &dup)
	return nil
}

func (d *DB) ListAuditEntries(_ context.Context, executionID string) ([]*store.AuditEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.audits[executionID]
	list := make([]*store.AuditEntry, 0, len(entries))
	for _, entry := range entries {
		dup := *entry
		list = append(list, &dup)
	}
	return list, nil
}
