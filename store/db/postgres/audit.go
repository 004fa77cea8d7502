package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

func (d *DB) AppendAuditEntry(ctx context.Context, entry *store.AuditEntry) error {
	var fields any
	if len(entry.Fields) > 0 {
		raw, err := json.Marshal(entry.Fields)
		if err != nil {
			return errors.Wrap(err, "failed to marshal audit fields")
		}
		fields = raw
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_audit_entry (id, execution_id, at, attempt, kind, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.ExecutionID, entry.At, entry.Attempt, string(entry.Kind), fields)
	return errors.Wrap(err, "failed to append audit entry")
}

func (d *DB) ListAuditEntries(ctx context.Context, executionID string) ([]*store.AuditEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, execution_id, at, attempt, kind, fields
		FROM durable_audit_entry
		WHERE execution_id = $1
		ORDER BY id
	`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()
	var list []*store.AuditEntry
	for rows.Next() {
		var (
			entry  store.AuditEntry
			kind   string
			fields sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.At, &entry.Attempt, &kind, &fields); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entry.Kind = store.AuditKind(kind)
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &entry.Fields); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal audit fields")
			}
		}
		list = append(list, &entry)
	}
	return list, rows.Err()
}
