package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// AcquireLock takes the named lock unless a live row held by someone else
// exists. Expired rows are stolen in the same statement.
func (d *DB) AcquireLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_lock (resource, lock_id, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (resource) DO UPDATE SET
			lock_id = EXCLUDED.lock_id,
			expires_at = EXCLUDED.expires_at
		WHERE durable_lock.expires_at < NOW() OR durable_lock.lock_id = EXCLUDED.lock_id
	`, resource, lockID, ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read lock result")
	}
	return affected > 0, nil
}

// ReleaseLock compare-and-deletes on lockID.
func (d *DB) ReleaseLock(ctx context.Context, resource, lockID string) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM durable_lock WHERE resource = $1 AND lock_id = $2
	`, resource, lockID)
	return errors.Wrap(err, "failed to release lock")
}

func (d *DB) RenewLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE durable_lock
		SET expires_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE resource = $1 AND lock_id = $2 AND expires_at >= NOW()
	`, resource, lockID, ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrap(err, "failed to renew lock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read renew result")
	}
	return affected > 0, nil
}

// GetExecutionIDByIdempotencyKey returns "" when no mapping exists.
func (d *DB) GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	var executionID string
	err := d.db.QueryRowContext(ctx, `
		SELECT execution_id FROM durable_idempotency_key WHERE task_id = $1 AND key = $2
	`, taskID, key).Scan(&executionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errors.Wrap(err, "failed to get idempotency mapping")
	}
	return executionID, nil
}

// SetExecutionIDByIdempotencyKey claims the mapping; the unique key makes the
// insert a compare-and-set.
func (d *DB) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO durable_idempotency_key (task_id, key, execution_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id, key) DO NOTHING
	`, taskID, key, executionID)
	if err != nil {
		return false, errors.Wrap(err, "failed to set idempotency mapping")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read idempotency result")
	}
	return affected > 0, nil
}
