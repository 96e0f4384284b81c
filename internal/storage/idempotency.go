package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIdempotencyRecord returns the record under (tenant, operation, key)
// regardless of expiry; expiry filtering is the caller's concern because
// "expired but present" and "absent" behave identically.
func (q queries) GetIdempotencyRecord(ctx context.Context, tenantID, operation, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := sqlxGet(ctx, q.ext, &rec, `
		SELECT tenant_id, operation, key, status, result, error, request_id, expires_at, created_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND operation = $2 AND key = $3`,
		tenantID, operation, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

// InsertIdempotencyRecord persists a record. The unique index on
// (tenant_id, operation, key) arbitrates concurrent writers: the loser
// receives ErrDuplicate and must read the winner's row.
func (q queries) InsertIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO idempotency_keys (
			tenant_id, operation, key, status, result, error, request_id, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TenantID, rec.Operation, rec.Key, rec.Status,
		[]byte(rec.Result), []byte(rec.Error), rec.RequestID, rec.ExpiresAt, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyRecords garbage-collects records past their TTL
// and returns the number removed.
func (q queries) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`DELETE FROM idempotency_keys WHERE expires_at <= ?`), now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
