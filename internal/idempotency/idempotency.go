// Package idempotency deduplicates write tools by client-supplied keys.
// Records are scoped to (tenant, operation, key): the same key under two
// operations or two tenants is two independent records. Once a record
// reaches a terminal status it is never mutated; expiry is handled by the
// sweeper, not by updates.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unitrack/unitrack/internal/storage"
)

// DefaultTTL is the record lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Store wraps the persistence layer with record lifecycle logic.
type Store struct {
	db  storage.Store
	ttl time.Duration

	now func() time.Time // test seam
}

// New creates a Store with the given TTL (DefaultTTL when zero).
func New(db storage.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Check returns the non-expired record under (tenant, operation, key), or
// nil when absent or expired. An expired record behaves as absent; the
// sweeper removes the row later.
func (s *Store) Check(ctx context.Context, tenantID, operation, key string) (*storage.IdempotencyRecord, error) {
	rec, err := s.db.GetIdempotencyRecord(ctx, tenantID, operation, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// Store persists a terminal record under the key. Exactly one of result or
// errPayload is set depending on status. Returns storage.ErrDuplicate when
// a concurrent writer won the unique-constraint race; callers then read the
// winner's record.
func (s *Store) Store(ctx context.Context, db storage.Store, tenantID, operation, key string,
	status storage.IdempotencyStatus, result, errPayload json.RawMessage, requestID string) (*storage.IdempotencyRecord, error) {

	now := s.now()
	rec := &storage.IdempotencyRecord{
		TenantID:  tenantID,
		Operation: operation,
		Key:       key,
		Status:    status,
		Result:    result,
		Error:     errPayload,
		RequestID: requestID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := db.InsertIdempotencyRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CheckAndStore is the atomic pre-check used by the dispatcher: it reports
// whether a live record already exists. The actual store happens after the
// adapter call via Store; holding a transaction across the adapter call is
// deliberately avoided.
func (s *Store) CheckAndStore(ctx context.Context, tenantID, operation, key string) (bool, *storage.IdempotencyRecord, error) {
	rec, err := s.Check(ctx, tenantID, operation, key)
	if err != nil {
		return false, nil, err
	}
	return rec != nil, rec, nil
}

// CleanupExpired removes records past their TTL and returns the count.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	return s.db.DeleteExpiredIdempotencyRecords(ctx, s.now())
}
