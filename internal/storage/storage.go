// Package storage provides the relational store backing the gateway:
// backend instances, the normalized warehouse tables, idempotency records,
// and the append-only audit log.
//
// Tenant isolation is enforced by row scoping: every query carries a
// tenant_id predicate. The unique index on idempotency_keys
// (tenant_id, operation, key) is the sole cross-task coordination primitive.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/unitrack/unitrack/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert loses a unique-constraint race.
var ErrDuplicate = errors.New("duplicate key")

// ErrAmbiguousInstance is returned when a tenant has more than one active
// instance and the caller did not name one.
var ErrAmbiguousInstance = errors.New("multiple active instances")

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

// Idempotency record statuses. A record in a terminal status (completed or
// failed) is never mutated afterwards.
const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is one row of the idempotency_keys table.
type IdempotencyRecord struct {
	TenantID  string            `db:"tenant_id" json:"tenant_id"`
	Operation string            `db:"operation" json:"operation"`
	Key       string            `db:"key" json:"key"`
	Status    IdempotencyStatus `db:"status" json:"status"`
	Result    json.RawMessage   `db:"result" json:"result,omitempty"`
	Error     json.RawMessage   `db:"error" json:"error,omitempty"`
	RequestID string            `db:"request_id" json:"request_id"`
	ExpiresAt time.Time         `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// Expired reports whether the record's TTL has passed at the given instant.
// A record at exactly expires_at is expired.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AuditRecord is one row of the append-only audit_logs table.
type AuditRecord struct {
	ID           string          `db:"id" json:"id"`
	TenantID     string          `db:"tenant_id" json:"tenant_id"`
	UserID       *string         `db:"user_id" json:"user_id,omitempty"`
	Action       string          `db:"action" json:"action"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Changes      json.RawMessage `db:"changes" json:"changes,omitempty"`
	RequestID    string          `db:"request_id" json:"request_id,omitempty"`
	IP           string          `db:"ip" json:"ip,omitempty"`
	UserAgent    string          `db:"user_agent" json:"user_agent,omitempty"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Store is the persistence interface the gateway components depend on.
// *Postgres implements it; tests substitute mocks.
type Store interface {
	// Backend instances
	GetInstance(ctx context.Context, tenantID, instanceID string) (*model.BackendInstance, error)
	GetActiveInstance(ctx context.Context, tenantID string) (*model.BackendInstance, error)
	TouchInstanceSync(ctx context.Context, tenantID, instanceID string, at time.Time) error

	// Normalized warehouse
	UpsertWorkItem(ctx context.Context, item *model.WorkItem) error
	GetWorkItem(ctx context.Context, tenantID, instanceID, sourceID string) (*model.WorkItem, error)
	UpsertComment(ctx context.Context, tenantID string, c *model.Comment) error
	InsertTransition(ctx context.Context, tenantID string, tr *model.Transition) error

	// Idempotency
	GetIdempotencyRecord(ctx context.Context, tenantID, operation, key string) (*IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)

	// Audit
	InsertAuditRecord(ctx context.Context, rec *AuditRecord) error
	ListAuditRecords(ctx context.Context, tenantID, resourceType, resourceID string, limit int) ([]*AuditRecord, error)

	// WithTx runs fn against a transaction-scoped store. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// RowQuerier executes a whitelisted named-parameter query and returns the
// rows as generic maps. The SQL template engine depends on this narrow
// interface rather than on the full Store.
type RowQuerier interface {
	QueryRows(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error)
}
