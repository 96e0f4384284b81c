// Package audit writes the append-only mutation trail. Every write tool
// that reaches its backend produces exactly one record, persisted in the
// same transaction as the warehouse write so the trail cannot drift from
// the data. Payloads pass through redaction before they are stored.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/redact"
	"github.com/unitrack/unitrack/internal/storage"
)

// Actions recorded by the dispatcher.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
	ActionTransition = "transition"
	ActionComment    = "comment"
	ActionLink       = "link"
)

// Entry is the caller-facing shape of one audit event. The writer fills
// in identity, redaction, and timestamps.
type Entry struct {
	Action       string
	ResourceType string
	ResourceID   string
	Before       map[string]interface{}
	After        map[string]interface{}
	IP           string
	UserAgent    string
	Metadata     map[string]interface{}
}

// Writer persists audit records. It is safe for concurrent use.
type Writer struct {
	now func() time.Time // test seam
}

// NewWriter creates a Writer.
func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// Log persists one record via the given store, which may be transaction
// scoped. Tenant, user, and request identity come from the context.
func (w *Writer) Log(ctx context.Context, db storage.Store, e Entry) error {
	tenantID := observe.TenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("audit: no tenant in context")
	}

	changes, err := marshalChanges(e.Before, e.After)
	if err != nil {
		return fmt.Errorf("audit: encode changes: %w", err)
	}

	var metadata json.RawMessage
	if len(e.Metadata) > 0 {
		metadata, err = json.Marshal(redact.Map(e.Metadata))
		if err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
	}

	rec := &storage.AuditRecord{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Changes:      changes,
		RequestID:    observe.RequestID(ctx),
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		Metadata:     metadata,
		CreatedAt:    w.now(),
	}
	if userID := observe.UserID(ctx); userID != "" {
		rec.UserID = &userID
	}
	return db.InsertAuditRecord(ctx, rec)
}

// LogCreate records a creation: no before image, the created payload as
// the after image.
func (w *Writer) LogCreate(ctx context.Context, db storage.Store, resourceType, resourceID string, after map[string]interface{}) error {
	return w.Log(ctx, db, Entry{
		Action:       ActionCreate,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		After:        after,
	})
}

// LogUpdate records a mutation with both images.
func (w *Writer) LogUpdate(ctx context.Context, db storage.Store, resourceType, resourceID string, before, after map[string]interface{}) error {
	return w.Log(ctx, db, Entry{
		Action:       ActionUpdate,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
	})
}

// LogDelete records a deletion: the removed payload as the before image.
func (w *Writer) LogDelete(ctx context.Context, db storage.Store, resourceType, resourceID string, before map[string]interface{}) error {
	return w.Log(ctx, db, Entry{
		Action:       ActionDelete,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
	})
}

// marshalChanges builds the {before, after} document, redacting sensitive
// keys in both images. Absent images are omitted.
func marshalChanges(before, after map[string]interface{}) (json.RawMessage, error) {
	if before == nil && after == nil {
		return nil, nil
	}
	doc := make(map[string]interface{}, 2)
	if before != nil {
		doc["before"] = redact.Map(before)
	}
	if after != nil {
		doc["after"] = redact.Map(after)
	}
	return json.Marshal(doc)
}
