package storage

import (
	"context"
	"fmt"
)

// InsertAuditRecord appends one audit row. The table is append-only; there
// is no update or delete path in this package by design of the schema.
func (q queries) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO audit_logs (
			id, tenant_id, user_id, action, resource_type, resource_id,
			changes, request_id, ip, user_agent, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.TenantID, rec.UserID, rec.Action, rec.ResourceType, rec.ResourceID,
		[]byte(rec.Changes), rec.RequestID, rec.IP, rec.UserAgent, []byte(rec.Metadata), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns the most recent audit rows for a resource.
func (q queries) ListAuditRecords(ctx context.Context, tenantID, resourceType, resourceID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*AuditRecord
	err := sqlxSelect(ctx, q.ext, &recs, `
		SELECT id, tenant_id, user_id, action, resource_type, resource_id,
		       changes, request_id, ip, user_agent, metadata, created_at
		FROM audit_logs
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY created_at DESC
		LIMIT $4`,
		tenantID, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return recs, nil
}
