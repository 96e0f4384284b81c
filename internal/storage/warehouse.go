package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unitrack/unitrack/internal/model"
)

// UpsertWorkItem inserts or refreshes a normalized work item. Conflict
// target is the (instance_id, source_id) natural key.
func (q queries) UpsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("upsert work item: %w", err)
	}
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO normalized_work_items (
			source_id, source_key, source_kind, tenant_id, instance_id,
			title, description, status, priority, item_type,
			parent_id, project_id, assignee_id, reporter_id,
			created_at, updated_at, closed_at, url, raw_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, source_id) DO UPDATE SET
			source_key = EXCLUDED.source_key,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			item_type = EXCLUDED.item_type,
			parent_id = EXCLUDED.parent_id,
			project_id = EXCLUDED.project_id,
			assignee_id = EXCLUDED.assignee_id,
			reporter_id = EXCLUDED.reporter_id,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at,
			url = EXCLUDED.url,
			raw_payload = EXCLUDED.raw_payload`),
		item.SourceID, item.SourceKey, item.SourceKind, item.TenantID, item.InstanceID,
		item.Title, item.Description, item.Status, item.Priority, item.Type,
		item.ParentID, item.ProjectID, item.AssigneeID, item.ReporterID,
		item.CreatedAt, item.UpdatedAt, item.ClosedAt, item.URL, []byte(item.RawPayload))
	if err != nil {
		return fmt.Errorf("upsert work item %s: %w", item.SourceID, err)
	}
	return nil
}

// GetWorkItem returns a warehouse row by (tenant, instance, source id).
func (q queries) GetWorkItem(ctx context.Context, tenantID, instanceID, sourceID string) (*model.WorkItem, error) {
	var item model.WorkItem
	err := sqlxGet(ctx, q.ext, &item, `
		SELECT source_id, source_key, source_kind, tenant_id, instance_id,
		       title, description, status, priority, item_type,
		       parent_id, project_id, assignee_id, reporter_id,
		       created_at, updated_at, closed_at, url, raw_payload
		FROM normalized_work_items
		WHERE tenant_id = $1 AND instance_id = $2 AND source_id = $3`,
		tenantID, instanceID, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item %s: %w", sourceID, err)
	}
	return &item, nil
}

// UpsertComment inserts or refreshes a normalized comment.
func (q queries) UpsertComment(ctx context.Context, tenantID string, c *model.Comment) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO normalized_comments (
			source_id, work_item_id, tenant_id, author_id, body,
			created_at, updated_at, raw_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (work_item_id, source_id) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at,
			raw_payload = EXCLUDED.raw_payload`),
		c.SourceID, c.WorkItemID, tenantID, c.AuthorID, c.Body,
		c.CreatedAt, c.UpdatedAt, []byte(c.RawPayload))
	if err != nil {
		return fmt.Errorf("upsert comment %s: %w", c.SourceID, err)
	}
	return nil
}

// InsertTransition appends a status transition to the warehouse.
func (q queries) InsertTransition(ctx context.Context, tenantID string, tr *model.Transition) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO normalized_transitions (
			work_item_id, tenant_id, from_status, to_status, actor_id,
			occurred_at, raw_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		tr.WorkItemID, tenantID, tr.FromStatus, tr.ToStatus, tr.ActorID,
		tr.Timestamp, []byte(tr.RawPayload))
	if err != nil {
		return fmt.Errorf("insert transition for %s: %w", tr.WorkItemID, err)
	}
	return nil
}
