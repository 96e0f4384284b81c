package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unitrack/unitrack/internal/model"
)

const instanceColumns = `id, tenant_id, kind, base_url, auth_kind, credential_blob, active, last_sync_at, rate_limit`

// GetInstance returns the instance identified by (tenant, id).
func (q queries) GetInstance(ctx context.Context, tenantID, instanceID string) (*model.BackendInstance, error) {
	var inst model.BackendInstance
	err := sqlxGet(ctx, q.ext, &inst,
		`SELECT `+instanceColumns+` FROM backend_instances WHERE tenant_id = $1 AND id = $2`,
		tenantID, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	return &inst, nil
}

// GetActiveInstance returns the single active instance for the tenant.
// Returns ErrNotFound when none exists and ErrAmbiguousInstance when the
// tenant has more than one and the caller must name one explicitly.
func (q queries) GetActiveInstance(ctx context.Context, tenantID string) (*model.BackendInstance, error) {
	var instances []model.BackendInstance
	err := sqlxSelect(ctx, q.ext, &instances,
		`SELECT `+instanceColumns+` FROM backend_instances WHERE tenant_id = $1 AND active = true LIMIT 2`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("get active instance: %w", err)
	}
	switch len(instances) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &instances[0], nil
	default:
		return nil, ErrAmbiguousInstance
	}
}

// TouchInstanceSync records the last successful upstream interaction.
func (q queries) TouchInstanceSync(ctx context.Context, tenantID, instanceID string, at time.Time) error {
	_, err := q.ext.ExecContext(ctx,
		q.ext.Rebind(`UPDATE backend_instances SET last_sync_at = ? WHERE tenant_id = ? AND id = ?`),
		at, tenantID, instanceID)
	if err != nil {
		return fmt.Errorf("touch instance %s: %w", instanceID, err)
	}
	return nil
}
