package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/redact"
	"github.com/unitrack/unitrack/internal/storage"
)

type captureStore struct {
	storage.Store
	records []*storage.AuditRecord
}

func (c *captureStore) InsertAuditRecord(_ context.Context, rec *storage.AuditRecord) error {
	c.records = append(c.records, rec)
	return nil
}

func testCtx() context.Context {
	ctx := observe.WithTenantID(context.Background(), "t1")
	ctx = observe.WithUserID(ctx, "u1")
	return observe.WithRequestID(ctx, "req-1")
}

func TestLogFillsIdentityFromContext(t *testing.T) {
	db := &captureStore{}
	w := NewWriter()

	err := w.LogCreate(testCtx(), db, "work_item", "PROJ-1",
		map[string]interface{}{"title": "fix login"})
	require.NoError(t, err)
	require.Len(t, db.records, 1)

	rec := db.records[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "t1", rec.TenantID)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "u1", *rec.UserID)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, ActionCreate, rec.Action)
	assert.Equal(t, "work_item", rec.ResourceType)
	assert.Equal(t, "PROJ-1", rec.ResourceID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestLogRequiresTenant(t *testing.T) {
	w := NewWriter()
	err := w.Log(context.Background(), &captureStore{}, Entry{Action: ActionCreate})
	assert.Error(t, err)
}

func TestChangesCarryBothImages(t *testing.T) {
	db := &captureStore{}
	w := NewWriter()

	err := w.LogUpdate(testCtx(), db, "work_item", "PROJ-1",
		map[string]interface{}{"status": "todo"},
		map[string]interface{}{"status": "in_progress"})
	require.NoError(t, err)

	var changes map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(db.records[0].Changes, &changes))
	assert.Equal(t, "todo", changes["before"]["status"])
	assert.Equal(t, "in_progress", changes["after"]["status"])
}

func TestSensitiveKeysRedactedBeforePersistence(t *testing.T) {
	db := &captureStore{}
	w := NewWriter()

	err := w.Log(testCtx(), db, Entry{
		Action:       ActionUpdate,
		ResourceType: "instance",
		ResourceID:   "i1",
		After: map[string]interface{}{
			"name": "prod jira",
			"credentials": map[string]interface{}{
				"api_token": "secret-value",
			},
			"token": "abc123",
		},
		Metadata: map[string]interface{}{"password": "hunter2", "note": "rotated"},
	})
	require.NoError(t, err)

	raw := string(db.records[0].Changes) + string(db.records[0].Metadata)
	assert.NotContains(t, raw, "secret-value")
	assert.NotContains(t, raw, "abc123")
	assert.NotContains(t, raw, "hunter2")
	assert.Contains(t, raw, redact.Placeholder)
	assert.Contains(t, raw, "rotated")
}

func TestDeleteCarriesBeforeImageOnly(t *testing.T) {
	db := &captureStore{}
	w := NewWriter()

	err := w.LogDelete(testCtx(), db, "work_item", "PROJ-9",
		map[string]interface{}{"title": "obsolete"})
	require.NoError(t, err)

	var changes map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(db.records[0].Changes, &changes))
	assert.Contains(t, changes, "before")
	assert.NotContains(t, changes, "after")
}

func TestTimestampUsesWriterClock(t *testing.T) {
	db := &captureStore{}
	w := NewWriter()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	require.NoError(t, w.LogCreate(testCtx(), db, "work_item", "PROJ-1", nil))
	assert.Equal(t, fixed, db.records[0].CreatedAt)
}
