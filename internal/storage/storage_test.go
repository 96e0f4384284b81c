package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitrack/unitrack/internal/model"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func TestGetInstanceNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM backend_instances WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "i1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetInstance(context.Background(), "t1", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInstance(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "kind", "base_url", "auth_kind", "credential_blob", "active", "last_sync_at", "rate_limit",
	}).AddRow("i1", "t1", "jira", "https://acme.atlassian.net", "basic", []byte("blob"), true, nil, 100)

	mock.ExpectQuery(`SELECT .+ FROM backend_instances WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "i1").
		WillReturnRows(rows)

	inst, err := store.GetInstance(context.Background(), "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, model.BackendJira, inst.Kind)
	assert.Equal(t, 100, inst.RateLimit)
	assert.True(t, inst.Active)
}

func TestGetActiveInstanceAmbiguous(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "kind", "base_url", "auth_kind", "credential_blob", "active", "last_sync_at", "rate_limit",
	}).
		AddRow("i1", "t1", "jira", "u", "basic", []byte(""), true, nil, 100).
		AddRow("i2", "t1", "github", "u", "api-token", []byte(""), true, nil, 100)

	mock.ExpectQuery(`SELECT .+ FROM backend_instances WHERE tenant_id = \$1 AND active = true`).
		WithArgs("t1").
		WillReturnRows(rows)

	_, err := store.GetActiveInstance(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrAmbiguousInstance)
}

func TestInsertIdempotencyRecordDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnError(&pq.Error{Code: "23505"})

	rec := &IdempotencyRecord{
		TenantID: "t1", Operation: "create_work_item", Key: "k-1",
		Status: IdempotencyCompleted, Result: json.RawMessage(`{}`),
		ExpiresAt: time.Now().Add(24 * time.Hour), CreatedAt: time.Now(),
	}
	err := store.InsertIdempotencyRecord(context.Background(), rec)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDeleteExpiredIdempotencyRecords(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	count, err := store.DeleteExpiredIdempotencyRecords(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestIdempotencyRecordExpiredBoundary(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &IdempotencyRecord{ExpiresAt: at}

	// One microsecond before expiry the record is live.
	assert.False(t, rec.Expired(at.Add(-time.Microsecond)))
	// At exactly expires_at the record is gone.
	assert.True(t, rec.Expired(at))
	assert.True(t, rec.Expired(at.Add(time.Second)))
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx Store) error {
		return tx.InsertAuditRecord(ctx, &AuditRecord{
			ID: "a1", TenantID: "t1", Action: "create",
			ResourceType: "work_item", ResourceID: "PROJ-1",
			CreatedAt: time.Now(),
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("adapter exploded")
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Store) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWorkItemValidates(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.UpsertWorkItem(context.Background(), &model.WorkItem{})
	assert.Error(t, err)
}

func TestQueryRowsConvertsBytes(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"source_key", "title"}).
		AddRow([]byte("PROJ-1"), []byte("hello"))
	mock.ExpectQuery(`SELECT source_key, title FROM normalized_work_items`).
		WillReturnRows(rows)

	out, err := store.QueryRows(context.Background(),
		`SELECT source_key, title FROM normalized_work_items WHERE tenant_id = :tenant_id`,
		map[string]interface{}{"tenant_id": "t1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "PROJ-1", out[0]["source_key"])
	assert.Equal(t, "hello", out[0]["title"])
}

func TestWithStatementTimeout(t *testing.T) {
	cases := []struct {
		name    string
		dsn     string
		timeout time.Duration
		want    string
	}{
		{
			name:    "keyword form",
			dsn:     "host=localhost dbname=unitrack sslmode=disable",
			timeout: 30 * time.Second,
			want:    "host=localhost dbname=unitrack sslmode=disable statement_timeout=30000",
		},
		{
			name:    "url form without query",
			dsn:     "postgres://app:secret@db:5432/unitrack",
			timeout: 30 * time.Second,
			want:    "postgres://app:secret@db:5432/unitrack?statement_timeout=30000",
		},
		{
			name:    "url form with existing query",
			dsn:     "postgresql://app@db/unitrack?sslmode=disable",
			timeout: 5 * time.Second,
			want:    "postgresql://app@db/unitrack?sslmode=disable&statement_timeout=5000",
		},
		{
			name:    "zero timeout leaves dsn alone",
			dsn:     "postgres://app@db/unitrack",
			timeout: 0,
			want:    "postgres://app@db/unitrack",
		},
		{
			name:    "empty dsn",
			dsn:     "",
			timeout: time.Second,
			want:    "statement_timeout=1000",
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, withStatementTimeout(tc.dsn, tc.timeout), tc.name)
	}
}
