package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTenantID(ctx, "t1")
	ctx = WithUserID(ctx, "u1")

	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "t1", TenantID(ctx))
	assert.Equal(t, "u1", UserID(ctx))
}

func TestContextEmpty(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Empty(t, TenantID(context.Background()))
	assert.Empty(t, UserID(context.Background()))
}

func TestMiddlewareEchoesSuppliedRequestID(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	var seenID, seenTenant string
	handler := Middleware("tools", zap.NewNop(), metrics)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenID = RequestID(r.Context())
			seenTenant = TenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.Header.Set(HeaderRequestID, "client-supplied")
	req.Header.Set(HeaderTenantID, "t1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied", seenID)
	assert.Equal(t, "t1", seenTenant)
	assert.Equal(t, "client-supplied", rec.Header().Get(HeaderRequestID))
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := Middleware("tools", zap.NewNop(), metrics)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, RequestID(r.Context()))
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestMetricsSnapshotPercentiles(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	for i := 1; i <= 100; i++ {
		m.ObserveOperation("search", time.Duration(i)*time.Millisecond, false)
	}
	m.ObserveOperation("search", 500*time.Millisecond, true)

	snap := m.Snapshot()
	require.Len(t, snap.Operations, 1)
	op := snap.Operations[0]
	assert.Equal(t, "search", op.Operation)
	assert.Equal(t, int64(101), op.TotalCount)
	assert.Equal(t, int64(1), op.ErrorCount)
	assert.Equal(t, int64(100), op.SuccessCount)
	assert.Greater(t, op.P99MS, op.P50MS)
	assert.GreaterOrEqual(t, op.P90MS, op.P50MS)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, _, err := NewLogger("loud")
	assert.Error(t, err)

	logger, level, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.True(t, level.Enabled(zapcore.DebugLevel))
}

func TestSetLevelRetunesAtomicLevel(t *testing.T) {
	_, level, err := NewLogger("info")
	require.NoError(t, err)
	assert.False(t, level.Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel(level, "debug"))
	assert.True(t, level.Enabled(zapcore.DebugLevel))

	require.Error(t, SetLevel(level, "loud"))
	assert.True(t, level.Enabled(zapcore.DebugLevel), "a bad name leaves the level untouched")
}
