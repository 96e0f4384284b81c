package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/audit"
	"github.com/unitrack/unitrack/internal/config"
	"github.com/unitrack/unitrack/internal/dispatch"
	"github.com/unitrack/unitrack/internal/idempotency"
	"github.com/unitrack/unitrack/internal/model"
	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/querytpl"
	"github.com/unitrack/unitrack/internal/ratelimit"
	"github.com/unitrack/unitrack/internal/registry"
	"github.com/unitrack/unitrack/internal/storage"
	"github.com/unitrack/unitrack/internal/webhook"
)

// memStore is the minimal storage.Store the HTTP tests reach.
type memStore struct {
	storage.Store

	instances map[string]*model.BackendInstance
	items     map[string]*model.WorkItem
	idem      map[string]*storage.IdempotencyRecord
	audits    []*storage.AuditRecord
}

func (s *memStore) GetInstance(_ context.Context, tenantID, instanceID string) (*model.BackendInstance, error) {
	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return inst, nil
}

func (s *memStore) GetActiveInstance(_ context.Context, tenantID string) (*model.BackendInstance, error) {
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && inst.Active {
			return inst, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) TouchInstanceSync(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

func (s *memStore) UpsertWorkItem(_ context.Context, item *model.WorkItem) error {
	s.items[item.InstanceID+"|"+item.SourceID] = item
	return nil
}

func (s *memStore) InsertTransition(_ context.Context, _ string, _ *model.Transition) error {
	return nil
}

func (s *memStore) GetIdempotencyRecord(_ context.Context, tenantID, operation, key string) (*storage.IdempotencyRecord, error) {
	rec, ok := s.idem[tenantID+"|"+operation+"|"+key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) InsertIdempotencyRecord(_ context.Context, rec *storage.IdempotencyRecord) error {
	k := rec.TenantID + "|" + rec.Operation + "|" + rec.Key
	if _, exists := s.idem[k]; exists {
		return storage.ErrDuplicate
	}
	s.idem[k] = rec
	return nil
}

func (s *memStore) InsertAuditRecord(_ context.Context, rec *storage.AuditRecord) error {
	s.audits = append(s.audits, rec)
	return nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	return fn(ctx, s)
}

// stubAdapter serves the calls the HTTP tests make.
type stubAdapter struct {
	adapter.SourceAdapter

	searchErr error
}

func (a *stubAdapter) Search(_ context.Context, _ string, _ int) ([]*model.WorkItem, error) {
	if a.searchErr != nil {
		return nil, a.searchErr
	}
	return []*model.WorkItem{{SourceID: "1", Title: "hit", Status: model.StatusTodo}}, nil
}

func (a *stubAdapter) CreateWorkItem(_ context.Context, req *model.CreateRequest) (*model.WorkItem, error) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &model.WorkItem{
		SourceID: "10001", Title: req.Title, Status: model.StatusTodo,
		Priority: model.PriorityNone, Type: model.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (a *stubAdapter) FetchWorkItem(_ context.Context, id string) (*model.WorkItem, error) {
	return &model.WorkItem{SourceID: id, Title: "fetched", Status: model.StatusTodo}, nil
}

// rows is a canned warehouse for the query surface.
type rows struct {
	result []map[string]interface{}
}

func (r *rows) QueryRows(_ context.Context, _ string, _ map[string]interface{}) ([]map[string]interface{}, error) {
	return r.result, nil
}

type allowAll struct{}

func (allowAll) Allow(_ context.Context, _ string, _ int) error { return nil }

type denyAll struct{}

func (denyAll) Allow(_ context.Context, instanceID string, _ int) error {
	return apperr.New(apperr.KindRateLimited, "rate limit exceeded for instance %s", instanceID).
		WithRetryAfter(42)
}

const whSecret = "whsec-http"

type fixture struct {
	server  *Server
	store   *memStore
	adapter *stubAdapter
	metrics *observe.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLimiter(t, allowAll{})
}

func newFixtureWithLimiter(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()

	cipher, err := registry.NewCipher("test-master-key")
	require.NoError(t, err)
	blob, err := cipher.Seal(&model.Credential{Kind: model.AuthAPIToken, Token: "tok", Secret: whSecret})
	require.NoError(t, err)

	store := &memStore{
		instances: map[string]*model.BackendInstance{
			"inst-1": {
				ID: "inst-1", TenantID: "t1", Kind: model.BackendJira,
				AuthKind: model.AuthAPIToken, CredentialBlob: blob,
				Active: true, RateLimit: 100,
			},
		},
		items: map[string]*model.WorkItem{},
		idem:  map[string]*storage.IdempotencyRecord{},
	}

	reg := registry.New(store, cipher)
	adp := &stubAdapter{}
	disp := dispatch.New(dispatch.Options{
		Store:    store,
		Registry: reg,
		Limiter:  limiter,
		Idem:     idempotency.New(store, idempotency.DefaultTTL),
		Auditor:  audit.NewWriter(),
		Logger:   zap.NewNop(),
		NewAdapter: func(_ *model.BackendInstance, _ *model.Credential) (adapter.SourceAdapter, error) {
			return adp, nil
		},
	})

	promReg := prometheus.NewRegistry()
	metrics := observe.NewMetrics(promReg)
	receiver := webhook.NewReceiver(store, reg, nil, metrics)
	receiver.Register(model.BackendJira, "*", func(_ context.Context, _ *webhook.Event) (interface{}, error) {
		return "handled", nil
	})

	server := New(Options{
		Config: config.ServerConfig{
			MaxBodyBytes:      1 << 20,
			HeartbeatInterval: 20 * time.Millisecond,
		},
		Dispatcher: disp,
		Engine:     querytpl.NewEngine(&rows{result: []map[string]interface{}{{"source_key": "PROJ-1"}}}),
		Receiver:   receiver,
		Metrics:    metrics,
		Gatherer:   promReg,
		Logger:     zap.NewNop(),
		Version:    "1.2.3",
	})
	return &fixture{server: server, store: store, adapter: adp, metrics: metrics}
}

func doJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var tenantHeaders = map[string]string{observe.HeaderTenantID: "t1", observe.HeaderUserID: "u1"}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, h := range []http.Handler{f.server.ToolsHandler(), f.server.QueryHandler()} {
		for _, path := range []string{"/health", "/healthz", "/readyz"} {
			rec := doJSON(t, h, http.MethodGet, path, nil, nil)
			require.Equal(t, http.StatusOK, rec.Code, path)
			assert.Equal(t, "healthy", decode(t, rec)["status"])
		}
	}
}

func TestInvokeRequiresTenant(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.ToolsHandler(), http.MethodPost, "/tools/invoke", nil,
		invokeRequest{Name: "search", Arguments: map[string]interface{}{"query": "x"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	envelope := decode(t, rec)
	assert.Equal(t, "unauthorized", envelope["code"])
	assert.NotEmpty(t, envelope["request_id"])
	assert.NotEmpty(t, envelope["timestamp"])
}

func TestInvokeSuccessEnvelope(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.ToolsHandler(), http.MethodPost, "/tools/invoke", tenantHeaders,
		invokeRequest{Name: "search", Arguments: map[string]interface{}{"query": "project = PROJ"}})
	require.Equal(t, http.StatusOK, rec.Code)

	envelope := decode(t, rec)
	assert.NotEmpty(t, envelope["request_id"])
	result := envelope["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["total"])
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{
		observe.HeaderTenantID:  "t1",
		observe.HeaderRequestID: "req-fixed",
	}
	rec := doJSON(t, f.server.ToolsHandler(), http.MethodPost, "/tools/invoke", headers,
		invokeRequest{Name: "search", Arguments: map[string]interface{}{"query": "x"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-fixed", rec.Header().Get(observe.HeaderRequestID))
	assert.Equal(t, "req-fixed", decode(t, rec)["request_id"])
}

func TestInvokeUnknownToolEnvelope(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.ToolsHandler(), http.MethodPost, "/tools/invoke", tenantHeaders,
		invokeRequest{Name: "nonsense"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	envelope := decode(t, rec)
	assert.Equal(t, "not_found", envelope["code"])
	assert.Contains(t, envelope["details"].(map[string]interface{})["available"], "search")
}

func TestInvokeMalformedBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/tools/invoke", strings.NewReader("{not json"))
	req.Header.Set(observe.HeaderTenantID, "t1")
	rec := httptest.NewRecorder()
	f.server.ToolsHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["code"])
}

func TestRateLimitedEnvelopeCarriesRetryAfter(t *testing.T) {
	f := newFixtureWithLimiter(t, denyAll{})
	rec := doJSON(t, f.server.ToolsHandler(), http.MethodPost, "/tools/invoke", tenantHeaders,
		invokeRequest{Name: "search", Arguments: map[string]interface{}{"query": "x"}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	envelope := decode(t, rec)
	assert.Equal(t, "rate_limited", envelope["code"])
	assert.Equal(t, float64(42), envelope["retry_after"])
}

func TestUpstreamFailureMapsToEnvelope(t *testing.T) {
	f := newFixture(t)
	f.adapter.searchErr = apperr.New(apperr.KindNetwork, "failed to connect to backend")

	rec := doJSON(t, f.server.ToolsHandler(), http.MethodPost, "/tools/invoke", tenantHeaders,
		invokeRequest{Name: "search", Arguments: map[string]interface{}{"query": "x"}})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "network_error", decode(t, rec)["code"])
}

func TestListToolsCatalog(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.server.ToolsHandler(), http.MethodGet, "/tools", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, f.server.ToolsHandler(), http.MethodGet, "/tools", tenantHeaders, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tools := decode(t, rec)["tools"].([]interface{})
	assert.Len(t, tools, 8)
	first := tools[0].(map[string]interface{})
	assert.NotEmpty(t, first["input_schema"])
}

func TestQuerySurface(t *testing.T) {
	f := newFixture(t)

	rec := doJSON(t, f.server.QueryHandler(), http.MethodPost, "/query", nil,
		queryRequest{TemplateName: "search_issues_by_project"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, f.server.QueryHandler(), http.MethodPost, "/query", tenantHeaders,
		queryRequest{
			TemplateName: "search_issues_by_project",
			Params:       map[string]interface{}{"project_key": "PROJ"},
		})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["total"])
	assert.Equal(t, "search_issues_by_project", out["template_name"])
}

func TestQueryInjectionRejected(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.QueryHandler(), http.MethodPost, "/query", tenantHeaders,
		queryRequest{
			TemplateName: "search_issues_by_project",
			Params:       map[string]interface{}{"project_key": "A'; DROP TABLE issues; --"},
		})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["code"])
}

func TestListTemplates(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.QueryHandler(), http.MethodGet, "/templates", tenantHeaders, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	templates := decode(t, rec)["templates"].([]interface{})
	assert.Len(t, templates, 6)
}

func TestWebhookDelivery(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"webhookEvent":"jira:issue_updated","issue":{"id":"10001"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/t1/inst-1", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(whSecret, body))
	rec := httptest.NewRecorder()
	f.server.ToolsHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "success", out["status"])
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "handled", results[0].(map[string]interface{})["result"])
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"webhookEvent":"jira:issue_updated"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/t1/inst-1", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, "sha256=deadbeef")
	rec := httptest.NewRecorder()
	f.server.ToolsHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["code"])
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	h := f.server.ToolsHandler()

	// Generate one request worth of metrics first.
	doJSON(t, h, http.MethodGet, "/health", nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unitrack_")

	rec = doJSON(t, h, http.MethodGet, "/metrics/json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.ToolsHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set(observe.HeaderTenantID, "t1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))
	var connected map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &connected))
	assert.Equal(t, "unitrack", connected["server"])
	assert.Equal(t, "1.2.3", connected["version"])
	assert.Equal(t, "t1", connected["tenant"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSSE))

	// A heartbeat follows within the shortened test interval.
	deadline := time.After(2 * time.Second)
	heartbeat := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: heartbeat") {
				heartbeat <- line
				return
			}
		}
	}()
	select {
	case <-heartbeat:
	case <-deadline:
		t.Fatal("no heartbeat received")
	}

	// Disconnecting drains the gauge.
	cancel()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.ActiveSSE) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSSERequiresTenant(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.ToolsHandler(), http.MethodGet, "/sse", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
