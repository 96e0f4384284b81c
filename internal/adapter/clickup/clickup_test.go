package clickup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitrack/unitrack/internal/model"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(
		&model.BackendInstance{ID: "i1", TenantID: "t1", Kind: model.BackendClickUp, BaseURL: srv.URL},
		&model.Credential{Kind: model.AuthAPIToken, Token: "pk_token"},
	)
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestRawTokenAuthHeader(t *testing.T) {
	var got string
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, a.TestConnection(context.Background()))
	// Raw token, no scheme prefix.
	assert.Equal(t, "pk_token", got)
}

const sampleTask = `{
	"id": "abc123",
	"name": "Fix login",
	"description": "Users cannot log in.",
	"status": {"status": "in progress", "type": "custom"},
	"priority": {"id": "2", "priority": "high"},
	"assignees": [{"id": 501, "username": "dev1"}],
	"creator": {"id": 502, "username": "reporter1"},
	"date_created": "1746090000000",
	"date_updated": "1746180000000",
	"url": "https://app.clickup.com/t/abc123",
	"list": {"id": "list-1"}
}`

func TestFetchWorkItemNormalizes(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/abc123", r.URL.Path)
		_, _ = w.Write([]byte(sampleTask))
	}))

	item, err := a.FetchWorkItem(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "abc123", item.SourceID)
	assert.Equal(t, model.StatusInProgress, item.Status)
	assert.Equal(t, model.PriorityHigh, item.Priority)
	assert.Equal(t, "list-1", item.ProjectID)
	assert.Equal(t, "501", item.AssigneeID)
	assert.Equal(t, "502", item.ReporterID)
	assert.False(t, item.CreatedAt.IsZero())
	require.NoError(t, item.Validate())
}

func TestCreatePostsPriorityInteger(t *testing.T) {
	var payload map[string]interface{}
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/list/list-1/task", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(sampleTask))
	}))

	_, err := a.CreateWorkItem(context.Background(), &model.CreateRequest{
		Project:  "list-1",
		Title:    "Fix login",
		Priority: model.PriorityCritical,
	})
	require.NoError(t, err)
	// 1 = urgent, ClickUp's highest.
	assert.Equal(t, float64(1), payload["priority"])
}

func TestTransitionSendsStatusName(t *testing.T) {
	var payload map[string]interface{}
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"id":"abc123","name":"x","status":{"status":"complete","type":"done"},"date_closed":"1746200000000"}`))
	}))

	item, err := a.TransitionWorkItem(context.Background(), "abc123", model.StatusDone, "")
	require.NoError(t, err)
	assert.Equal(t, "complete", payload["status"])
	assert.Equal(t, model.StatusDone, item.Status)
	assert.NotNil(t, item.ClosedAt)
}

func TestFetchCommentsParsesMillis(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/abc123/comment", r.URL.Path)
		_, _ = w.Write([]byte(`{"comments":[
			{"id":"c1","comment_text":"looks good","user":{"id":501},"date":"1746180000000"}
		]}`))
	}))

	comments, err := a.FetchComments(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "looks good", comments[0].Body)
	assert.Equal(t, "501", comments[0].AuthorID)
	assert.Equal(t, 2025, comments[0].CreatedAt.Year())
}

func TestFetchTransitionsAlwaysEmpty(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no API call expected")
	}))

	transitions, err := a.FetchTransitions(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestLinkPostsTaskLink(t *testing.T) {
	var path string
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, a.LinkWorkItems(context.Background(), "abc123", "def456", ""))
	assert.Equal(t, "/task/abc123/link/def456", path)
}

func TestPriorityRoundTrip(t *testing.T) {
	m := Mapper{}
	for _, p := range []model.Priority{
		model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow,
	} {
		n := m.PriorityToBackend(p).(int)
		back := m.PriorityFromBackend(&Priority{ID: itoa(n)})
		assert.Equal(t, p, back, "priority %s", p)
	}
	assert.Nil(t, m.PriorityToBackend(model.PriorityNone))
	assert.Equal(t, model.PriorityNone, m.PriorityFromBackend(nil))
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestStatusMapping(t *testing.T) {
	m := Mapper{}
	assert.Equal(t, model.StatusTodo, m.StatusFromBackend(&Status{Status: "to do", Type: "open"}))
	assert.Equal(t, model.StatusInProgress, m.StatusFromBackend(&Status{Status: "in progress", Type: "custom"}))
	assert.Equal(t, model.StatusInReview, m.StatusFromBackend(&Status{Status: "code review", Type: "custom"}))
	assert.Equal(t, model.StatusDone, m.StatusFromBackend(&Status{Status: "complete", Type: "done"}))
	assert.Equal(t, model.StatusTodo, m.StatusFromBackend(nil))
}
