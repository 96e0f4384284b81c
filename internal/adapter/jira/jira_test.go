package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(
		&model.BackendInstance{ID: "i1", TenantID: "t1", Kind: model.BackendJira, BaseURL: srv.URL},
		&model.Credential{Kind: model.AuthAPIToken, Email: "dev@example.com", Token: "tok"},
	)
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestBasicAuthHeader(t *testing.T) {
	var got string
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, a.TestConnection(context.Background()))
	// base64("dev@example.com:tok")
	assert.Equal(t, "Basic ZGV2QGV4YW1wbGUuY29tOnRvaw==", got)
}

func TestOAuthBearerHeader(t *testing.T) {
	a, err := New(
		&model.BackendInstance{Kind: model.BackendJira, BaseURL: "https://example.atlassian.net"},
		&model.Credential{Kind: model.AuthOAuth, Token: "oauth-tok"},
	)
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth-tok", a.(*Adapter).authHeader)
}

func TestAPITokenRequiresEmail(t *testing.T) {
	_, err := New(
		&model.BackendInstance{Kind: model.BackendJira, BaseURL: "https://example.atlassian.net"},
		&model.Credential{Kind: model.AuthAPIToken, Token: "tok"},
	)
	assert.Error(t, err)
}

const sampleIssue = `{
	"id": "10001",
	"key": "PROJ-1",
	"self": "https://example.atlassian.net/rest/api/3/issue/10001",
	"fields": {
		"summary": "Fix login",
		"description": {"type":"doc","version":1,"content":[
			{"type":"paragraph","content":[{"type":"text","text":"Users cannot"}]},
			{"type":"paragraph","content":[{"type":"text","text":"log in."}]}
		]},
		"status": {"id":"3","name":"In Progress"},
		"priority": {"id":"2","name":"High"},
		"issuetype": {"id":"1","name":"Bug"},
		"project": {"id":"100","key":"PROJ"},
		"assignee": {"accountId":"acc-1","displayName":"Dev One"},
		"created": "2025-05-01T09:00:00.000+0000",
		"updated": "2025-05-02T10:30:00.000+0000"
	}
}`

func TestFetchWorkItemNormalizes(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue/PROJ-1", r.URL.Path)
		_, _ = w.Write([]byte(sampleIssue))
	}))

	item, err := a.FetchWorkItem(context.Background(), "PROJ-1")
	require.NoError(t, err)

	assert.Equal(t, "10001", item.SourceID)
	assert.Equal(t, "PROJ-1", item.SourceKey)
	assert.Equal(t, model.BackendJira, item.SourceKind)
	assert.Equal(t, "t1", item.TenantID)
	assert.Equal(t, "i1", item.InstanceID)
	assert.Equal(t, "Fix login", item.Title)
	assert.Equal(t, "Users cannot\nlog in.", item.Description)
	assert.Equal(t, model.StatusInProgress, item.Status)
	assert.Equal(t, model.PriorityHigh, item.Priority)
	assert.Equal(t, model.TypeBug, item.Type)
	assert.Equal(t, "PROJ", item.ProjectID)
	assert.Equal(t, "acc-1", item.AssigneeID)
	assert.NotEmpty(t, item.RawPayload)
	require.NoError(t, item.Validate())
}

func TestSearchUsesJQL(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/search", r.URL.Path)
		assert.Equal(t, `project = "PROJ"`, r.URL.Query().Get("jql"))
		assert.Equal(t, "25", r.URL.Query().Get("maxResults"))
		_, _ = w.Write([]byte(`{"total":1,"issues":[` + sampleIssue + `]}`))
	}))

	items, err := a.Search(context.Background(), `project = "PROJ"`, 25)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "PROJ-1", items[0].SourceKey)
}

func TestCreateWorkItemPostsFieldsAndRefetches(t *testing.T) {
	var createBody map[string]interface{}
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/3/issue":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
			_, _ = w.Write([]byte(`{"id":"10001","key":"PROJ-1"}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(sampleIssue))
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))

	item, err := a.CreateWorkItem(context.Background(), &model.CreateRequest{
		Project:     "PROJ",
		Title:       "Fix login",
		Description: "Users cannot log in.",
		Type:        model.TypeBug,
		Priority:    model.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "PROJ-1", item.SourceKey)

	fields := createBody["fields"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"key": "PROJ"}, fields["project"])
	assert.Equal(t, "Fix login", fields["summary"])
	assert.Equal(t, map[string]interface{}{"name": "Bug"}, fields["issuetype"])
	assert.Equal(t, map[string]interface{}{"name": "High"}, fields["priority"])
	desc := fields["description"].(map[string]interface{})
	assert.Equal(t, "doc", desc["type"])
}

func TestTransitionIsTwoPhase(t *testing.T) {
	var posted map[string]interface{}
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/3/issue/PROJ-1/transitions":
			_, _ = w.Write([]byte(`{"transitions":[
				{"id":"11","name":"Start","to":{"id":"3","name":"In Progress"}},
				{"id":"31","name":"Finish","to":{"id":"5","name":"Done"}}
			]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/3/issue/PROJ-1/transitions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(sampleIssue))
		}
	}))

	_, err := a.TransitionWorkItem(context.Background(), "PROJ-1", model.StatusDone, "shipping it")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "31"}, posted["transition"])
	assert.Contains(t, posted, "update")
}

func TestTransitionUnavailableTarget(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transitions":[{"id":"11","name":"Start","to":{"id":"3","name":"In Progress"}}]}`))
	}))

	_, err := a.TransitionWorkItem(context.Background(), "PROJ-1", model.StatusDone, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestFetchTransitionsFromChangelog(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "changelog", r.URL.Query().Get("expand"))
		_, _ = w.Write([]byte(`{
			"id":"10001","key":"PROJ-1",
			"changelog":{"histories":[
				{"author":{"accountId":"acc-1"},"created":"2025-05-02T10:30:00.000+0000","items":[
					{"field":"status","fromString":"To Do","toString":"In Progress"},
					{"field":"assignee","fromString":"","toString":"Dev One"}
				]}
			]},
			"fields":{"summary":"x"}
		}`))
	}))

	transitions, err := a.FetchTransitions(context.Background(), "PROJ-1")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, model.StatusTodo, transitions[0].FromStatus)
	assert.Equal(t, model.StatusInProgress, transitions[0].ToStatus)
	assert.Equal(t, "acc-1", transitions[0].ActorID)
}

func TestUpstream429BecomesRateLimited(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := a.FetchWorkItem(context.Background(), "PROJ-1")
	require.True(t, apperr.IsKind(err, apperr.KindRateLimited))
	assert.Equal(t, 30, apperr.From(err).RetryAfter)
}

func TestStatusRoundTrip(t *testing.T) {
	m := Mapper{}
	for _, s := range []model.Status{
		model.StatusTodo, model.StatusInProgress, model.StatusBlocked,
		model.StatusInReview, model.StatusDone, model.StatusCancelled,
	} {
		assert.Equal(t, s, m.StatusFromBackend(m.StatusToBackend(s)), "status %s", s)
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	m := Mapper{}
	for _, p := range []model.Priority{
		model.PriorityCritical, model.PriorityHigh, model.PriorityMedium,
		model.PriorityLow, model.PriorityNone,
	} {
		assert.Equal(t, p, m.PriorityFromBackend(m.PriorityToBackend(p)), "priority %s", p)
	}
}

func TestTypeRoundTrip(t *testing.T) {
	m := Mapper{}
	for _, typ := range []model.WorkItemType{
		model.TypeEpic, model.TypeStory, model.TypeTask,
		model.TypeBug, model.TypeSubtask, model.TypeFeature,
	} {
		assert.Equal(t, typ, m.TypeFromBackend(m.TypeToBackend(typ)), "type %s", typ)
	}
}

func TestUnknownStatusCollapsesToTodo(t *testing.T) {
	assert.Equal(t, model.StatusTodo, Mapper{}.StatusFromBackend("Awaiting Vendor"))
}

func TestADFPlainStringPassthrough(t *testing.T) {
	assert.Equal(t, "plain text", ADFToText(json.RawMessage(`"plain text"`)))
}

func TestADFEmptyAndInvalid(t *testing.T) {
	assert.Equal(t, "", ADFToText(nil))
	assert.Equal(t, "", ADFToText(json.RawMessage(`[1,2]`)))
}

func TestTextToADFRoundTrip(t *testing.T) {
	doc := TextToADF("line one\nline two")
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", ADFToText(raw))
}
