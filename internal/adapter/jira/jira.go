// Package jira implements the Jira Cloud adapter over REST API v3.
//
// Descriptions and comment bodies cross the wire as Atlassian Document
// Format; the adapter flattens inbound trees to plain text and wraps
// outbound text in minimal documents. Status changes are two-phase: list
// the available transitions, then post the matching transition ID.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
)

func init() {
	adapter.Register(model.BackendJira, New)
}

// Adapter is the Jira implementation of adapter.SourceAdapter.
type Adapter struct {
	baseURL    string
	authHeader string
	instanceID string
	tenantID   string
	client     *http.Client
	mapper     Mapper
}

// New builds a Jira adapter for the instance. OAuth credentials produce a
// Bearer header; API tokens and basic credentials produce Basic
// base64(email:token).
func New(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error) {
	var auth string
	switch cred.Kind {
	case model.AuthOAuth:
		auth = "Bearer " + cred.Token
	default:
		email := cred.Email
		if email == "" {
			email = cred.Username
		}
		if email == "" || cred.Token == "" {
			return nil, fmt.Errorf("jira: api-token auth requires email and token")
		}
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+cred.Token))
	}
	return &Adapter{
		baseURL:    strings.TrimSuffix(inst.BaseURL, "/"),
		authHeader: auth,
		instanceID: inst.ID,
		tenantID:   inst.TenantID,
		client:     adapter.NewHTTPClient(),
	}, nil
}

// Name implements adapter.SourceAdapter.
func (a *Adapter) Name() model.BackendKind { return model.BackendJira }

// Mapper implements adapter.SourceAdapter.
func (a *Adapter) Mapper() adapter.EnumMapper { return a.mapper }

// searchFields is the field set requested on search and get.
const searchFields = "summary,description,status,priority,issuetype,project,assignee,reporter,parent,created,updated,resolution,resolutiondate"

func (a *Adapter) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("jira: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("jira: build request: %w", err)
	}
	req.Header.Set("Authorization", a.authHeader)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return adapter.Do(a.client, req)
}

// TestConnection implements adapter.SourceAdapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, "/rest/api/3/myself", nil)
	return err
}

// Search implements adapter.SourceAdapter. The query string is raw JQL.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]*model.WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{
		"jql":        {query},
		"fields":     {searchFields},
		"maxResults": {fmt.Sprintf("%d", limit)},
	}
	body, err := a.do(ctx, http.MethodGet, "/rest/api/3/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("jira: parse search response: %w", err)
	}
	items := make([]*model.WorkItem, 0, len(result.Issues))
	for i := range result.Issues {
		items = append(items, a.normalize(&result.Issues[i]))
	}
	return items, nil
}

// FetchWorkItems implements adapter.SourceAdapter by building JQL from the
// fetch options.
func (a *Adapter) FetchWorkItems(ctx context.Context, opts model.FetchOptions) ([]*model.WorkItem, error) {
	var clauses []string
	if opts.Project != "" {
		clauses = append(clauses, fmt.Sprintf("project = %q", opts.Project))
	}
	if opts.UpdatedSince != nil {
		clauses = append(clauses, fmt.Sprintf("updated >= %q", opts.UpdatedSince.Format("2006-01-02 15:04")))
	}
	jql := strings.Join(clauses, " AND ")
	if jql == "" {
		jql = "order by updated DESC"
	} else {
		jql += " order by updated DESC"
	}
	return a.Search(ctx, jql, opts.Limit)
}

// FetchWorkItem implements adapter.SourceAdapter.
func (a *Adapter) FetchWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	body, err := a.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(id)+"?fields="+searchFields, nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("jira: parse issue: %w", err)
	}
	return a.normalize(&issue), nil
}

// CreateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) CreateWorkItem(ctx context.Context, req *model.CreateRequest) (*model.WorkItem, error) {
	fields := map[string]interface{}{
		"project":   map[string]string{"key": req.Project},
		"summary":   req.Title,
		"issuetype": map[string]interface{}{"name": a.mapper.TypeToBackend(req.Type)},
		"priority":  map[string]interface{}{"name": a.mapper.PriorityToBackend(req.Priority)},
	}
	if req.Description != "" {
		fields["description"] = TextToADF(req.Description)
	}
	if req.AssigneeID != "" {
		fields["assignee"] = map[string]string{"accountId": req.AssigneeID}
	}
	for k, v := range req.Extras {
		fields[k] = v
	}

	body, err := a.do(ctx, http.MethodPost, "/rest/api/3/issue", map[string]interface{}{"fields": fields})
	if err != nil {
		return nil, err
	}
	var created CreatedIssue
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("jira: parse create response: %w", err)
	}
	return a.FetchWorkItem(ctx, created.Key)
}

// UpdateWorkItem implements adapter.SourceAdapter. Recognized normalized
// field names are translated; anything else passes through as a raw Jira
// field.
func (a *Adapter) UpdateWorkItem(ctx context.Context, id string, fields map[string]interface{}) (*model.WorkItem, error) {
	jiraFields := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case "title":
			jiraFields["summary"] = v
		case "description":
			jiraFields["description"] = TextToADF(fmt.Sprint(v))
		case "priority":
			jiraFields["priority"] = map[string]interface{}{"name": a.mapper.PriorityToBackend(model.Priority(fmt.Sprint(v)))}
		case "type":
			jiraFields["issuetype"] = map[string]interface{}{"name": a.mapper.TypeToBackend(model.WorkItemType(fmt.Sprint(v)))}
		case "assignee":
			jiraFields["assignee"] = map[string]interface{}{"accountId": v}
		default:
			jiraFields[k] = v
		}
	}
	_, err := a.do(ctx, http.MethodPut, "/rest/api/3/issue/"+url.PathEscape(id), map[string]interface{}{"fields": jiraFields})
	if err != nil {
		return nil, err
	}
	return a.FetchWorkItem(ctx, id)
}

// TransitionWorkItem implements adapter.SourceAdapter. Jira transitions
// are two-phase: list what is available from the current status, then post
// the ID of the transition whose target matches.
func (a *Adapter) TransitionWorkItem(ctx context.Context, id string, to model.Status, comment string) (*model.WorkItem, error) {
	body, err := a.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(id)+"/transitions", nil)
	if err != nil {
		return nil, err
	}
	var list TransitionList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("jira: parse transitions: %w", err)
	}

	transitionID := ""
	available := make([]string, 0, len(list.Transitions))
	for _, tr := range list.Transitions {
		if tr.To == nil {
			continue
		}
		available = append(available, tr.To.Name)
		if a.mapper.StatusFromBackend(tr.To.Name) == to {
			transitionID = tr.ID
			break
		}
	}
	if transitionID == "" {
		return nil, apperr.New(apperr.KindValidation, "no transition to %s from current status", to).
			WithDetails(map[string]interface{}{"available": available})
	}

	payload := map[string]interface{}{
		"transition": map[string]string{"id": transitionID},
	}
	if comment != "" {
		payload["update"] = map[string]interface{}{
			"comment": []interface{}{
				map[string]interface{}{"add": map[string]interface{}{"body": TextToADF(comment)}},
			},
		}
	}
	if _, err := a.do(ctx, http.MethodPost, "/rest/api/3/issue/"+url.PathEscape(id)+"/transitions", payload); err != nil {
		return nil, err
	}
	return a.FetchWorkItem(ctx, id)
}

// AddComment implements adapter.SourceAdapter.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (*model.Comment, error) {
	resp, err := a.do(ctx, http.MethodPost, "/rest/api/3/issue/"+url.PathEscape(id)+"/comment",
		map[string]interface{}{"body": TextToADF(body)})
	if err != nil {
		return nil, err
	}
	var c Comment
	if err := json.Unmarshal(resp, &c); err != nil {
		return nil, fmt.Errorf("jira: parse comment: %w", err)
	}
	return a.normalizeComment(id, &c), nil
}

// FetchComments implements adapter.SourceAdapter.
func (a *Adapter) FetchComments(ctx context.Context, id string) ([]*model.Comment, error) {
	body, err := a.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(id)+"/comment", nil)
	if err != nil {
		return nil, err
	}
	var page CommentPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("jira: parse comments: %w", err)
	}
	comments := make([]*model.Comment, 0, len(page.Comments))
	for i := range page.Comments {
		comments = append(comments, a.normalizeComment(id, &page.Comments[i]))
	}
	return comments, nil
}

// FetchTransitions implements adapter.SourceAdapter. History comes from the
// changelog; items whose field is "status" become transitions.
func (a *Adapter) FetchTransitions(ctx context.Context, id string) ([]*model.Transition, error) {
	body, err := a.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(id)+"?expand=changelog&fields=status", nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("jira: parse changelog: %w", err)
	}

	var transitions []*model.Transition
	if issue.Changelog == nil {
		return transitions, nil
	}
	for _, h := range issue.Changelog.Histories {
		for _, item := range h.Items {
			if item.Field != "status" {
				continue
			}
			when, _ := ParseTimestamp(h.Created)
			tr := &model.Transition{
				WorkItemID: issue.Key,
				FromStatus: a.mapper.StatusFromBackend(item.FromString),
				ToStatus:   a.mapper.StatusFromBackend(item.ToString),
				Timestamp:  when,
			}
			if h.Author != nil {
				tr.ActorID = h.Author.AccountID
			}
			if raw, err := json.Marshal(h); err == nil {
				tr.RawPayload = raw
			}
			transitions = append(transitions, tr)
		}
	}
	return transitions, nil
}

// LinkWorkItems implements adapter.SourceAdapter.
func (a *Adapter) LinkWorkItems(ctx context.Context, inwardID, outwardID, linkType string) error {
	if linkType == "" {
		linkType = "Relates"
	}
	_, err := a.do(ctx, http.MethodPost, "/rest/api/3/issueLink", map[string]interface{}{
		"type":         map[string]string{"name": linkType},
		"inwardIssue":  map[string]string{"key": inwardID},
		"outwardIssue": map[string]string{"key": outwardID},
	})
	return err
}

func (a *Adapter) normalize(issue *Issue) *model.WorkItem {
	item := &model.WorkItem{
		SourceID:    issue.ID,
		SourceKey:   issue.Key,
		SourceKind:  model.BackendJira,
		TenantID:    a.tenantID,
		InstanceID:  a.instanceID,
		Title:       issue.Fields.Summary,
		Description: ADFToText(issue.Fields.Description),
		Status:      a.mapper.StatusFromBackend(issue.Fields.Status),
		Priority:    a.mapper.PriorityFromBackend(issue.Fields.Priority),
		Type:        a.mapper.TypeFromBackend(issue.Fields.IssueType),
		URL:         issue.Self,
	}
	if issue.Fields.Project != nil {
		item.ProjectID = issue.Fields.Project.Key
	}
	if issue.Fields.Assignee != nil {
		item.AssigneeID = issue.Fields.Assignee.AccountID
	}
	if issue.Fields.Reporter != nil {
		item.ReporterID = issue.Fields.Reporter.AccountID
	}
	if issue.Fields.Parent != nil {
		parent := issue.Fields.Parent.Key
		item.ParentID = &parent
	}
	if t, err := ParseTimestamp(issue.Fields.Created); err == nil {
		item.CreatedAt = t
	}
	if t, err := ParseTimestamp(issue.Fields.Updated); err == nil {
		item.UpdatedAt = t
	}
	if item.Status.IsTerminal() && issue.Fields.ResolutionDate != "" {
		if t, err := ParseTimestamp(issue.Fields.ResolutionDate); err == nil {
			item.ClosedAt = &t
		}
	}
	if raw, err := json.Marshal(issue); err == nil {
		item.RawPayload = raw
	}
	item.SetDefaults()
	return item
}

func (a *Adapter) normalizeComment(issueKey string, c *Comment) *model.Comment {
	out := &model.Comment{
		SourceID:   c.ID,
		WorkItemID: issueKey,
		Body:       ADFToText(c.Body),
	}
	if c.Author != nil {
		out.AuthorID = c.Author.AccountID
	}
	if t, err := ParseTimestamp(c.Created); err == nil {
		out.CreatedAt = t
	}
	if t, err := ParseTimestamp(c.Updated); err == nil {
		out.UpdatedAt = t
	}
	if raw, err := json.Marshal(c); err == nil {
		out.RawPayload = raw
	}
	return out
}

// ParseTimestamp parses Jira's timestamp format, falling back to RFC3339.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000-0700", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
