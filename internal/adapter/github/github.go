// Package github implements the GitHub adapter over REST API v3.
//
// Work item identifiers encode as "owner/repo#number" and the project
// field is "owner/repo". The Issues endpoint returns pull requests too;
// the adapter filters them out. GitHub has no priority or type fields, so
// both travel as scoped labels.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
)

func init() {
	adapter.Register(model.BackendGitHub, New)
}

// Adapter is the GitHub implementation of adapter.SourceAdapter.
type Adapter struct {
	baseURL    string
	token      string
	instanceID string
	tenantID   string
	client     *http.Client
	mapper     Mapper
}

// New builds a GitHub adapter. An empty base URL defaults to the public
// API; GitHub Enterprise instances configure their own.
func New(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	baseURL := strings.TrimSuffix(inst.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Adapter{
		baseURL:    baseURL,
		token:      cred.Token,
		instanceID: inst.ID,
		tenantID:   inst.TenantID,
		client:     adapter.NewHTTPClient(),
	}, nil
}

// Name implements adapter.SourceAdapter.
func (a *Adapter) Name() model.BackendKind { return model.BackendGitHub }

// Mapper implements adapter.SourceAdapter.
func (a *Adapter) Mapper() adapter.EnumMapper { return a.mapper }

func (a *Adapter) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("github: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+a.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return adapter.Do(a.client, req)
}

// parseID splits an "owner/repo#number" identifier.
func parseID(id string) (repo string, number int, err error) {
	hash := strings.LastIndex(id, "#")
	if hash <= 0 {
		return "", 0, apperr.New(apperr.KindValidation, "github id must be owner/repo#number, got %q", id)
	}
	repo = id[:hash]
	number, convErr := strconv.Atoi(id[hash+1:])
	if convErr != nil || !strings.Contains(repo, "/") {
		return "", 0, apperr.New(apperr.KindValidation, "github id must be owner/repo#number, got %q", id)
	}
	return repo, number, nil
}

// TestConnection implements adapter.SourceAdapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, "/user", nil)
	return err
}

// Search implements adapter.SourceAdapter via the issue search endpoint.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]*model.WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{
		"q":        {query + " is:issue"},
		"per_page": {strconv.Itoa(limit)},
	}
	body, err := a.do(ctx, http.MethodGet, "/search/issues?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Items []Issue `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("github: parse search response: %w", err)
	}
	items := make([]*model.WorkItem, 0, len(result.Items))
	for i := range result.Items {
		if result.Items[i].PullRequest != nil {
			continue
		}
		items = append(items, a.normalize(repoFromURL(result.Items[i].HTMLURL), &result.Items[i]))
	}
	return items, nil
}

// FetchWorkItems implements adapter.SourceAdapter. Project is "owner/repo"
// and is required.
func (a *Adapter) FetchWorkItems(ctx context.Context, opts model.FetchOptions) ([]*model.WorkItem, error) {
	if opts.Project == "" {
		return nil, apperr.New(apperr.KindValidation, "github fetch requires project in owner/repo form")
	}
	params := url.Values{"state": {"all"}}
	if opts.UpdatedSince != nil {
		params.Set("since", opts.UpdatedSince.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if opts.Limit > 0 {
		params.Set("per_page", strconv.Itoa(opts.Limit))
	}
	body, err := a.do(ctx, http.MethodGet, "/repos/"+opts.Project+"/issues?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(body, &issues); err != nil {
		return nil, fmt.Errorf("github: parse issues: %w", err)
	}
	items := make([]*model.WorkItem, 0, len(issues))
	for i := range issues {
		if issues[i].PullRequest != nil {
			continue
		}
		items = append(items, a.normalize(opts.Project, &issues[i]))
	}
	return items, nil
}

// FetchWorkItem implements adapter.SourceAdapter.
func (a *Adapter) FetchWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	repo, number, err := parseID(id)
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("github: parse issue: %w", err)
	}
	if issue.PullRequest != nil {
		return nil, apperr.New(apperr.KindNotFound, "%s is a pull request, not an issue", id)
	}
	return a.normalize(repo, &issue), nil
}

// CreateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) CreateWorkItem(ctx context.Context, req *model.CreateRequest) (*model.WorkItem, error) {
	if req.Project == "" {
		return nil, apperr.New(apperr.KindValidation, "github create requires project in owner/repo form")
	}
	payload := map[string]interface{}{
		"title":  req.Title,
		"body":   req.Description,
		"labels": a.outboundLabels(req.Type, req.Priority),
	}
	if req.AssigneeID != "" {
		payload["assignees"] = []string{req.AssigneeID}
	}
	body, err := a.do(ctx, http.MethodPost, "/repos/"+req.Project+"/issues", payload)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("github: parse create response: %w", err)
	}
	return a.normalize(req.Project, &issue), nil
}

// UpdateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) UpdateWorkItem(ctx context.Context, id string, fields map[string]interface{}) (*model.WorkItem, error) {
	repo, number, err := parseID(id)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case "title":
			payload["title"] = v
		case "description":
			payload["body"] = v
		case "assignee":
			payload["assignees"] = []interface{}{v}
		case "priority":
			payload["labels"] = []string{"priority:" + fmt.Sprint(v)}
		default:
			payload[k] = v
		}
	}
	body, err := a.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), payload)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("github: parse update response: %w", err)
	}
	return a.normalize(repo, &issue), nil
}

// TransitionWorkItem implements adapter.SourceAdapter. GitHub has only
// open and closed: terminal statuses close the issue and everything else
// reopens it. The comment, when present, is posted first.
func (a *Adapter) TransitionWorkItem(ctx context.Context, id string, to model.Status, comment string) (*model.WorkItem, error) {
	if comment != "" {
		if _, err := a.AddComment(ctx, id, comment); err != nil {
			return nil, err
		}
	}
	state := a.mapper.StatusToBackend(to)
	payload := map[string]interface{}{"state": state}
	if to == model.StatusCancelled {
		payload["state_reason"] = "not_planned"
	}
	repo, number, err := parseID(id)
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), payload)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("github: parse transition response: %w", err)
	}
	return a.normalize(repo, &issue), nil
}

// AddComment implements adapter.SourceAdapter.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (*model.Comment, error) {
	repo, number, err := parseID(id)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
		map[string]string{"body": body})
	if err != nil {
		return nil, err
	}
	var c IssueComment
	if err := json.Unmarshal(resp, &c); err != nil {
		return nil, fmt.Errorf("github: parse comment: %w", err)
	}
	return normalizeComment(id, &c), nil
}

// FetchComments implements adapter.SourceAdapter.
func (a *Adapter) FetchComments(ctx context.Context, id string) ([]*model.Comment, error) {
	repo, number, err := parseID(id)
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), nil)
	if err != nil {
		return nil, err
	}
	var raw []IssueComment
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("github: parse comments: %w", err)
	}
	comments := make([]*model.Comment, 0, len(raw))
	for i := range raw {
		comments = append(comments, normalizeComment(id, &raw[i]))
	}
	return comments, nil
}

// FetchTransitions implements adapter.SourceAdapter. Closed and reopened
// events become transitions between todo and done; GitHub exposes no
// richer status history.
func (a *Adapter) FetchTransitions(ctx context.Context, id string) ([]*model.Transition, error) {
	repo, number, err := parseID(id)
	if err != nil {
		return nil, err
	}
	body, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d/events", repo, number), nil)
	if err != nil {
		return nil, err
	}
	var events []IssueEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("github: parse events: %w", err)
	}

	var transitions []*model.Transition
	for i := range events {
		ev := &events[i]
		var from, to model.Status
		switch ev.Event {
		case "closed":
			from, to = model.StatusTodo, model.StatusDone
		case "reopened":
			from, to = model.StatusDone, model.StatusTodo
		default:
			continue
		}
		tr := &model.Transition{WorkItemID: id, FromStatus: from, ToStatus: to}
		if ev.Actor != nil {
			tr.ActorID = ev.Actor.Login
		}
		if ev.CreatedAt != nil {
			tr.Timestamp = *ev.CreatedAt
		}
		if raw, err := json.Marshal(ev); err == nil {
			tr.RawPayload = raw
		}
		transitions = append(transitions, tr)
	}
	return transitions, nil
}

// LinkWorkItems implements adapter.SourceAdapter. GitHub has no first
// class issue links; the relation is recorded as a cross-reference
// comment, which GitHub renders as a link in both issues' timelines.
func (a *Adapter) LinkWorkItems(ctx context.Context, inwardID, outwardID, linkType string) error {
	outRepo, outNumber, err := parseID(outwardID)
	if err != nil {
		return err
	}
	if linkType == "" {
		linkType = "Relates to"
	}
	_, err = a.AddComment(ctx, inwardID, fmt.Sprintf("%s %s#%d", linkType, outRepo, outNumber))
	return err
}

func (a *Adapter) outboundLabels(t model.WorkItemType, p model.Priority) []string {
	labels := []string{"type:" + fmt.Sprint(a.mapper.TypeToBackend(t))}
	if p != "" && p != model.PriorityNone {
		labels = append(labels, "priority:"+fmt.Sprint(a.mapper.PriorityToBackend(p)))
	}
	return labels
}

func (a *Adapter) normalize(repo string, issue *Issue) *model.WorkItem {
	item := &model.WorkItem{
		SourceID:    fmt.Sprintf("%s#%d", repo, issue.Number),
		SourceKey:   fmt.Sprintf("%s#%d", repo, issue.Number),
		SourceKind:  model.BackendGitHub,
		TenantID:    a.tenantID,
		InstanceID:  a.instanceID,
		Title:       issue.Title,
		Description: issue.Body,
		Status:      a.mapper.StatusFromBackend(issue.State),
		Priority:    a.mapper.priorityFromLabels(issue.Labels),
		Type:        a.mapper.typeFromLabels(issue.Labels),
		ProjectID:   repo,
		URL:         issue.HTMLURL,
	}
	if issue.Assignee != nil {
		item.AssigneeID = issue.Assignee.Login
	}
	if issue.User != nil {
		item.ReporterID = issue.User.Login
	}
	if issue.CreatedAt != nil {
		item.CreatedAt = *issue.CreatedAt
	}
	if issue.UpdatedAt != nil {
		item.UpdatedAt = *issue.UpdatedAt
	}
	if issue.ClosedAt != nil && item.Status.IsTerminal() {
		item.ClosedAt = issue.ClosedAt
	}
	if raw, err := json.Marshal(issue); err == nil {
		item.RawPayload = raw
	}
	item.SetDefaults()
	return item
}

func normalizeComment(issueID string, c *IssueComment) *model.Comment {
	out := &model.Comment{
		SourceID:   strconv.FormatInt(c.ID, 10),
		WorkItemID: issueID,
		Body:       c.Body,
	}
	if c.User != nil {
		out.AuthorID = c.User.Login
	}
	if c.CreatedAt != nil {
		out.CreatedAt = *c.CreatedAt
	}
	if c.UpdatedAt != nil {
		out.UpdatedAt = *c.UpdatedAt
	}
	if raw, err := json.Marshal(c); err == nil {
		out.RawPayload = raw
	}
	return out
}

// repoFromURL extracts "owner/repo" from an issue HTML URL.
func repoFromURL(htmlURL string) string {
	u, err := url.Parse(htmlURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
