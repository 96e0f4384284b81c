// Package clickup implements the ClickUp adapter over REST API v2.
//
// ClickUp authenticates with the raw API token. Priority is an integer
// 1-4 where 1 is urgent (critical) and 4 is low. Status identifiers vary
// per list, so transitioning by name is best-effort: the adapter sends
// the canonical name and surfaces the backend's rejection if the list
// does not define it. No public changelog exists; FetchTransitions
// returns empty.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
)

func init() {
	adapter.Register(model.BackendClickUp, New)
}

// Adapter is the ClickUp implementation of adapter.SourceAdapter.
type Adapter struct {
	baseURL    string
	token      string
	instanceID string
	tenantID   string
	client     *http.Client
	mapper     Mapper
}

// New builds a ClickUp adapter.
func New(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("clickup: token is required")
	}
	baseURL := strings.TrimSuffix(inst.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.clickup.com/api/v2"
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
func (a *Adapter) Name() model.BackendKind { return model.BackendClickUp }

// Mapper implements adapter.SourceAdapter.
func (a *Adapter) Mapper() adapter.EnumMapper { return a.mapper }

// Task is a ClickUp task.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      *Status   `json:"status"`
	Priority    *Priority `json:"priority"`
	Assignees   []User    `json:"assignees"`
	Creator     *User     `json:"creator"`
	DateCreated string    `json:"date_created"` // epoch millis as string
	DateUpdated string    `json:"date_updated"`
	DateClosed  string    `json:"date_closed"`
	URL         string    `json:"url"`
	Parent      string    `json:"parent"`
	List        *Ref      `json:"list"`
}

// Status is a ClickUp task status. Names vary per list; Type is one of
// open, custom, done, closed.
type Status struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

// Priority is ClickUp's priority object; ID is "1".."4".
type Priority struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

// User is a ClickUp member.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Ref is a bare {id} reference.
type Ref struct {
	ID string `json:"id"`
}

// TaskComment is a ClickUp task comment.
type TaskComment struct {
	ID          string `json:"id"`
	CommentText string `json:"comment_text"`
	User        *User  `json:"user"`
	Date        string `json:"date"` // epoch millis as string
}

func (a *Adapter) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("clickup: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("clickup: build request: %w", err)
	}
	// Raw token, no scheme prefix.
	req.Header.Set("Authorization", a.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return adapter.Do(a.client, req)
}

// TestConnection implements adapter.SourceAdapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, "/user", nil)
	return err
}

// Search implements adapter.SourceAdapter. The team is discovered from
// the authorized workspaces, then tasks are filtered server-side.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]*model.WorkItem, error) {
	body, err := a.do(ctx, http.MethodGet, "/team", nil)
	if err != nil {
		return nil, err
	}
	var teams struct {
		Teams []Ref `json:"teams"`
	}
	if err := json.Unmarshal(body, &teams); err != nil {
		return nil, fmt.Errorf("clickup: parse teams: %w", err)
	}
	if len(teams.Teams) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "clickup token has no teams")
	}

	params := url.Values{"search": {query}}
	body, err = a.do(ctx, http.MethodGet, "/team/"+teams.Teams[0].ID+"/task?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	items, err := a.decodeTasks(body)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// FetchWorkItems implements adapter.SourceAdapter. Project is a ClickUp
// list ID.
func (a *Adapter) FetchWorkItems(ctx context.Context, opts model.FetchOptions) ([]*model.WorkItem, error) {
	if opts.Project == "" {
		return nil, apperr.New(apperr.KindValidation, "clickup fetch requires a list id")
	}
	params := url.Values{"include_closed": {"true"}}
	if opts.UpdatedSince != nil {
		params.Set("date_updated_gt", strconv.FormatInt(opts.UpdatedSince.UnixMilli(), 10))
	}
	body, err := a.do(ctx, http.MethodGet, "/list/"+url.PathEscape(opts.Project)+"/task?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	items, err := a.decodeTasks(body)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

// FetchWorkItem implements adapter.SourceAdapter.
func (a *Adapter) FetchWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	body, err := a.do(ctx, http.MethodGet, "/task/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("clickup: parse task: %w", err)
	}
	return a.normalize(&task), nil
}

// CreateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) CreateWorkItem(ctx context.Context, req *model.CreateRequest) (*model.WorkItem, error) {
	if req.Project == "" {
		return nil, apperr.New(apperr.KindValidation, "clickup create requires project set to a list id")
	}
	payload := map[string]interface{}{
		"name":        req.Title,
		"description": req.Description,
	}
	if p := a.mapper.PriorityToBackend(req.Priority); p != nil {
		payload["priority"] = p
	}
	if req.AssigneeID != "" {
		if id, err := strconv.ParseInt(req.AssigneeID, 10, 64); err == nil {
			payload["assignees"] = []int64{id}
		}
	}
	for k, v := range req.Extras {
		payload[k] = v
	}
	body, err := a.do(ctx, http.MethodPost, "/list/"+url.PathEscape(req.Project)+"/task", payload)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("clickup: parse create response: %w", err)
	}
	return a.normalize(&task), nil
}

// UpdateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) UpdateWorkItem(ctx context.Context, id string, fields map[string]interface{}) (*model.WorkItem, error) {
	payload := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case "title":
			payload["name"] = v
		case "description":
			payload["description"] = v
		case "priority":
			payload["priority"] = a.mapper.PriorityToBackend(model.Priority(fmt.Sprint(v)))
		default:
			payload[k] = v
		}
	}
	body, err := a.do(ctx, http.MethodPut, "/task/"+url.PathEscape(id), payload)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("clickup: parse update response: %w", err)
	}
	return a.normalize(&task), nil
}

// TransitionWorkItem implements adapter.SourceAdapter. The canonical name
// for the target status is sent as-is; lists that do not define it reject
// the update upstream.
func (a *Adapter) TransitionWorkItem(ctx context.Context, id string, to model.Status, comment string) (*model.WorkItem, error) {
	if comment != "" {
		if _, err := a.AddComment(ctx, id, comment); err != nil {
			return nil, err
		}
	}
	body, err := a.do(ctx, http.MethodPut, "/task/"+url.PathEscape(id),
		map[string]interface{}{"status": a.mapper.StatusToBackend(to)})
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("clickup: parse transition response: %w", err)
	}
	return a.normalize(&task), nil
}

// AddComment implements adapter.SourceAdapter.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (*model.Comment, error) {
	resp, err := a.do(ctx, http.MethodPost, "/task/"+url.PathEscape(id)+"/comment",
		map[string]string{"comment_text": body})
	if err != nil {
		return nil, err
	}
	var created struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("clickup: parse comment response: %w", err)
	}
	return &model.Comment{
		SourceID:   created.ID.String(),
		WorkItemID: id,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// FetchComments implements adapter.SourceAdapter.
func (a *Adapter) FetchComments(ctx context.Context, id string) ([]*model.Comment, error) {
	body, err := a.do(ctx, http.MethodGet, "/task/"+url.PathEscape(id)+"/comment", nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Comments []TaskComment `json:"comments"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("clickup: parse comments: %w", err)
	}

	comments := make([]*model.Comment, 0, len(page.Comments))
	for i := range page.Comments {
		c := &page.Comments[i]
		out := &model.Comment{
			SourceID:   c.ID,
			WorkItemID: id,
			Body:       c.CommentText,
		}
		if c.User != nil {
			out.AuthorID = strconv.FormatInt(c.User.ID, 10)
		}
		if t, ok := parseMillis(c.Date); ok {
			out.CreatedAt = t
			out.UpdatedAt = t
		}
		if raw, err := json.Marshal(c); err == nil {
			out.RawPayload = raw
		}
		comments = append(comments, out)
	}
	return comments, nil
}

// FetchTransitions implements adapter.SourceAdapter. ClickUp exposes no
// public status history.
func (a *Adapter) FetchTransitions(context.Context, string) ([]*model.Transition, error) {
	return []*model.Transition{}, nil
}

// LinkWorkItems implements adapter.SourceAdapter via task links.
func (a *Adapter) LinkWorkItems(ctx context.Context, inwardID, outwardID, _ string) error {
	_, err := a.do(ctx, http.MethodPost,
		"/task/"+url.PathEscape(inwardID)+"/link/"+url.PathEscape(outwardID), map[string]interface{}{})
	return err
}

func (a *Adapter) decodeTasks(body []byte) ([]*model.WorkItem, error) {
	var page struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("clickup: parse tasks: %w", err)
	}
	items := make([]*model.WorkItem, 0, len(page.Tasks))
	for i := range page.Tasks {
		items = append(items, a.normalize(&page.Tasks[i]))
	}
	return items, nil
}

func (a *Adapter) normalize(task *Task) *model.WorkItem {
	item := &model.WorkItem{
		SourceID:    task.ID,
		SourceKey:   task.ID,
		SourceKind:  model.BackendClickUp,
		TenantID:    a.tenantID,
		InstanceID:  a.instanceID,
		Title:       task.Name,
		Description: task.Description,
		Status:      a.mapper.StatusFromBackend(task.Status),
		Priority:    a.mapper.PriorityFromBackend(task.Priority),
		URL:         task.URL,
	}
	if len(task.Assignees) > 0 {
		item.AssigneeID = strconv.FormatInt(task.Assignees[0].ID, 10)
	}
	if task.Creator != nil {
		item.ReporterID = strconv.FormatInt(task.Creator.ID, 10)
	}
	if task.List != nil {
		item.ProjectID = task.List.ID
	}
	if task.Parent != "" {
		parent := task.Parent
		item.ParentID = &parent
	}
	if t, ok := parseMillis(task.DateCreated); ok {
		item.CreatedAt = t
	}
	if t, ok := parseMillis(task.DateUpdated); ok {
		item.UpdatedAt = t
	}
	if item.Status.IsTerminal() {
		if t, ok := parseMillis(task.DateClosed); ok {
			item.ClosedAt = &t
		}
	}
	if raw, err := json.Marshal(task); err == nil {
		item.RawPayload = raw
	}
	item.SetDefaults()
	return item
}

// parseMillis parses ClickUp's epoch-milliseconds-as-string timestamps.
func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
