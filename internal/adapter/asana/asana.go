// Package asana implements the Asana adapter.
//
// Asana tasks map to work items. Completion is a boolean, so status
// collapses to done or todo, and outbound transitions set completed=true
// only for done. Comments are stories of type "comment"; completion
// transitions are synthesized from system stories since Asana exposes no
// changelog.
package asana

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
	adapter.Register(model.BackendAsana, New)
}

// taskFields is the opt_fields set requested on task reads.
const taskFields = "gid,name,notes,completed,completed_at,assignee.gid,created_by.gid,created_at,modified_at,projects.gid,parent.gid,permalink_url"

// Adapter is the Asana implementation of adapter.SourceAdapter.
type Adapter struct {
	baseURL    string
	token      string
	instanceID string
	tenantID   string
	client     *http.Client
	mapper     Mapper
}

// New builds an Asana adapter authenticating with a Bearer PAT.
func New(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("asana: token is required")
	}
	baseURL := strings.TrimSuffix(inst.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://app.asana.com/api/1.0"
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
func (a *Adapter) Name() model.BackendKind { return model.BackendAsana }

// Mapper implements adapter.SourceAdapter.
func (a *Adapter) Mapper() adapter.EnumMapper { return a.mapper }

// Task is an Asana task.
type Task struct {
	GID          string     `json:"gid"`
	Name         string     `json:"name"`
	Notes        string     `json:"notes"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at"`
	Assignee     *Ref       `json:"assignee"`
	CreatedBy    *Ref       `json:"created_by"`
	CreatedAt    *time.Time `json:"created_at"`
	ModifiedAt   *time.Time `json:"modified_at"`
	Projects     []Ref      `json:"projects"`
	Parent       *Ref       `json:"parent"`
	PermalinkURL string     `json:"permalink_url"`
}

// Ref is an Asana object reference.
type Ref struct {
	GID string `json:"gid"`
}

// Story is an Asana story: comments and system events share the type.
type Story struct {
	GID             string     `json:"gid"`
	Type            string     `json:"type"` // "comment" or "system"
	ResourceSubtype string     `json:"resource_subtype"`
	Text            string     `json:"text"`
	CreatedBy       *Ref       `json:"created_by"`
	CreatedAt       *time.Time `json:"created_at"`
}

func (a *Adapter) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(map[string]interface{}{"data": payload})
		if err != nil {
			return nil, fmt.Errorf("asana: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("asana: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return adapter.Do(a.client, req)
}

// decodeData unwraps Asana's {"data": ...} envelope.
func decodeData(body []byte, out interface{}) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("asana: parse envelope: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

// TestConnection implements adapter.SourceAdapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodGet, "/users/me", nil)
	return err
}

// Search implements adapter.SourceAdapter using workspace text search. The
// workspace is discovered from the authenticated user.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]*model.WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	body, err := a.do(ctx, http.MethodGet, "/users/me?opt_fields=workspaces.gid", nil)
	if err != nil {
		return nil, err
	}
	var me struct {
		Workspaces []Ref `json:"workspaces"`
	}
	if err := decodeData(body, &me); err != nil {
		return nil, err
	}
	if len(me.Workspaces) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "asana user has no workspaces")
	}

	params := url.Values{
		"text":       {query},
		"opt_fields": {taskFields},
		"limit":      {strconv.Itoa(limit)},
	}
	body, err = a.do(ctx, http.MethodGet,
		"/workspaces/"+me.Workspaces[0].GID+"/tasks/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return a.decodeTasks(body)
}

// FetchWorkItems implements adapter.SourceAdapter. Project (an Asana
// project gid) is required.
func (a *Adapter) FetchWorkItems(ctx context.Context, opts model.FetchOptions) ([]*model.WorkItem, error) {
	if opts.Project == "" {
		return nil, apperr.New(apperr.KindValidation, "asana fetch requires a project gid")
	}
	params := url.Values{
		"project":    {opts.Project},
		"opt_fields": {taskFields},
	}
	if opts.UpdatedSince != nil {
		params.Set("modified_since", opts.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	body, err := a.do(ctx, http.MethodGet, "/tasks?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return a.decodeTasks(body)
}

// FetchWorkItem implements adapter.SourceAdapter.
func (a *Adapter) FetchWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	body, err := a.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"?opt_fields="+taskFields, nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := decodeData(body, &task); err != nil {
		return nil, err
	}
	return a.normalize(&task), nil
}

// CreateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) CreateWorkItem(ctx context.Context, req *model.CreateRequest) (*model.WorkItem, error) {
	if req.Project == "" {
		return nil, apperr.New(apperr.KindValidation, "asana create requires a project gid")
	}
	payload := map[string]interface{}{
		"name":     req.Title,
		"notes":    req.Description,
		"projects": []string{req.Project},
	}
	if req.AssigneeID != "" {
		payload["assignee"] = req.AssigneeID
	}
	for k, v := range req.Extras {
		payload[k] = v
	}
	body, err := a.do(ctx, http.MethodPost, "/tasks?opt_fields="+taskFields, payload)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := decodeData(body, &task); err != nil {
		return nil, err
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
			payload["notes"] = v
		case "assignee":
			payload["assignee"] = v
		default:
			payload[k] = v
		}
	}
	body, err := a.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id)+"?opt_fields="+taskFields, payload)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := decodeData(body, &task); err != nil {
		return nil, err
	}
	return a.normalize(&task), nil
}

// TransitionWorkItem implements adapter.SourceAdapter. Done maps to
// completed=true; every other status maps to completed=false.
func (a *Adapter) TransitionWorkItem(ctx context.Context, id string, to model.Status, comment string) (*model.WorkItem, error) {
	if comment != "" {
		if _, err := a.AddComment(ctx, id, comment); err != nil {
			return nil, err
		}
	}
	body, err := a.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id)+"?opt_fields="+taskFields,
		map[string]interface{}{"completed": to == model.StatusDone})
	if err != nil {
		return nil, err
	}
	var task Task
	if err := decodeData(body, &task); err != nil {
		return nil, err
	}
	return a.normalize(&task), nil
}

// AddComment implements adapter.SourceAdapter by posting a comment story.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (*model.Comment, error) {
	resp, err := a.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/stories",
		map[string]interface{}{"text": body})
	if err != nil {
		return nil, err
	}
	var story Story
	if err := decodeData(resp, &story); err != nil {
		return nil, err
	}
	return normalizeStory(id, &story), nil
}

// FetchComments implements adapter.SourceAdapter. Only stories of type
// "comment" qualify; system stories are noise here.
func (a *Adapter) FetchComments(ctx context.Context, id string) ([]*model.Comment, error) {
	stories, err := a.fetchStories(ctx, id)
	if err != nil {
		return nil, err
	}
	var comments []*model.Comment
	for i := range stories {
		if stories[i].Type != "comment" {
			continue
		}
		comments = append(comments, normalizeStory(id, &stories[i]))
	}
	return comments, nil
}

// FetchTransitions implements adapter.SourceAdapter. Asana has no status
// changelog; completion flips are synthesized from system stories.
func (a *Adapter) FetchTransitions(ctx context.Context, id string) ([]*model.Transition, error) {
	stories, err := a.fetchStories(ctx, id)
	if err != nil {
		return nil, err
	}
	var transitions []*model.Transition
	for i := range stories {
		s := &stories[i]
		if s.Type == "comment" {
			continue
		}
		text := strings.ToLower(s.Text)
		var from, to model.Status
		switch {
		case strings.Contains(text, "marked incomplete"):
			from, to = model.StatusDone, model.StatusTodo
		case strings.Contains(text, "completed"):
			from, to = model.StatusTodo, model.StatusDone
		default:
			continue
		}
		tr := &model.Transition{WorkItemID: id, FromStatus: from, ToStatus: to}
		if s.CreatedBy != nil {
			tr.ActorID = s.CreatedBy.GID
		}
		if s.CreatedAt != nil {
			tr.Timestamp = *s.CreatedAt
		}
		if raw, err := json.Marshal(s); err == nil {
			tr.RawPayload = raw
		}
		transitions = append(transitions, tr)
	}
	return transitions, nil
}

// LinkWorkItems implements adapter.SourceAdapter using task dependencies.
func (a *Adapter) LinkWorkItems(ctx context.Context, inwardID, outwardID, _ string) error {
	_, err := a.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(inwardID)+"/addDependencies",
		map[string]interface{}{"dependencies": []string{outwardID}})
	return err
}

func (a *Adapter) fetchStories(ctx context.Context, id string) ([]Story, error) {
	body, err := a.do(ctx, http.MethodGet,
		"/tasks/"+url.PathEscape(id)+"/stories?opt_fields=gid,type,resource_subtype,text,created_by.gid,created_at", nil)
	if err != nil {
		return nil, err
	}
	var stories []Story
	if err := decodeData(body, &stories); err != nil {
		return nil, err
	}
	return stories, nil
}

func (a *Adapter) decodeTasks(body []byte) ([]*model.WorkItem, error) {
	var tasks []Task
	if err := decodeData(body, &tasks); err != nil {
		return nil, err
	}
	items := make([]*model.WorkItem, 0, len(tasks))
	for i := range tasks {
		items = append(items, a.normalize(&tasks[i]))
	}
	return items, nil
}

func (a *Adapter) normalize(task *Task) *model.WorkItem {
	item := &model.WorkItem{
		SourceID:    task.GID,
		SourceKey:   task.GID,
		SourceKind:  model.BackendAsana,
		TenantID:    a.tenantID,
		InstanceID:  a.instanceID,
		Title:       task.Name,
		Description: task.Notes,
		Status:      a.mapper.StatusFromBackend(task.Completed),
		URL:         task.PermalinkURL,
	}
	if task.Assignee != nil {
		item.AssigneeID = task.Assignee.GID
	}
	if task.CreatedBy != nil {
		item.ReporterID = task.CreatedBy.GID
	}
	if len(task.Projects) > 0 {
		item.ProjectID = task.Projects[0].GID
	}
	if task.Parent != nil {
		parent := task.Parent.GID
		item.ParentID = &parent
	}
	if task.CreatedAt != nil {
		item.CreatedAt = *task.CreatedAt
	}
	if task.ModifiedAt != nil {
		item.UpdatedAt = *task.ModifiedAt
	}
	if task.Completed && task.CompletedAt != nil {
		item.ClosedAt = task.CompletedAt
	}
	if raw, err := json.Marshal(task); err == nil {
		item.RawPayload = raw
	}
	item.SetDefaults()
	return item
}

func normalizeStory(taskID string, s *Story) *model.Comment {
	out := &model.Comment{
		SourceID:   s.GID,
		WorkItemID: taskID,
		Body:       s.Text,
	}
	if s.CreatedBy != nil {
		out.AuthorID = s.CreatedBy.GID
	}
	if s.CreatedAt != nil {
		out.CreatedAt = *s.CreatedAt
		out.UpdatedAt = *s.CreatedAt
	}
	if raw, err := json.Marshal(s); err == nil {
		out.RawPayload = raw
	}
	return out
}
