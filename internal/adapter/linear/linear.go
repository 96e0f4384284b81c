// Package linear implements the Linear adapter over the GraphQL API.
//
// Linear authenticates with the raw API key, no Bearer prefix. Priority
// is an integer 0-4 where 0 is none and 4 is critical. The public API
// exposes no status history, so FetchTransitions returns empty.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/model"
)

func init() {
	adapter.Register(model.BackendLinear, New)
}

// Adapter is the Linear implementation of adapter.SourceAdapter.
type Adapter struct {
	endpoint   string
	apiKey     string
	instanceID string
	tenantID   string
	client     *http.Client
	mapper     Mapper
}

// New builds a Linear adapter.
func New(inst *model.BackendInstance, cred *model.Credential) (adapter.SourceAdapter, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("linear: api key is required")
	}
	endpoint := strings.TrimSuffix(inst.BaseURL, "/")
	if endpoint == "" {
		endpoint = "https://api.linear.app"
	}
	return &Adapter{
		endpoint:   endpoint + "/graphql",
		apiKey:     cred.Token,
		instanceID: inst.ID,
		tenantID:   inst.TenantID,
		client:     adapter.NewHTTPClient(),
	}, nil
}

// Name implements adapter.SourceAdapter.
func (a *Adapter) Name() model.BackendKind { return model.BackendLinear }

// Mapper implements adapter.SourceAdapter.
func (a *Adapter) Mapper() adapter.EnumMapper { return a.mapper }

// issueFields is the GraphQL selection shared by all issue reads.
const issueFields = `
	id
	identifier
	title
	description
	priority
	createdAt
	updatedAt
	completedAt
	canceledAt
	url
	state { id name type }
	assignee { id }
	creator { id }
	parent { identifier }
	team { id key }
`

// Issue is the GraphQL issue node shape.
type Issue struct {
	ID          string     `json:"id"`
	Identifier  string     `json:"identifier"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    float64    `json:"priority"`
	CreatedAt   *time.Time `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	CanceledAt  *time.Time `json:"canceledAt"`
	URL         string     `json:"url"`
	State       *State     `json:"state"`
	Assignee    *Node      `json:"assignee"`
	Creator     *Node      `json:"creator"`
	Parent      *struct {
		Identifier string `json:"identifier"`
	} `json:"parent"`
	Team *Team `json:"team"`
}

// State is a Linear workflow state.
type State struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // backlog, unstarted, started, completed, canceled
}

// Node is a bare {id} reference.
type Node struct {
	ID string `json:"id"`
}

// Team is a Linear team reference.
type Team struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// query posts one GraphQL operation and decodes data into out.
func (a *Adapter) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("linear: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("linear: build request: %w", err)
	}
	// Linear expects the raw key, no Bearer prefix.
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := adapter.Do(a.client, req)
	if err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("linear: parse response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			messages[i] = e.Message
		}
		return apperr.New(apperr.KindUpstream4xx, "linear graphql error").
			WithDetails(map[string]interface{}{"errors": messages})
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("linear: parse data: %w", err)
		}
	}
	return nil
}

// TestConnection implements adapter.SourceAdapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	return a.query(ctx, `query { viewer { id } }`, nil, nil)
}

// Search implements adapter.SourceAdapter via issueSearch.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]*model.WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var result struct {
		IssueSearch struct {
			Nodes []Issue `json:"nodes"`
		} `json:"issueSearch"`
	}
	err := a.query(ctx,
		`query($q: String!, $limit: Int!) { issueSearch(query: $q, first: $limit) { nodes {`+issueFields+`} } }`,
		map[string]interface{}{"q": query, "limit": limit}, &result)
	if err != nil {
		return nil, err
	}
	return a.normalizeAll(result.IssueSearch.Nodes), nil
}

// FetchWorkItems implements adapter.SourceAdapter. Project is the Linear
// team key.
func (a *Adapter) FetchWorkItems(ctx context.Context, opts model.FetchOptions) ([]*model.WorkItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	filter := map[string]interface{}{}
	if opts.Project != "" {
		filter["team"] = map[string]interface{}{"key": map[string]interface{}{"eq": opts.Project}}
	}
	if opts.UpdatedSince != nil {
		filter["updatedAt"] = map[string]interface{}{"gt": opts.UpdatedSince.UTC().Format(time.RFC3339)}
	}

	var result struct {
		Issues struct {
			Nodes []Issue `json:"nodes"`
		} `json:"issues"`
	}
	err := a.query(ctx,
		`query($filter: IssueFilter, $limit: Int!) { issues(filter: $filter, first: $limit) { nodes {`+issueFields+`} } }`,
		map[string]interface{}{"filter": filter, "limit": limit}, &result)
	if err != nil {
		return nil, err
	}
	return a.normalizeAll(result.Issues.Nodes), nil
}

// FetchWorkItem implements adapter.SourceAdapter.
func (a *Adapter) FetchWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	var result struct {
		Issue *Issue `json:"issue"`
	}
	err := a.query(ctx,
		`query($id: String!) { issue(id: $id) {`+issueFields+`} }`,
		map[string]interface{}{"id": id}, &result)
	if err != nil {
		return nil, err
	}
	if result.Issue == nil {
		return nil, apperr.New(apperr.KindNotFound, "linear issue %s not found", id)
	}
	return a.normalize(result.Issue), nil
}

// CreateWorkItem implements adapter.SourceAdapter. Project is the team
// key, resolved to the team ID first.
func (a *Adapter) CreateWorkItem(ctx context.Context, req *model.CreateRequest) (*model.WorkItem, error) {
	teamID, err := a.resolveTeam(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	input := map[string]interface{}{
		"teamId":   teamID,
		"title":    req.Title,
		"priority": a.mapper.PriorityToBackend(req.Priority),
	}
	if req.Description != "" {
		input["description"] = req.Description
	}
	if req.AssigneeID != "" {
		input["assigneeId"] = req.AssigneeID
	}
	for k, v := range req.Extras {
		input[k] = v
	}

	var result struct {
		IssueCreate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	err = a.query(ctx,
		`mutation($input: IssueCreateInput!) { issueCreate(input: $input) { success issue {`+issueFields+`} } }`,
		map[string]interface{}{"input": input}, &result)
	if err != nil {
		return nil, err
	}
	if !result.IssueCreate.Success || result.IssueCreate.Issue == nil {
		return nil, apperr.New(apperr.KindUpstream5xx, "linear issue create did not succeed")
	}
	return a.normalize(result.IssueCreate.Issue), nil
}

// UpdateWorkItem implements adapter.SourceAdapter.
func (a *Adapter) UpdateWorkItem(ctx context.Context, id string, fields map[string]interface{}) (*model.WorkItem, error) {
	input := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case "title":
			input["title"] = v
		case "description":
			input["description"] = v
		case "priority":
			input["priority"] = a.mapper.PriorityToBackend(model.Priority(fmt.Sprint(v)))
		case "assignee":
			input["assigneeId"] = v
		default:
			input[k] = v
		}
	}
	return a.issueUpdate(ctx, id, input)
}

// TransitionWorkItem implements adapter.SourceAdapter. The target state is
// found among the issue team's workflow states by normalized equivalence.
func (a *Adapter) TransitionWorkItem(ctx context.Context, id string, to model.Status, comment string) (*model.WorkItem, error) {
	var result struct {
		Issue *struct {
			ID   string `json:"id"`
			Team struct {
				States struct {
					Nodes []State `json:"nodes"`
				} `json:"states"`
			} `json:"team"`
		} `json:"issue"`
	}
	err := a.query(ctx,
		`query($id: String!) { issue(id: $id) { id team { states { nodes { id name type } } } } }`,
		map[string]interface{}{"id": id}, &result)
	if err != nil {
		return nil, err
	}
	if result.Issue == nil {
		return nil, apperr.New(apperr.KindNotFound, "linear issue %s not found", id)
	}

	stateID := ""
	available := make([]string, 0, len(result.Issue.Team.States.Nodes))
	for _, st := range result.Issue.Team.States.Nodes {
		available = append(available, st.Name)
		if a.mapper.StatusFromBackend(&st) == to {
			stateID = st.ID
			break
		}
	}
	if stateID == "" {
		return nil, apperr.New(apperr.KindValidation, "no workflow state maps to %s", to).
			WithDetails(map[string]interface{}{"available": available})
	}

	if comment != "" {
		if _, err := a.AddComment(ctx, id, comment); err != nil {
			return nil, err
		}
	}
	return a.issueUpdate(ctx, result.Issue.ID, map[string]interface{}{"stateId": stateID})
}

// AddComment implements adapter.SourceAdapter.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (*model.Comment, error) {
	var result struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment *struct {
				ID        string     `json:"id"`
				Body      string     `json:"body"`
				CreatedAt *time.Time `json:"createdAt"`
				User      *Node      `json:"user"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	err := a.query(ctx,
		`mutation($input: CommentCreateInput!) { commentCreate(input: $input) { success comment { id body createdAt user { id } } } }`,
		map[string]interface{}{"input": map[string]interface{}{"issueId": id, "body": body}}, &result)
	if err != nil {
		return nil, err
	}
	if !result.CommentCreate.Success || result.CommentCreate.Comment == nil {
		return nil, apperr.New(apperr.KindUpstream5xx, "linear comment create did not succeed")
	}

	c := result.CommentCreate.Comment
	out := &model.Comment{SourceID: c.ID, WorkItemID: id, Body: c.Body}
	if c.User != nil {
		out.AuthorID = c.User.ID
	}
	if c.CreatedAt != nil {
		out.CreatedAt = *c.CreatedAt
		out.UpdatedAt = *c.CreatedAt
	}
	return out, nil
}

// FetchComments implements adapter.SourceAdapter.
func (a *Adapter) FetchComments(ctx context.Context, id string) ([]*model.Comment, error) {
	var result struct {
		Issue *struct {
			Comments struct {
				Nodes []struct {
					ID        string     `json:"id"`
					Body      string     `json:"body"`
					CreatedAt *time.Time `json:"createdAt"`
					UpdatedAt *time.Time `json:"updatedAt"`
					User      *Node      `json:"user"`
				} `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	err := a.query(ctx,
		`query($id: String!) { issue(id: $id) { comments { nodes { id body createdAt updatedAt user { id } } } } }`,
		map[string]interface{}{"id": id}, &result)
	if err != nil {
		return nil, err
	}
	if result.Issue == nil {
		return nil, apperr.New(apperr.KindNotFound, "linear issue %s not found", id)
	}

	comments := make([]*model.Comment, 0, len(result.Issue.Comments.Nodes))
	for _, c := range result.Issue.Comments.Nodes {
		out := &model.Comment{SourceID: c.ID, WorkItemID: id, Body: c.Body}
		if c.User != nil {
			out.AuthorID = c.User.ID
		}
		if c.CreatedAt != nil {
			out.CreatedAt = *c.CreatedAt
		}
		if c.UpdatedAt != nil {
			out.UpdatedAt = *c.UpdatedAt
		}
		comments = append(comments, out)
	}
	return comments, nil
}

// FetchTransitions implements adapter.SourceAdapter. The public API does
// not expose status history.
func (a *Adapter) FetchTransitions(context.Context, string) ([]*model.Transition, error) {
	return []*model.Transition{}, nil
}

// LinkWorkItems implements adapter.SourceAdapter via issue relations.
func (a *Adapter) LinkWorkItems(ctx context.Context, inwardID, outwardID, linkType string) error {
	if linkType == "" {
		linkType = "related"
	}
	var result struct {
		IssueRelationCreate struct {
			Success bool `json:"success"`
		} `json:"issueRelationCreate"`
	}
	err := a.query(ctx,
		`mutation($input: IssueRelationCreateInput!) { issueRelationCreate(input: $input) { success } }`,
		map[string]interface{}{"input": map[string]interface{}{
			"issueId":        inwardID,
			"relatedIssueId": outwardID,
			"type":           strings.ToLower(linkType),
		}}, &result)
	if err != nil {
		return err
	}
	if !result.IssueRelationCreate.Success {
		return apperr.New(apperr.KindUpstream5xx, "linear relation create did not succeed")
	}
	return nil
}

func (a *Adapter) issueUpdate(ctx context.Context, id string, input map[string]interface{}) (*model.WorkItem, error) {
	var result struct {
		IssueUpdate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueUpdate"`
	}
	err := a.query(ctx,
		`mutation($id: String!, $input: IssueUpdateInput!) { issueUpdate(id: $id, input: $input) { success issue {`+issueFields+`} } }`,
		map[string]interface{}{"id": id, "input": input}, &result)
	if err != nil {
		return nil, err
	}
	if !result.IssueUpdate.Success || result.IssueUpdate.Issue == nil {
		return nil, apperr.New(apperr.KindUpstream5xx, "linear issue update did not succeed")
	}
	return a.normalize(result.IssueUpdate.Issue), nil
}

func (a *Adapter) resolveTeam(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", apperr.New(apperr.KindValidation, "linear create requires project set to a team key")
	}
	var result struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	err := a.query(ctx,
		`query($key: String!) { teams(filter: { key: { eq: $key } }) { nodes { id key } } }`,
		map[string]interface{}{"key": key}, &result)
	if err != nil {
		return "", err
	}
	if len(result.Teams.Nodes) == 0 {
		return "", apperr.New(apperr.KindNotFound, "linear team %q not found", key)
	}
	return result.Teams.Nodes[0].ID, nil
}

func (a *Adapter) normalizeAll(issues []Issue) []*model.WorkItem {
	items := make([]*model.WorkItem, 0, len(issues))
	for i := range issues {
		items = append(items, a.normalize(&issues[i]))
	}
	return items
}

func (a *Adapter) normalize(issue *Issue) *model.WorkItem {
	item := &model.WorkItem{
		SourceID:    issue.ID,
		SourceKey:   issue.Identifier,
		SourceKind:  model.BackendLinear,
		TenantID:    a.tenantID,
		InstanceID:  a.instanceID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      a.mapper.StatusFromBackend(issue.State),
		Priority:    a.mapper.PriorityFromBackend(int(issue.Priority)),
		URL:         issue.URL,
	}
	if issue.Assignee != nil {
		item.AssigneeID = issue.Assignee.ID
	}
	if issue.Creator != nil {
		item.ReporterID = issue.Creator.ID
	}
	if issue.Team != nil {
		item.ProjectID = issue.Team.Key
	}
	if issue.Parent != nil {
		parent := issue.Parent.Identifier
		item.ParentID = &parent
	}
	if issue.CreatedAt != nil {
		item.CreatedAt = *issue.CreatedAt
	}
	if issue.UpdatedAt != nil {
		item.UpdatedAt = *issue.UpdatedAt
	}
	switch {
	case item.Status == model.StatusDone && issue.CompletedAt != nil:
		item.ClosedAt = issue.CompletedAt
	case item.Status == model.StatusCancelled && issue.CanceledAt != nil:
		item.ClosedAt = issue.CanceledAt
	}
	if raw, err := json.Marshal(issue); err == nil {
		item.RawPayload = raw
	}
	item.SetDefaults()
	return item
}
