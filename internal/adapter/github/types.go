package github

import (
	"encoding/json"
	"time"
)

// Issue is a GitHub issue from the REST v3 API. The Issues endpoint also
// returns pull requests; PullRequest is non-nil for those and the adapter
// skips them.
type Issue struct {
	ID          int64           `json:"id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	State       string          `json:"state"`
	Labels      []Label         `json:"labels"`
	Assignee    *User           `json:"assignee"`
	User        *User           `json:"user"`
	HTMLURL     string          `json:"html_url"`
	CreatedAt   *time.Time      `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at"`
	ClosedAt    *time.Time      `json:"closed_at"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
}

// Label is a GitHub issue label.
type Label struct {
	Name string `json:"name"`
}

// User is a GitHub account.
type User struct {
	Login string `json:"login"`
}

// IssueComment is a GitHub issue comment.
type IssueComment struct {
	ID        int64      `json:"id"`
	Body      string     `json:"body"`
	User      *User      `json:"user"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// IssueEvent is one entry of the issue events endpoint. Only closed and
// reopened events become transitions.
type IssueEvent struct {
	ID        int64      `json:"id"`
	Event     string     `json:"event"`
	Actor     *User      `json:"actor"`
	CreatedAt *time.Time `json:"created_at"`
}
