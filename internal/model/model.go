// Package model defines the normalized data structures shared by all
// backend adapters and the dispatcher.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackendKind identifies a supported third-party issue tracker.
type BackendKind string

// Supported backend kinds.
const (
	BackendJira    BackendKind = "jira"
	BackendGitHub  BackendKind = "github"
	BackendAsana   BackendKind = "asana"
	BackendLinear  BackendKind = "linear"
	BackendClickUp BackendKind = "clickup"
)

// IsValid checks if the backend kind is a supported value.
func (b BackendKind) IsValid() bool {
	switch b {
	case BackendJira, BackendGitHub, BackendAsana, BackendLinear, BackendClickUp:
		return true
	}
	return false
}

// Status is the backend-agnostic state of a work item.
type Status string

// Normalized status values.
const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsValid checks if the status value is a member of the closed set.
func (s Status) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusInReview, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status represents a closed work item.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Priority is the backend-agnostic urgency of a work item.
type Priority string

// Normalized priority values.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityNone     Priority = "none"
)

// IsValid checks if the priority value is a member of the closed set.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityNone:
		return true
	}
	return false
}

// WorkItemType categorizes the kind of work.
type WorkItemType string

// Normalized work item types.
const (
	TypeEpic    WorkItemType = "epic"
	TypeStory   WorkItemType = "story"
	TypeTask    WorkItemType = "task"
	TypeBug     WorkItemType = "bug"
	TypeSubtask WorkItemType = "subtask"
	TypeFeature WorkItemType = "feature"
)

// IsValid checks if the work item type is a member of the closed set.
func (t WorkItemType) IsValid() bool {
	switch t {
	case TypeEpic, TypeStory, TypeTask, TypeBug, TypeSubtask, TypeFeature:
		return true
	}
	return false
}

// WorkItem is the backend-agnostic view of an issue/task/ticket.
// (InstanceID, SourceID) uniquely identifies an item.
// RawPayload carries the full backend response so downstream consumers can
// recover fields the normalization drops.
type WorkItem struct {
	SourceID     string                 `json:"source_id" db:"source_id"`
	SourceKey    string                 `json:"source_key" db:"source_key"`
	SourceKind   BackendKind            `json:"source_kind" db:"source_kind"`
	TenantID     string                 `json:"tenant_id" db:"tenant_id"`
	InstanceID   string                 `json:"instance_id" db:"instance_id"`
	Title        string                 `json:"title" db:"title"`
	Description  string                 `json:"description,omitempty" db:"description"`
	Status       Status                 `json:"status" db:"status"`
	Priority     Priority               `json:"priority" db:"priority"`
	Type         WorkItemType           `json:"type" db:"item_type"`
	ParentID     *string                `json:"parent_id,omitempty" db:"parent_id"`
	ProjectID    string                 `json:"project_id,omitempty" db:"project_id"`
	AssigneeID   string                 `json:"assignee_id,omitempty" db:"assignee_id"`
	ReporterID   string                 `json:"reporter_id,omitempty" db:"reporter_id"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
	ClosedAt     *time.Time             `json:"closed_at,omitempty" db:"closed_at"`
	URL          string                 `json:"url,omitempty" db:"url"`
	RawPayload   json.RawMessage        `json:"raw_payload,omitempty" db:"raw_payload"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty" db:"-"`
}

// Validate checks the work item's structural invariants.
func (w *WorkItem) Validate() error {
	if w.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if w.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !w.SourceKind.IsValid() {
		return fmt.Errorf("invalid source_kind: %s", w.SourceKind)
	}
	if !w.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", w.Status)
	}
	if !w.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", w.Priority)
	}
	if !w.Type.IsValid() {
		return fmt.Errorf("invalid type: %s", w.Type)
	}
	// closed_at is set if and only if the item is in a terminal status
	if w.ClosedAt != nil && !w.Status.IsTerminal() {
		return fmt.Errorf("closed_at set on non-terminal status %s", w.Status)
	}
	return nil
}

// SetDefaults fills in normalization defaults for fields an adapter left empty.
func (w *WorkItem) SetDefaults() {
	if w.Status == "" {
		w.Status = StatusTodo
	}
	if w.Priority == "" {
		w.Priority = PriorityNone
	}
	if w.Type == "" {
		w.Type = TypeTask
	}
}

// Comment is the backend-agnostic view of a work item comment.
type Comment struct {
	SourceID   string          `json:"source_id" db:"source_id"`
	WorkItemID string          `json:"work_item_id" db:"work_item_id"`
	AuthorID   string          `json:"author_id,omitempty" db:"author_id"`
	Body       string          `json:"body" db:"body"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
}

// Transition records a status change on a work item. Derived from the
// upstream changelog, or synthesized from completion events for backends
// that expose no history.
type Transition struct {
	WorkItemID string          `json:"work_item_id" db:"work_item_id"`
	FromStatus Status          `json:"from_status" db:"from_status"`
	ToStatus   Status          `json:"to_status" db:"to_status"`
	ActorID    string          `json:"actor_id,omitempty" db:"actor_id"`
	Timestamp  time.Time       `json:"timestamp" db:"occurred_at"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
}

// BackendInstance is one configured third-party account owned by a tenant.
// CredentialBlob is encrypted at rest and must never appear in logs or
// audit diffs.
type BackendInstance struct {
	ID             string      `json:"id" db:"id"`
	TenantID       string      `json:"tenant_id" db:"tenant_id"`
	Kind           BackendKind `json:"kind" db:"kind"`
	BaseURL        string      `json:"base_url" db:"base_url"`
	AuthKind       AuthKind    `json:"auth_kind" db:"auth_kind"`
	CredentialBlob []byte      `json:"-" db:"credential_blob"`
	Active         bool        `json:"active" db:"active"`
	LastSyncAt     *time.Time  `json:"last_sync_at,omitempty" db:"last_sync_at"`
	RateLimit      int         `json:"rate_limit" db:"rate_limit"`
}

// AuthKind identifies how an instance authenticates to its backend.
type AuthKind string

// Supported auth kinds.
const (
	AuthAPIToken AuthKind = "api-token"
	AuthOAuth    AuthKind = "oauth"
	AuthBasic    AuthKind = "basic"
)

// IsValid checks if the auth kind is a supported value.
func (a AuthKind) IsValid() bool {
	switch a {
	case AuthAPIToken, AuthOAuth, AuthBasic:
		return true
	}
	return false
}

// Credential is the decrypted auth material for an instance. It exists only
// in memory on its way into an adapter's header builder.
type Credential struct {
	Kind     AuthKind `json:"kind"`
	Token    string   `json:"token,omitempty"`
	Email    string   `json:"email,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Secret   string   `json:"secret,omitempty"` // webhook shared secret
}

// FetchOptions narrows a bulk work item fetch.
type FetchOptions struct {
	Project      string
	UpdatedSince *time.Time
	Limit        int
}

// CreateRequest carries the fields for creating a work item upstream.
type CreateRequest struct {
	Project     string                 `json:"project"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Type        WorkItemType           `json:"type"`
	Priority    Priority               `json:"priority"`
	AssigneeID  string                 `json:"assignee,omitempty"`
	Extras      map[string]interface{} `json:"extras,omitempty"`
}
