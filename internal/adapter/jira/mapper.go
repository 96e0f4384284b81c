package jira

import (
	"strings"

	"github.com/unitrack/unitrack/internal/model"
)

// Mapper converts Jira named values to the normalized enums and back.
// Inbound matching is case-insensitive on the Jira display name; unknown
// statuses collapse to todo, unknown priorities to medium, unknown types
// to task.
type Mapper struct{}

// StatusFromBackend maps a Jira status name to a normalized status.
func (Mapper) StatusFromBackend(v interface{}) model.Status {
	switch strings.ToLower(asString(v)) {
	case "to do", "todo", "open", "backlog", "selected for development":
		return model.StatusTodo
	case "in progress":
		return model.StatusInProgress
	case "blocked", "impediment":
		return model.StatusBlocked
	case "in review", "code review", "review":
		return model.StatusInReview
	case "done", "closed", "resolved":
		return model.StatusDone
	case "cancelled", "canceled", "won't do", "wont do":
		return model.StatusCancelled
	default:
		return model.StatusTodo
	}
}

// StatusToBackend maps a normalized status to the Jira status name used
// when matching available transitions.
func (Mapper) StatusToBackend(s model.Status) interface{} {
	switch s {
	case model.StatusInProgress:
		return "In Progress"
	case model.StatusBlocked:
		return "Blocked"
	case model.StatusInReview:
		return "In Review"
	case model.StatusDone:
		return "Done"
	case model.StatusCancelled:
		return "Cancelled"
	default:
		return "To Do"
	}
}

// PriorityFromBackend maps a Jira priority name to a normalized priority.
func (Mapper) PriorityFromBackend(v interface{}) model.Priority {
	switch strings.ToLower(asString(v)) {
	case "highest", "blocker", "critical":
		return model.PriorityCritical
	case "high", "major":
		return model.PriorityHigh
	case "medium":
		return model.PriorityMedium
	case "low", "minor":
		return model.PriorityLow
	case "lowest", "trivial", "none", "":
		return model.PriorityNone
	default:
		return model.PriorityMedium
	}
}

// PriorityToBackend maps a normalized priority to a Jira priority name.
func (Mapper) PriorityToBackend(p model.Priority) interface{} {
	switch p {
	case model.PriorityCritical:
		return "Highest"
	case model.PriorityHigh:
		return "High"
	case model.PriorityLow:
		return "Low"
	case model.PriorityNone:
		return "Lowest"
	default:
		return "Medium"
	}
}

// TypeFromBackend maps a Jira issue type name to a normalized type.
func (Mapper) TypeFromBackend(v interface{}) model.WorkItemType {
	switch strings.ToLower(asString(v)) {
	case "epic":
		return model.TypeEpic
	case "story", "user story":
		return model.TypeStory
	case "bug", "defect":
		return model.TypeBug
	case "sub-task", "subtask":
		return model.TypeSubtask
	case "new feature", "feature", "improvement":
		return model.TypeFeature
	default:
		return model.TypeTask
	}
}

// TypeToBackend maps a normalized type to a Jira issue type name.
func (Mapper) TypeToBackend(t model.WorkItemType) interface{} {
	switch t {
	case model.TypeEpic:
		return "Epic"
	case model.TypeStory:
		return "Story"
	case model.TypeBug:
		return "Bug"
	case model.TypeSubtask:
		return "Sub-task"
	case model.TypeFeature:
		return "New Feature"
	default:
		return "Task"
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(*NamedField); ok && f != nil {
		return f.Name
	}
	return ""
}
