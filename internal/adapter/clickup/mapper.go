package clickup

import (
	"strings"

	"github.com/unitrack/unitrack/internal/model"
)

// Mapper converts ClickUp statuses and priorities to the normalized enums
// and back. Priority is 1-4 where 1 is urgent (critical); status names
// vary per list so inbound mapping uses the status type first and
// well-known names second.
type Mapper struct{}

// StatusFromBackend maps a ClickUp status to a normalized status.
func (Mapper) StatusFromBackend(v interface{}) model.Status {
	st, ok := v.(*Status)
	if !ok || st == nil {
		return model.StatusTodo
	}
	name := strings.ToLower(st.Status)
	switch {
	case strings.Contains(name, "review"):
		return model.StatusInReview
	case strings.Contains(name, "blocked"):
		return model.StatusBlocked
	case strings.Contains(name, "progress"):
		return model.StatusInProgress
	case strings.Contains(name, "cancel"):
		return model.StatusCancelled
	}
	switch st.Type {
	case "done", "closed":
		return model.StatusDone
	default: // open, custom
		return model.StatusTodo
	}
}

// StatusToBackend maps a normalized status to a canonical ClickUp status
// name. Lists with custom statuses may not define it; the update is then
// rejected upstream.
func (Mapper) StatusToBackend(s model.Status) interface{} {
	switch s {
	case model.StatusInProgress:
		return "in progress"
	case model.StatusBlocked:
		return "blocked"
	case model.StatusInReview:
		return "review"
	case model.StatusDone:
		return "complete"
	case model.StatusCancelled:
		return "closed"
	default:
		return "to do"
	}
}

// PriorityFromBackend maps ClickUp's priority object to a normalized
// priority. A nil priority is none.
func (Mapper) PriorityFromBackend(v interface{}) model.Priority {
	p, ok := v.(*Priority)
	if !ok || p == nil {
		return model.PriorityNone
	}
	switch p.ID {
	case "1":
		return model.PriorityCritical
	case "2":
		return model.PriorityHigh
	case "3":
		return model.PriorityMedium
	case "4":
		return model.PriorityLow
	default:
		return model.PriorityNone
	}
}

// PriorityToBackend maps a normalized priority to the 1-4 integer, or nil
// for none.
func (Mapper) PriorityToBackend(p model.Priority) interface{} {
	switch p {
	case model.PriorityCritical:
		return 1
	case model.PriorityHigh:
		return 2
	case model.PriorityMedium:
		return 3
	case model.PriorityLow:
		return 4
	default:
		return nil
	}
}

// TypeFromBackend always returns task.
func (Mapper) TypeFromBackend(interface{}) model.WorkItemType {
	return model.TypeTask
}

// TypeToBackend drops the type.
func (Mapper) TypeToBackend(model.WorkItemType) interface{} {
	return nil
}
