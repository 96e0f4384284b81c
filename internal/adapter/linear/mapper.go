package linear

import (
	"strings"

	"github.com/unitrack/unitrack/internal/model"
)

// Mapper converts Linear workflow states and integer priorities to the
// normalized enums and back. Priority is 0-4 where 0 is none and 4 is
// critical. Linear has no issue types; type defaults to task.
type Mapper struct{}

// StatusFromBackend maps a workflow state to a normalized status. The
// state type drives the mapping; review and blocked are recognized by
// state name since Linear models them as custom started states.
func (Mapper) StatusFromBackend(v interface{}) model.Status {
	st, ok := v.(*State)
	if !ok || st == nil {
		return model.StatusTodo
	}
	name := strings.ToLower(st.Name)
	switch {
	case strings.Contains(name, "review"):
		return model.StatusInReview
	case strings.Contains(name, "blocked"):
		return model.StatusBlocked
	}
	switch st.Type {
	case "started":
		return model.StatusInProgress
	case "completed":
		return model.StatusDone
	case "canceled":
		return model.StatusCancelled
	default: // backlog, unstarted, triage
		return model.StatusTodo
	}
}

// StatusToBackend maps a normalized status to a workflow state type.
func (Mapper) StatusToBackend(s model.Status) interface{} {
	switch s {
	case model.StatusInProgress, model.StatusBlocked, model.StatusInReview:
		return "started"
	case model.StatusDone:
		return "completed"
	case model.StatusCancelled:
		return "canceled"
	default:
		return "unstarted"
	}
}

// PriorityFromBackend maps the 0-4 integer to a normalized priority.
func (Mapper) PriorityFromBackend(v interface{}) model.Priority {
	n, ok := v.(int)
	if !ok {
		return model.PriorityNone
	}
	switch n {
	case 4:
		return model.PriorityCritical
	case 3:
		return model.PriorityHigh
	case 2:
		return model.PriorityMedium
	case 1:
		return model.PriorityLow
	default:
		return model.PriorityNone
	}
}

// PriorityToBackend maps a normalized priority to the 0-4 integer.
func (Mapper) PriorityToBackend(p model.Priority) interface{} {
	switch p {
	case model.PriorityCritical:
		return 4
	case model.PriorityHigh:
		return 3
	case model.PriorityMedium:
		return 2
	case model.PriorityLow:
		return 1
	default:
		return 0
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
