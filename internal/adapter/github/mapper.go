package github

import (
	"strings"

	"github.com/unitrack/unitrack/internal/model"
)

// Mapper converts GitHub state and labels to the normalized enums and
// back. GitHub only has open and closed: all non-terminal normalized
// statuses degrade to "open" on outbound, and priority and type travel as
// scoped labels ("priority:high", "type:bug").
type Mapper struct{}

// StatusFromBackend maps a GitHub issue state to a normalized status.
func (Mapper) StatusFromBackend(v interface{}) model.Status {
	if s, ok := v.(string); ok && s == "closed" {
		return model.StatusDone
	}
	return model.StatusTodo
}

// StatusToBackend maps a normalized status to a GitHub state.
func (Mapper) StatusToBackend(s model.Status) interface{} {
	if s.IsTerminal() {
		return "closed"
	}
	return "open"
}

// PriorityFromBackend maps a priority label value to a normalized priority.
func (Mapper) PriorityFromBackend(v interface{}) model.Priority {
	s, _ := v.(string)
	switch strings.ToLower(s) {
	case "critical", "urgent", "p0":
		return model.PriorityCritical
	case "high", "p1":
		return model.PriorityHigh
	case "medium", "p2":
		return model.PriorityMedium
	case "low", "p3":
		return model.PriorityLow
	default:
		return model.PriorityNone
	}
}

// PriorityToBackend maps a normalized priority to a priority label value.
func (Mapper) PriorityToBackend(p model.Priority) interface{} {
	return string(p)
}

// TypeFromBackend maps a type label value to a normalized type.
func (Mapper) TypeFromBackend(v interface{}) model.WorkItemType {
	s, _ := v.(string)
	switch strings.ToLower(s) {
	case "bug":
		return model.TypeBug
	case "epic":
		return model.TypeEpic
	case "story":
		return model.TypeStory
	case "subtask", "sub-task":
		return model.TypeSubtask
	case "feature", "enhancement":
		return model.TypeFeature
	default:
		return model.TypeTask
	}
}

// TypeToBackend maps a normalized type to a type label value.
func (Mapper) TypeToBackend(t model.WorkItemType) interface{} {
	if t == model.TypeFeature {
		return "enhancement"
	}
	return string(t)
}

// priorityFromLabels scans labels for "priority:<v>", "priority/<v>", or
// the P0..P3 shorthand.
func (m Mapper) priorityFromLabels(labels []Label) model.Priority {
	for _, l := range labels {
		prefix, value := splitLabel(l.Name)
		if prefix == "priority" {
			return m.PriorityFromBackend(value)
		}
		upper := strings.ToUpper(l.Name)
		if len(upper) == 2 && upper[0] == 'P' && upper[1] >= '0' && upper[1] <= '3' {
			return m.PriorityFromBackend(upper)
		}
	}
	return model.PriorityNone
}

// typeFromLabels scans labels for "type:<v>" and bare type names.
func (m Mapper) typeFromLabels(labels []Label) model.WorkItemType {
	for _, l := range labels {
		prefix, value := splitLabel(l.Name)
		if prefix == "type" {
			return m.TypeFromBackend(value)
		}
		if prefix == "" {
			switch strings.ToLower(value) {
			case "bug", "epic", "story", "enhancement", "feature":
				return m.TypeFromBackend(value)
			}
		}
	}
	return model.TypeTask
}

// splitLabel parses "priority:high" and "priority/high" forms.
func splitLabel(name string) (prefix, value string) {
	for _, sep := range []string{":", "/"} {
		if i := strings.Index(name, sep); i > 0 {
			return strings.ToLower(strings.TrimSpace(name[:i])), strings.TrimSpace(name[i+1:])
		}
	}
	return "", name
}
