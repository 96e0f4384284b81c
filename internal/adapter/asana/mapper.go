package asana

import "github.com/unitrack/unitrack/internal/model"

// Mapper converts Asana values to the normalized enums and back. Asana's
// only status signal is the completed boolean, and it has no native
// priority or type fields, so those default to none and task.
type Mapper struct{}

// StatusFromBackend maps the completed boolean to done or todo.
func (Mapper) StatusFromBackend(v interface{}) model.Status {
	if completed, ok := v.(bool); ok && completed {
		return model.StatusDone
	}
	return model.StatusTodo
}

// StatusToBackend collapses done to completed=true, everything else to
// completed=false.
func (Mapper) StatusToBackend(s model.Status) interface{} {
	return s == model.StatusDone
}

// PriorityFromBackend always returns none.
func (Mapper) PriorityFromBackend(interface{}) model.Priority {
	return model.PriorityNone
}

// PriorityToBackend drops the priority.
func (Mapper) PriorityToBackend(model.Priority) interface{} {
	return nil
}

// TypeFromBackend always returns task.
func (Mapper) TypeFromBackend(interface{}) model.WorkItemType {
	return model.TypeTask
}

// TypeToBackend drops the type.
func (Mapper) TypeToBackend(model.WorkItemType) interface{} {
	return nil
}
