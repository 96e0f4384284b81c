package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/unitrack/unitrack/internal/adapter"
	"github.com/unitrack/unitrack/internal/audit"
	"github.com/unitrack/unitrack/internal/model"
)

// ToolKind separates read tools from write tools. Only write tools
// participate in idempotency and audit.
type ToolKind string

// Tool kinds.
const (
	KindRead  ToolKind = "read"
	KindWrite ToolKind = "write"
)

// Tool is one entry of the static tool registry.
type Tool struct {
	Name        string
	Kind        ToolKind
	Description string

	schema    *jsonschema.Schema
	rawSchema string
	handler   handlerFunc
}

// Invocation carries the resolved context of one tool call into its
// handler.
type Invocation struct {
	Tool     *Tool
	Args     map[string]interface{}
	TenantID string
	UserID   string
	Instance *model.BackendInstance
	Adapter  adapter.SourceAdapter
}

// outcome is what a handler produces: the client-visible result, the
// audit entry for write tools, and normalized records to upsert into the
// warehouse.
type outcome struct {
	Result      interface{}
	Audit       *audit.Entry
	Items       []*model.WorkItem
	Comments    []*model.Comment
	Transitions []*model.Transition
}

type handlerFunc func(ctx context.Context, inv *Invocation) (*outcome, error)

// SchemaJSON returns the tool's declared input schema.
func (t *Tool) SchemaJSON() json.RawMessage {
	return json.RawMessage(t.rawSchema)
}

// commonProps are argument properties shared by every tool.
const commonProps = `
	"instance_id": {"type": "string"},
	"idempotency_key": {"type": "string", "minLength": 1, "maxLength": 200}`

var toolDefs = []struct {
	name, description, schema string
	kind                      ToolKind
	handler                   handlerFunc
}{
	{
		name:        "search",
		kind:        KindRead,
		description: "Run a backend-translated query string.",
		handler:     handleSearch,
		schema: `{
			"type": "object",
			"required": ["query"],
			"properties": {` + commonProps + `,
				"query": {"type": "string", "minLength": 1, "maxLength": 2000},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "get_work_item",
		kind:        KindRead,
		description: "Fetch one work item by its backend identifier.",
		handler:     handleGetWorkItem,
		schema: `{
			"type": "object",
			"required": ["id"],
			"properties": {` + commonProps + `,
				"id": {"type": "string", "minLength": 1}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "create_work_item",
		kind:        KindWrite,
		description: "Create a work item in the backend.",
		handler:     handleCreateWorkItem,
		schema: `{
			"type": "object",
			"required": ["project", "title"],
			"properties": {` + commonProps + `,
				"project": {"type": "string", "minLength": 1},
				"title": {"type": "string", "minLength": 1, "maxLength": 500},
				"description": {"type": "string"},
				"type": {"type": "string", "enum": ["epic", "story", "task", "bug", "subtask", "feature"]},
				"priority": {"type": "string", "enum": ["critical", "high", "medium", "low", "none"]},
				"assignee": {"type": "string"},
				"extras": {"type": "object"}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "update_work_item",
		kind:        KindWrite,
		description: "Apply a partial field update to a work item.",
		handler:     handleUpdateWorkItem,
		schema: `{
			"type": "object",
			"required": ["id", "fields"],
			"properties": {` + commonProps + `,
				"id": {"type": "string", "minLength": 1},
				"fields": {"type": "object", "minProperties": 1}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "transition_work_item",
		kind:        KindWrite,
		description: "Move a work item to a target status.",
		handler:     handleTransitionWorkItem,
		schema: `{
			"type": "object",
			"required": ["id", "to_status"],
			"properties": {` + commonProps + `,
				"id": {"type": "string", "minLength": 1},
				"to_status": {"type": "string", "enum": ["todo", "in_progress", "blocked", "in_review", "done", "cancelled"]},
				"comment": {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "add_comment",
		kind:        KindWrite,
		description: "Post a comment on a work item.",
		handler:     handleAddComment,
		schema: `{
			"type": "object",
			"required": ["id", "body"],
			"properties": {` + commonProps + `,
				"id": {"type": "string", "minLength": 1},
				"body": {"type": "string", "minLength": 1, "maxLength": 10000}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "link_work_items",
		kind:        KindWrite,
		description: "Relate two work items with a link type.",
		handler:     handleLinkWorkItems,
		schema: `{
			"type": "object",
			"required": ["inward_id", "outward_id"],
			"properties": {` + commonProps + `,
				"inward_id": {"type": "string", "minLength": 1},
				"outward_id": {"type": "string", "minLength": 1},
				"link_type": {"type": "string"}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "list_transitions",
		kind:        KindRead,
		description: "Fetch a work item's status history.",
		handler:     handleListTransitions,
		schema: `{
			"type": "object",
			"required": ["id"],
			"properties": {` + commonProps + `,
				"id": {"type": "string", "minLength": 1}
			},
			"additionalProperties": false
		}`,
	},
}

// tools is the static registry, built at init. No runtime registration.
var tools = buildTools()

func buildTools() map[string]*Tool {
	out := make(map[string]*Tool, len(toolDefs))
	for _, def := range toolDefs {
		var doc interface{}
		if err := json.Unmarshal([]byte(def.schema), &doc); err != nil {
			panic(fmt.Sprintf("dispatch: tool %s schema: %v", def.name, err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.name+".json", doc); err != nil {
			panic(fmt.Sprintf("dispatch: tool %s schema: %v", def.name, err))
		}
		schema, err := compiler.Compile(def.name + ".json")
		if err != nil {
			panic(fmt.Sprintf("dispatch: tool %s schema: %v", def.name, err))
		}
		out[def.name] = &Tool{
			Name:        def.name,
			Kind:        def.kind,
			Description: def.description,
			schema:      schema,
			rawSchema:   def.schema,
			handler:     def.handler,
		}
	}
	return out
}

// GetTool returns the named tool, or nil when it is not registered.
func GetTool(name string) *Tool {
	return tools[name]
}

// ToolNames returns the registered tool names, sorted.
func ToolNames() []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
