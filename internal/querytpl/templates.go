// Package querytpl is the whitelisted SQL template engine. Templates are
// compile-time constants, never generated and never user-editable; every
// template's WHERE clause references :tenant_id and the engine binds it to
// the authenticated tenant, overriding anything the client sent.
package querytpl

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Template is one whitelisted query: constant SQL plus the declared
// parameter schema. likeParams names the string parameters bound inside a
// LIKE or ILIKE pattern; the engine escapes their metacharacters so the
// value matches literally.
type Template struct {
	Name        string
	Description string
	SQL         string
	schema      *jsonschema.Schema
	rawSchema   string
	defaults    map[string]interface{}
	likeParams  []string
}

// Template SQL constants. Named parameters bind via the store; string
// interpolation never happens.
const (
	searchIssuesByProjectSQL = `
		SELECT source_id, source_key, title, status, priority, item_type,
		       assignee_id, created_at, updated_at, url
		FROM normalized_work_items
		WHERE tenant_id = :tenant_id
		  AND project_id = :project_key
		ORDER BY updated_at DESC
		LIMIT :limit`

	getProjectMetricsSQL = `
		SELECT status, item_type, COUNT(*) AS item_count
		FROM normalized_work_items
		WHERE tenant_id = :tenant_id
		  AND project_id = :project_key
		GROUP BY status, item_type
		ORDER BY status, item_type`

	searchIssuesByTextSQL = `
		SELECT source_id, source_key, title, status, priority,
		       assignee_id, updated_at, url
		FROM normalized_work_items
		WHERE tenant_id = :tenant_id
		  AND (title ILIKE '%' || :text || '%'
		       OR description ILIKE '%' || :text || '%')
		ORDER BY updated_at DESC
		LIMIT :limit`

	getIssueHistorySQL = `
		SELECT t.work_item_id, t.from_status, t.to_status, t.actor_id, t.occurred_at
		FROM normalized_transitions t
		WHERE t.tenant_id = :tenant_id
		  AND t.work_item_id = :issue_key
		ORDER BY t.occurred_at ASC`

	getUserWorkloadSQL = `
		SELECT status, priority, COUNT(*) AS item_count
		FROM normalized_work_items
		WHERE tenant_id = :tenant_id
		  AND assignee_id = :assignee_id
		  AND closed_at IS NULL
		GROUP BY status, priority
		ORDER BY status, priority`

	leadTimeMetricsSQL = `
		SELECT project_id,
		       COUNT(*) AS closed_count,
		       AVG(EXTRACT(EPOCH FROM (closed_at - created_at)) / 86400.0) AS avg_lead_days
		FROM normalized_work_items
		WHERE tenant_id = :tenant_id
		  AND closed_at IS NOT NULL
		  AND closed_at >= :since
		GROUP BY project_id
		ORDER BY project_id`
)

// identifierPattern constrains key-like parameters: no quotes, no
// whitespace, no statement separators.
const identifierPattern = "^[A-Za-z0-9][A-Za-z0-9/_#-]*$"

var templateDefs = []struct {
	name, description, sql, schema string

	defaults   map[string]interface{}
	likeParams []string
}{
	{
		name:        "search_issues_by_project",
		description: "Work items in a project, most recently updated first.",
		sql:         searchIssuesByProjectSQL,
		schema: `{
			"type": "object",
			"required": ["project_key"],
			"properties": {
				"tenant_id": {"type": "string"},
				"project_key": {"type": "string", "pattern": "` + identifierPattern + `"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500, "default": 50}
			},
			"additionalProperties": false
		}`,
		defaults: map[string]interface{}{"limit": 50},
	},
	{
		name:        "get_project_metrics",
		description: "Work item counts per status and type for a project.",
		sql:         getProjectMetricsSQL,
		schema: `{
			"type": "object",
			"required": ["project_key"],
			"properties": {
				"tenant_id": {"type": "string"},
				"project_key": {"type": "string", "pattern": "` + identifierPattern + `"}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "search_issues_by_text",
		description: "Substring search over titles and descriptions.",
		sql:         searchIssuesByTextSQL,
		schema: `{
			"type": "object",
			"required": ["text"],
			"properties": {
				"tenant_id": {"type": "string"},
				"text": {"type": "string", "minLength": 1, "maxLength": 200},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500, "default": 50}
			},
			"additionalProperties": false
		}`,
		defaults:   map[string]interface{}{"limit": 50},
		likeParams: []string{"text"},
	},
	{
		name:        "get_issue_history",
		description: "Status transition history of one work item.",
		sql:         getIssueHistorySQL,
		schema: `{
			"type": "object",
			"required": ["issue_key"],
			"properties": {
				"tenant_id": {"type": "string"},
				"issue_key": {"type": "string", "pattern": "` + identifierPattern + `"}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "get_user_workload",
		description: "Open work item counts per status and priority for one assignee.",
		sql:         getUserWorkloadSQL,
		schema: `{
			"type": "object",
			"required": ["assignee_id"],
			"properties": {
				"tenant_id": {"type": "string"},
				"assignee_id": {"type": "string", "minLength": 1, "maxLength": 100}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        "lead_time_metrics",
		description: "Average days from creation to close per project since a date.",
		sql:         leadTimeMetricsSQL,
		schema: `{
			"type": "object",
			"required": ["since"],
			"properties": {
				"tenant_id": {"type": "string"},
				"since": {"type": "string", "format": "date-time"}
			},
			"additionalProperties": false
		}`,
	},
}

// templates is the compile-time whitelist, built at init.
var templates = buildTemplates()

func buildTemplates() map[string]*Template {
	out := make(map[string]*Template, len(templateDefs))
	for _, def := range templateDefs {
		var doc interface{}
		if err := json.Unmarshal([]byte(def.schema), &doc); err != nil {
			panic(fmt.Sprintf("querytpl: template %s schema: %v", def.name, err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.name+".json", doc); err != nil {
			panic(fmt.Sprintf("querytpl: template %s schema: %v", def.name, err))
		}
		schema, err := compiler.Compile(def.name + ".json")
		if err != nil {
			panic(fmt.Sprintf("querytpl: template %s schema: %v", def.name, err))
		}
		out[def.name] = &Template{
			Name:        def.name,
			Description: def.description,
			SQL:         def.sql,
			schema:      schema,
			rawSchema:   def.schema,
			defaults:    def.defaults,
			likeParams:  def.likeParams,
		}
	}
	return out
}

// Get returns the named template, or nil when it is not whitelisted.
func Get(name string) *Template {
	return templates[name]
}

// Names returns the whitelisted template names, sorted.
func Names() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaJSON returns the template's declared parameter schema for listing
// endpoints.
func (t *Template) SchemaJSON() json.RawMessage {
	return json.RawMessage(t.rawSchema)
}
