package querytpl

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/storage"
)

// Result is the outcome of one template execution.
type Result struct {
	Results      []map[string]interface{} `json:"results"`
	Total        int                      `json:"total"`
	QueryTimeMs  int64                    `json:"query_time_ms"`
	TemplateName string                   `json:"template_name"`
}

// Engine validates and executes whitelisted templates against the
// warehouse through the narrow RowQuerier interface.
type Engine struct {
	db storage.RowQuerier

	now func() time.Time // test seam
}

// NewEngine creates an Engine.
func NewEngine(db storage.RowQuerier) *Engine {
	return &Engine{db: db, now: time.Now}
}

// Execute runs the named template. Params are validated against the
// template's declared schema; tenant_id is always bound to the
// authenticated tenant, regardless of what the client sent.
func (e *Engine) Execute(ctx context.Context, name string, params map[string]interface{}, tenantID string) (*Result, error) {
	tpl := Get(name)
	if tpl == nil {
		return nil, apperr.New(apperr.KindValidation, "unknown template %q", name).
			WithDetails(map[string]interface{}{"available": Names()})
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := tpl.schema.Validate(params); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid parameters for %s", name).
			WithDetails(validationDetails(err))
	}

	if tok, ok := CheckSQL(tpl.SQL); !ok {
		// Unreachable for the compiled-in whitelist; guards future edits.
		return nil, apperr.New(apperr.KindValidation, "template %s rejected by SQL guard: %s", name, tok)
	}

	bound := make(map[string]interface{}, len(params)+1)
	for k, v := range tpl.defaults {
		bound[k] = v
	}
	for k, v := range params {
		bound[k] = v
	}
	for _, k := range tpl.likeParams {
		if s, ok := bound[k].(string); ok {
			bound[k] = escapeLike(s)
		}
	}
	bound["tenant_id"] = tenantID

	start := e.now()
	rows, err := e.db.QueryRows(ctx, tpl.SQL, bound)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return &Result{
		Results:      rows,
		Total:        len(rows),
		QueryTimeMs:  e.now().Sub(start).Milliseconds(),
		TemplateName: name,
	}, nil
}

// escapeLike neutralizes LIKE metacharacters so the parameter matches its
// characters literally. Postgres' default pattern escape is the backslash.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// validationDetails flattens a schema validation error into per-field
// messages keyed by instance location.
func validationDetails(err error) map[string]interface{} {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return map[string]interface{}{"error": err.Error()}
	}
	details := make(map[string]interface{})
	collectCauses(ve, details)
	return details
}

func collectCauses(ve *jsonschema.ValidationError, details map[string]interface{}) {
	if len(ve.Causes) == 0 {
		field := "/" + strings.Join(ve.InstanceLocation, "/")
		details[field] = ve.Error()
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, details)
	}
}
