package querytpl

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitrack/unitrack/internal/apperr"
)

// fakeQuerier records the query and bound params it receives.
type fakeQuerier struct {
	query  string
	params map[string]interface{}
	rows   []map[string]interface{}
	err    error
}

func (f *fakeQuerier) QueryRows(_ context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	f.query = query
	f.params = params
	return f.rows, f.err
}

func TestEveryTemplateIsGuardedSelect(t *testing.T) {
	for _, name := range Names() {
		tpl := Get(name)
		tok, ok := CheckSQL(tpl.SQL)
		assert.True(t, ok, "template %s rejected by guard: %s", name, tok)
	}
}

func TestEveryTemplateScopesByTenant(t *testing.T) {
	// Structural invariant: the WHERE clause of every whitelisted template
	// references :tenant_id.
	wherePattern := regexp.MustCompile(`(?is)WHERE.*:tenant_id`)
	for _, name := range Names() {
		tpl := Get(name)
		assert.True(t, wherePattern.MatchString(tpl.SQL), "template %s does not scope by :tenant_id", name)
	}
}

func TestWhitelistIsComplete(t *testing.T) {
	assert.Equal(t, []string{
		"get_issue_history",
		"get_project_metrics",
		"get_user_workload",
		"lead_time_metrics",
		"search_issues_by_project",
		"search_issues_by_text",
	}, Names())
}

func TestUnknownTemplateRejected(t *testing.T) {
	e := NewEngine(&fakeQuerier{})
	_, err := e.Execute(context.Background(), "drop_everything", nil, "t1")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, apperr.From(err).Details["available"], "search_issues_by_project")
}

func TestTenantBoundFromAuthNotParams(t *testing.T) {
	q := &fakeQuerier{}
	e := NewEngine(q)

	_, err := e.Execute(context.Background(), "search_issues_by_project",
		map[string]interface{}{"project_key": "PROJ", "tenant_id": "someone-else"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", q.params["tenant_id"])
}

func TestDefaultsApplied(t *testing.T) {
	q := &fakeQuerier{}
	e := NewEngine(q)

	_, err := e.Execute(context.Background(), "search_issues_by_project",
		map[string]interface{}{"project_key": "PROJ"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50, q.params["limit"])

	_, err = e.Execute(context.Background(), "search_issues_by_project",
		map[string]interface{}{"project_key": "PROJ", "limit": float64(10)}, "t1")
	require.NoError(t, err)
	assert.Equal(t, float64(10), q.params["limit"])
}

func TestMissingRequiredParamRejected(t *testing.T) {
	e := NewEngine(&fakeQuerier{})
	_, err := e.Execute(context.Background(), "search_issues_by_project", map[string]interface{}{}, "t1")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestInjectionAttemptRejectedByPattern(t *testing.T) {
	e := NewEngine(&fakeQuerier{})
	_, err := e.Execute(context.Background(), "search_issues_by_project",
		map[string]interface{}{"project_key": "A'; DROP TABLE issues; --", "limit": float64(10)}, "t1")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTextSearchBindsLiterally(t *testing.T) {
	// Free text allows quotes; the value travels as a bound parameter,
	// never interpolated into the SQL.
	q := &fakeQuerier{}
	e := NewEngine(q)

	_, err := e.Execute(context.Background(), "search_issues_by_text",
		map[string]interface{}{"text": "'; DROP TABLE issues; --"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "'; DROP TABLE issues; --", q.params["text"])
	assert.NotContains(t, q.query, "DROP")
}

func TestTextSearchEscapesPatternMetacharacters(t *testing.T) {
	// % and _ in the search text must match literally, not as wildcards.
	q := &fakeQuerier{}
	e := NewEngine(q)

	_, err := e.Execute(context.Background(), "search_issues_by_text",
		map[string]interface{}{"text": `50%_done\`}, "t1")
	require.NoError(t, err)
	assert.Equal(t, `50\%\_done\\`, q.params["text"])

	// Plain text passes through unchanged.
	_, err = e.Execute(context.Background(), "search_issues_by_text",
		map[string]interface{}{"text": "login bug"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "login bug", q.params["text"])
}

func TestUnknownParameterRejected(t *testing.T) {
	e := NewEngine(&fakeQuerier{})
	_, err := e.Execute(context.Background(), "get_user_workload",
		map[string]interface{}{"assignee_id": "u1", "surprise": true}, "t1")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestResultShape(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]interface{}{
		{"source_key": "PROJ-1"},
		{"source_key": "PROJ-2"},
	}}
	e := NewEngine(q)

	res, err := e.Execute(context.Background(), "search_issues_by_project",
		map[string]interface{}{"project_key": "PROJ"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, "search_issues_by_project", res.TemplateName)
	assert.GreaterOrEqual(t, res.QueryTimeMs, int64(0))
}

func TestEmptyRowsNotNil(t *testing.T) {
	e := NewEngine(&fakeQuerier{rows: nil})
	res, err := e.Execute(context.Background(), "get_project_metrics",
		map[string]interface{}{"project_key": "PROJ"}, "t1")
	require.NoError(t, err)
	assert.NotNil(t, res.Results)
	assert.Equal(t, 0, res.Total)
}

func TestCheckSQLRejectsForbiddenTokens(t *testing.T) {
	cases := []string{
		"DROP TABLE issues",
		"SELECT 1; DELETE FROM issues",
		"SELECT * FROM a UNION SELECT * FROM b",
		"INSERT INTO issues VALUES (1)",
	}
	for _, sql := range cases {
		_, ok := CheckSQL(sql)
		assert.False(t, ok, "should reject %q", sql)
	}
}

func TestCheckSQLIgnoresStringLiterals(t *testing.T) {
	tok, ok := CheckSQL(`SELECT * FROM items WHERE note = 'please DROP by'`)
	assert.True(t, ok, "literal content flagged: %s", tok)

	// Escaped quote inside a literal does not end it.
	tok, ok = CheckSQL(`SELECT * FROM items WHERE note = 'it''s a DELETE note'`)
	assert.True(t, ok, "escaped literal flagged: %s", tok)
}

func TestCheckSQLRequiresSelectFirst(t *testing.T) {
	_, ok := CheckSQL("WITH x AS (SELECT 1) SELECT * FROM x")
	assert.False(t, ok)
}

func TestTemplateSchemasExposed(t *testing.T) {
	for _, name := range Names() {
		raw := Get(name).SchemaJSON()
		assert.True(t, strings.Contains(string(raw), "properties"), "template %s schema", name)
	}
}
