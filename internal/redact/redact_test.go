package redact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRedactsTopLevelKeys(t *testing.T) {
	in := map[string]interface{}{
		"title":    "hello",
		"password": "hunter2",
		"Token":    "abc123",
		"API_KEY":  "k-123",
	}
	out := Map(in)

	assert.Equal(t, "hello", out["title"])
	assert.Equal(t, Placeholder, out["password"])
	assert.Equal(t, Placeholder, out["Token"])
	assert.Equal(t, Placeholder, out["API_KEY"])

	// Input must not be mutated
	assert.Equal(t, "hunter2", in["password"])
}

func TestMapRedactsNestedStructures(t *testing.T) {
	in := map[string]interface{}{
		"before": map[string]interface{}{
			"auth": "Basic dXNlcjpwYXNz",
			"meta": []interface{}{
				map[string]interface{}{"secret": "s1", "name": "ok"},
			},
		},
	}
	out := Map(in)

	before := out["before"].(map[string]interface{})
	assert.Equal(t, Placeholder, before["auth"])

	meta := before["meta"].([]interface{})
	inner := meta[0].(map[string]interface{})
	assert.Equal(t, Placeholder, inner["secret"])
	assert.Equal(t, "ok", inner["name"])
}

func TestRedactedSerializationContainsNoSecrets(t *testing.T) {
	in := map[string]interface{}{
		"credentials": map[string]interface{}{"password": "p", "token": "t"},
		"credit_card": "4111111111111111",
		"ssn":         "000-00-0000",
		"fine":        "visible",
	}
	data, err := json.Marshal(Map(in))
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "4111111111111111")
	assert.NotContains(t, s, "000-00-0000")
	assert.Contains(t, s, "visible")
	assert.True(t, strings.Contains(s, Placeholder))
}

func TestSensitiveKey(t *testing.T) {
	assert.True(t, SensitiveKey("Authorization"))
	assert.True(t, SensitiveKey("APIKEY"))
	assert.False(t, SensitiveKey("title"))
	assert.False(t, SensitiveKey("author"))
}

func TestMapNil(t *testing.T) {
	assert.Nil(t, Map(nil))
}
