// Package redact scrubs credential material from structured data before it
// reaches logs or audit rows. Redaction runs on deserialized structures and
// recurses through nested maps and slices; it must run before persistence or
// emission, never after.
package redact

import "strings"

// Placeholder replaces the value of any redacted key.
const Placeholder = "***REDACTED***"

// sensitiveKeys is the configured redaction set, matched case-insensitively
// against map keys at every nesting depth.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"auth":          {},
	"credentials":   {},
	"credit_card":   {},
	"ssn":           {},
}

// SensitiveKey reports whether a key belongs to the redaction set.
func SensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Map returns a deep copy of m with every sensitive key's value replaced by
// Placeholder. The input is never mutated.
func Map(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = Value(v)
	}
	return out
}

// Value recursively redacts nested maps and slices. Scalars pass through.
func Value(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return Map(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = Value(item)
		}
		return out
	default:
		return v
	}
}
