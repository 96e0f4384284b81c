package querytpl

import (
	"strings"
	"unicode"
)

// forbiddenTokens are statement keywords no whitelisted template may
// contain outside string literals. Redundant with the whitelist itself;
// defense in depth.
var forbiddenTokens = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"ALTER": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true,
	"EXEC": true, "EXECUTE": true, "CALL": true, "MERGE": true,
	"REPLACE": true, "UNION": true,
}

// CheckSQL verifies a query is a plain SELECT: the first significant token
// must be SELECT and no forbidden token may appear outside string
// literals. Returns the offending token on failure.
func CheckSQL(sql string) (string, bool) {
	tokens := tokenize(sql)
	if len(tokens) == 0 || tokens[0] != "SELECT" {
		return "not-select", false
	}
	for _, tok := range tokens {
		if forbiddenTokens[tok] {
			return tok, false
		}
	}
	return "", true
}

// tokenize splits SQL into uppercase word tokens, skipping single-quoted
// string literals (with '' escaping).
func tokenize(sql string) []string {
	var tokens []string
	var current strings.Builder
	inString := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToUpper(current.String()))
			current.Reset()
		}
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			if r == '\'' {
				// '' is an escaped quote within the literal
				if i+1 < len(runes) && runes[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch {
		case r == '\'':
			flush()
			inString = true
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
