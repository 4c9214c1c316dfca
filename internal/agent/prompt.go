package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Both {{params.x}} and {params.x} appear in procedure documents.
var placeholderRE = regexp.MustCompile(`\{\{\s*(params|state)\.([A-Za-z0-9_.]+)\s*\}\}|\{(params|state)\.([A-Za-z0-9_.]+)\}`)

// Interpolate replaces params and state placeholders. Unresolved
// placeholders are left untouched.
func Interpolate(text string, params, state map[string]any) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		m := placeholderRE.FindStringSubmatch(match)
		ns, path := m[1], m[2]
		if ns == "" {
			ns, path = m[3], m[4]
		}
		scope := params
		if ns == "state" {
			scope = state
		}
		v, ok := lookup(scope, path)
		if !ok {
			return match
		}
		return format(v)
	})
}

func lookup(scope map[string]any, path string) (any, bool) {
	var cur any = scope
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
