package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
)

// ResolveParams merges declared defaults with caller values. Caller values
// win; strings are coerced to the declared type. Undeclared caller keys are
// passed through unchanged.
func ResolveParams(defs []models.ParamDef, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(defs)+len(input))
	declared := make(map[string]bool, len(defs))

	for _, def := range defs {
		declared[def.Name] = true
		field := "params." + def.Name

		if v, ok := input[def.Name]; ok && v != nil {
			coerced, err := coerceParam(def.Type, v)
			if err != nil {
				return nil, &spec.ConfigError{Field: field, Message: err.Error(), Severity: spec.SeverityError}
			}
			out[def.Name] = coerced
			continue
		}
		if def.HasDefault {
			out[def.Name] = def.Default
			continue
		}
		if def.Required {
			return nil, &spec.ConfigError{Field: field, Message: "required param is missing", Severity: spec.SeverityError}
		}
	}

	for k, v := range input {
		if !declared[k] {
			out[k] = v
		}
	}
	return out, nil
}

func coerceParam(typ string, v any) (any, error) {
	if s, ok := v.(string); ok {
		parsed, err := parseString(typ, s)
		if err != nil {
			return nil, err
		}
		v = parsed
	}
	if typ == "integer" {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
	}
	if !spec.TypeMatches(typ, v) {
		return nil, fmt.Errorf("expected %s, got %T", typ, v)
	}
	return v, nil
}

func parseString(typ, s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", s)
		}
		return b, nil
	case "array", "object":
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, fmt.Errorf("invalid %s JSON: %v", typ, err)
		}
		return decoded, nil
	}
	return s, nil
}
