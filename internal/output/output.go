// Package output checks a procedure's return value against its declared
// outputs.
package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
)

// OutputValidationError names the offending field. Field is empty when the
// value as a whole is wrong.
type OutputValidationError struct {
	Field   string
	Message string
}

func (e *OutputValidationError) Error() string {
	if e.Field == "" {
		return "output validation failed: " + e.Message
	}
	return fmt.Sprintf("output validation failed: %s: %s", e.Field, e.Message)
}

// Validate applies defaults and coercions to value and checks it against
// outputs. With no declared outputs the value is returned unchanged.
func Validate(outputs []models.OutputDef, value any) (any, error) {
	if len(outputs) == 0 {
		return value, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		if arr, isArr := value.([]any); isArr && len(arr) == 0 {
			obj = map[string]any{}
		} else {
			return nil, &OutputValidationError{Message: fmt.Sprintf("procedure must return an object, got %s", TypeName(value))}
		}
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}

	for _, o := range outputs {
		v, present := out[o.Name]
		if !present || v == nil {
			if o.HasDefault {
				out[o.Name] = o.Default
				continue
			}
			if o.Required {
				return nil, &OutputValidationError{Field: o.Name, Message: fmt.Sprintf("missing required output %q", o.Name)}
			}
			continue
		}
		v = coerce(o.Type, v)
		out[o.Name] = v
		if !spec.TypeMatches(o.Type, v) {
			return nil, &OutputValidationError{
				Field:   o.Name,
				Message: fmt.Sprintf("expected %s, got %s", o.Type, TypeName(v)),
			}
		}
	}

	if err := validateSchema(outputs, out); err != nil {
		return nil, err
	}
	return out, nil
}

func coerce(typ string, v any) any {
	switch typ {
	case "integer":
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	case "array":
		if m, ok := v.(map[string]any); ok && len(m) == 0 {
			return []any{}
		}
	case "object":
		if a, ok := v.([]any); ok && len(a) == 0 {
			return map[string]any{}
		}
	}
	return v
}

// Schema builds the JSON Schema document for a set of outputs.
func Schema(outputs []models.OutputDef) map[string]any {
	props := make(map[string]any, len(outputs))
	var required []any
	for _, o := range outputs {
		p := map[string]any{}
		if o.Type != "" {
			p["type"] = o.Type
		}
		if o.Description != "" {
			p["description"] = o.Description
		}
		props[o.Name] = p
		if o.Required && !o.HasDefault {
			required = append(required, o.Name)
		}
	}
	s := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func validateSchema(outputs []models.OutputDef, value map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("outputs.json", Schema(outputs)); err != nil {
		return fmt.Errorf("failed to load output schema: %w", err)
	}
	sch, err := c.Compile("outputs.json")
	if err != nil {
		return fmt.Errorf("failed to compile output schema: %w", err)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return &OutputValidationError{Message: fmt.Sprintf("result is not JSON encodable: %v", err)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &OutputValidationError{Message: err.Error()}
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &OutputValidationError{Message: err.Error()}
	}
	return toOutputError(leaf(verr))
}

func leaf(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

func toOutputError(e *jsonschema.ValidationError) *OutputValidationError {
	field := strings.Join(e.InstanceLocation, ".")
	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		missing := append([]string(nil), k.Missing...)
		sort.Strings(missing)
		name := strings.Join(missing, ", ")
		return &OutputValidationError{Field: name, Message: fmt.Sprintf("missing required output %q", name)}
	case *kind.Type:
		return &OutputValidationError{Field: field, Message: fmt.Sprintf("expected %s, got %s", strings.Join(k.Want, " or "), k.Got)}
	}
	return &OutputValidationError{Field: field, Message: "violates " + strings.Join(e.ErrorKind.KeywordPath(), "/")}
}

// TypeName is the JSON type name of a converted script value.
func TypeName(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32:
		return "number"
	case float64:
		if x == float64(int64(x)) {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
