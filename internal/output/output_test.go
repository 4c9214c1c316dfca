package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/tactus/internal/models"
)

func outputs() []models.OutputDef {
	return []models.OutputDef{
		{Name: "success", Type: "boolean", Required: true},
		{Name: "message", Type: "string", Required: true},
		{Name: "count", Type: "integer", Required: true},
		{Name: "tags", Type: "array"},
		{Name: "attempts", Type: "integer", Default: 0, HasDefault: true},
	}
}

func TestValidateAcceptsConformingValue(t *testing.T) {
	got, err := Validate(outputs(), map[string]any{
		"success": true,
		"message": "ok",
		"count":   int64(5),
		"extra":   "passes through",
	})
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, int64(5), m["count"])
	assert.Equal(t, 0, m["attempts"])
	assert.Equal(t, "passes through", m["extra"])
}

func TestValidateMissingRequired(t *testing.T) {
	_, err := Validate(outputs(), map[string]any{"success": true, "message": "ok"})
	var ove *OutputValidationError
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, "count", ove.Field)
	assert.Contains(t, ove.Error(), `missing required output "count"`)
}

func TestValidateTypeMismatch(t *testing.T) {
	_, err := Validate(outputs(), map[string]any{"success": "yes", "message": "ok", "count": int64(1)})
	var ove *OutputValidationError
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, "success", ove.Field)
	assert.Equal(t, "expected boolean, got string", ove.Message)
}

func TestValidateCoercions(t *testing.T) {
	got, err := Validate(outputs(), map[string]any{
		"success": false,
		"message": "",
		"count":   3.0,
		"tags":    map[string]any{},
	})
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, int64(3), m["count"])
	assert.Equal(t, []any{}, m["tags"])

	_, err = Validate(outputs(), map[string]any{"success": true, "message": "x", "count": 2.5})
	require.Error(t, err)
}

func TestValidateNonObject(t *testing.T) {
	_, err := Validate(outputs(), "just text")
	var ove *OutputValidationError
	require.ErrorAs(t, err, &ove)
	assert.Empty(t, ove.Field)
	assert.Contains(t, ove.Message, "got string")
}

func TestValidateNoOutputsPassesThrough(t *testing.T) {
	got, err := Validate(nil, "anything")
	require.NoError(t, err)
	assert.Equal(t, "anything", got)
}

func TestSchemaValidationCatchesRequired(t *testing.T) {
	defs := []models.OutputDef{{Name: "a", Type: "string", Required: true}}
	err := validateSchema(defs, map[string]any{})
	var ove *OutputValidationError
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, "a", ove.Field)
	assert.Contains(t, ove.Message, "missing required output")

	err = validateSchema(defs, map[string]any{"a": 1})
	require.ErrorAs(t, err, &ove)
	assert.Equal(t, "a", ove.Field)
	assert.Contains(t, ove.Message, "expected string")
}
