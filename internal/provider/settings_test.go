package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsPrefixedAliases(t *testing.T) {
	s := newSettings(map[string]any{
		"openai_reasoning_effort": "low",
		"openai_temperature":      0.1,
		"temperature":             0.9,
		"anthropic_top_k":         5,
	}, "openai_")

	effort, ok, err := s.string("reasoning_effort")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "low", effort)

	temp, ok, err := s.float("temperature")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.9, temp)

	// other providers' prefixes pass through untouched
	assert.Equal(t, []string{"anthropic_top_k"}, s.rest())
}

func TestSettingsDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"openai_seed": 7}
	s := newSettings(in, "openai_")
	_, ok, err := s.int("seed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"openai_seed": 7}, in)
}
