package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/tactus/internal/models"
)

const mixedDoc = `name: test_mixed_providers
version: 1.0.0
class: LuaDSL

params:
  task:
    type: string
    default: "analyze data"
  count:
    type: integer
    default: 3

agents:
  openai_worker:
    provider: openai
    model:
      name: gpt-4o-mini
      temperature: 1.0
      max_tokens: 200
    system_prompt: |
      Process: {{params.task}}
    initial_message: "Please process the task."
    tools:
      - done
  bedrock_reviewer:
    provider: bedrock
    model: anthropic.claude-3-5-haiku-20241022-v1:0
    model_settings:
      top_p: 0.9
    tools:
      - done

outputs:
  worker_result:
    type: string
    required: true
  review_result:
    type: string
  attempts:
    type: integer
    default: 0

default_provider: openai
default_model: gpt-4o

procedure: |
  repeat
    Openai_worker.turn()
  until Tool.called("done")
  return { worker_result = Tool.last_call("done").args.reason }
`

func TestParsePreservesOrderAndModelForms(t *testing.T) {
	cfg, err := Parse(mixedDoc)
	require.NoError(t, err)

	assert.Equal(t, "test_mixed_providers", cfg.Name)
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, models.DefaultClass, cfg.Class)

	require.Len(t, cfg.Params, 2)
	assert.Equal(t, "task", cfg.Params[0].Name)
	assert.Equal(t, "count", cfg.Params[1].Name)
	assert.Equal(t, 3, cfg.Params[1].Default)
	assert.True(t, cfg.Params[1].HasDefault)

	require.Len(t, cfg.Agents, 2)
	worker := cfg.Agents[0]
	assert.Equal(t, "openai_worker", worker.Name)
	require.NotNil(t, worker.Model)
	assert.True(t, worker.Model.Structured)
	assert.Equal(t, "gpt-4o-mini", worker.Model.Name)
	assert.Equal(t, map[string]any{"temperature": 1.0, "max_tokens": 200}, worker.Model.Settings)

	reviewer := cfg.Agents[1]
	assert.False(t, reviewer.Model.Structured)
	assert.Equal(t, "anthropic.claude-3-5-haiku-20241022-v1:0", reviewer.Model.Name)
	assert.Equal(t, map[string]any{"top_p": 0.9}, cfg.EffectiveSettings(&reviewer))

	require.Len(t, cfg.Outputs, 3)
	assert.True(t, cfg.Outputs[2].HasDefault)
	assert.Equal(t, 0, cfg.Outputs[2].Default)
	assert.Equal(t, "gpt-4o", cfg.DefaultModel.Name)
}

func TestRoundTrip(t *testing.T) {
	first, err := Parse(mixedDoc)
	require.NoError(t, err)

	out, err := Marshal(first)
	require.NoError(t, err)

	second, err := Parse(string(out))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProviderResolution(t *testing.T) {
	cfg, err := Parse(`name: p
default_provider: bedrock
default_model: base-model
agents:
  inherits: {}
  explicit:
    provider: openai
    model: gpt-4o
procedure: return 1
`)
	require.NoError(t, err)

	inherits, ok := cfg.Agent("inherits")
	require.True(t, ok)
	assert.Equal(t, "bedrock", cfg.EffectiveProvider(inherits))
	assert.Equal(t, "base-model", cfg.EffectiveModel(inherits).Name)

	explicit, ok := cfg.Agent("explicit")
	require.True(t, ok)
	assert.Equal(t, "openai", cfg.EffectiveProvider(explicit))
	assert.Equal(t, "gpt-4o", cfg.EffectiveModel(explicit).Name)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		field   string
		message string
		line    int
	}{
		{
			name:    "missing name",
			doc:     "procedure: return 1\n",
			field:   "name",
			message: "is required",
		},
		{
			name:    "missing procedure",
			doc:     "name: x\n",
			field:   "procedure",
			message: "is required",
			line:    0,
		},
		{
			name:    "unknown tool",
			doc:     "name: x\nagents:\n  a:\n    tools:\n      - search\nprocedure: return 1\n",
			field:   "agents.a.tools",
			message: `unknown tool "search"`,
			line:    5,
		},
		{
			name:    "bad output type",
			doc:     "name: x\noutputs:\n  r:\n    type: float\nprocedure: return 1\n",
			field:   "outputs.r",
			message: `unknown type "float"`,
			line:    4,
		},
		{
			name:    "param default mismatch",
			doc:     "name: x\nparams:\n  n:\n    type: integer\n    default: many\nprocedure: return 1\n",
			field:   "params.n",
			message: "does not match declared type integer",
			line:    5,
		},
		{
			name:    "lua syntax error",
			doc:     "name: x\nprocedure: |\n  local a = 1\n  if a then\n",
			field:   "procedure",
			message: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res := Check(tt.doc, Options{})
			require.False(t, res.Valid())

			var found *ConfigError
			for _, e := range res.Errors {
				if e.Field == tt.field {
					found = e
					break
				}
			}
			require.NotNil(t, found, "errors: %v", res.Err())
			assert.Contains(t, found.Message, tt.message)
			if tt.line > 0 {
				assert.Equal(t, tt.line, found.Line)
			}
		})
	}
}

func TestCheckScriptLocation(t *testing.T) {
	doc := "name: x\nprocedure: |\n  local a = 1\n  local b = = 2\n  return a\n"
	_, res := Check(doc, Options{})
	require.Len(t, res.Errors, 1)
	e := res.Errors[0]
	assert.Equal(t, "procedure", e.Field)
	assert.Equal(t, 4, e.Line)
	assert.Greater(t, e.Column, 2)
}

func TestCheckProviders(t *testing.T) {
	doc := "name: x\nagents:\n  a:\n    provider: mystery\n  b: {}\nprocedure: return 1\n"
	_, res := Check(doc, Options{KnownProviders: []string{"openai", "bedrock"}})
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, `unknown provider "mystery"`)
	assert.NotEmpty(t, res.Warnings)
}

func TestCheckReservedAgentNames(t *testing.T) {
	for _, name := range []string{"state", "tool", "Log", "human", "iterations", "params"} {
		t.Run(name, func(t *testing.T) {
			doc := "name: x\nagents:\n  " + name + ": {}\nprocedure: return 1\n"
			_, res := Check(doc, Options{})
			require.False(t, res.Valid())
			require.Len(t, res.Errors, 1)
			assert.Equal(t, "agents."+name, res.Errors[0].Field)
			assert.Contains(t, res.Errors[0].Message, "collides with a built-in")
			assert.Equal(t, 3, res.Errors[0].Line)
		})
	}

	_, res := Check("name: x\nagents:\n  stateful: {}\nprocedure: return 1\n", Options{})
	assert.True(t, res.Valid(), "errors: %v", res.Err())
}

func TestCheckInvalidYAML(t *testing.T) {
	_, res := Check("name: [unterminated\n", Options{})
	require.False(t, res.Valid())
	assert.Positive(t, res.Errors[0].Line)
}

func TestGlobalName(t *testing.T) {
	assert.Equal(t, "Worker", GlobalName("worker"))
	assert.Equal(t, "Openai_worker", GlobalName("openai_worker"))
	assert.Equal(t, "Reviewer", GlobalName("REVIEWER"))
}

func TestTypeMatches(t *testing.T) {
	assert.True(t, TypeMatches("integer", 5))
	assert.True(t, TypeMatches("integer", 5.0))
	assert.False(t, TypeMatches("integer", 5.5))
	assert.True(t, TypeMatches("number", 5))
	assert.True(t, TypeMatches("array", []any{1}))
	assert.False(t, TypeMatches("object", []any{}))
	assert.True(t, TypeMatches("", nil))
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte("name: greeter\nprocedure: return 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "anon.tac.yml"), []byte("procedure: return 2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [unterminated\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yml"), 0755))

	entries, err := LoadAll([]string{dir, filepath.Join(dir, "missing")}, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byName := make(map[string]Entry)
	for _, e := range entries {
		byName[e.Name()] = e
	}
	require.Contains(t, byName, "greeter")
	assert.True(t, byName["greeter"].Result.Valid())

	// no name in the document: falls back to the file name, and fails validation
	require.Contains(t, byName, "anon")
	assert.False(t, byName["anon"].Result.Valid())

	require.Contains(t, byName, "broken")
	assert.Nil(t, byName["broken"].Config)
	assert.False(t, byName["broken"].Result.Valid())
}

func TestLoadAllUsesCheckFunc(t *testing.T) {
	dir := t.TempDir()
	doc := "name: x\nagents:\n  a:\n    provider: mystery\nprocedure: return 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yml"), []byte(doc), 0644))

	entries, err := LoadAll([]string{dir}, func(text string) (*models.ProcedureConfig, *ValidationResult) {
		return Check(text, Options{KnownProviders: []string{"openai"}})
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Result.Valid())
	assert.Equal(t, filepath.Join(dir, "x.yml"), entries[0].Path)
}

func TestRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("parse, marshal, parse is lossless", prop.ForAll(
		func(names []string, defaults []int, temp float64, prompt string) bool {
			var b strings.Builder
			b.WriteString("name: generated\nparams:\n")
			for i, n := range names {
				fmt.Fprintf(&b, "  p_%s:\n    type: integer\n    default: %d\n", n, defaults[i%len(defaults)])
			}
			fmt.Fprintf(&b, "agents:\n  worker:\n    model:\n      name: m\n      temperature: %v\n", temp)
			fmt.Fprintf(&b, "    system_prompt: %q\n", prompt)
			b.WriteString("procedure: return 1\n")

			first, err := Parse(b.String())
			if err != nil {
				return false
			}
			out, err := Marshal(first)
			if err != nil {
				return false
			}
			second, err := Parse(string(out))
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(first, second)
		},
		gen.SliceOfN(3, gen.Identifier()).SuchThat(distinct),
		gen.SliceOfN(3, gen.IntRange(-100, 100)),
		gen.Float64Range(0, 2),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func distinct(names []string) bool {
	seen := make(map[string]bool)
	for _, n := range names {
		if seen[n] {
			return false
		}
		seen[n] = true
	}
	return true
}
