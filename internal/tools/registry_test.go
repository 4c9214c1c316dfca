package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchTool() Func {
	return Func{
		Spec: Spec{
			Name:        "search",
			Description: "search things",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []any{"query"},
			},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			if args["query"] == "boom" {
				return nil, errors.New("backend down")
			}
			return []any{"result for " + args["query"].(string)}, nil
		},
	}
}

func TestDoneTool(t *testing.T) {
	r, err := NewRegistry(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{Done}, r.Known())
	assert.False(t, r.Called(Done))

	call := r.Record(context.Background(), "worker", "", Done, map[string]any{"reason": "finished"})
	assert.Equal(t, 1, call.Seq)
	assert.NotEmpty(t, call.ID)
	assert.Empty(t, call.Error)
	assert.Equal(t, map[string]any{"status": "done", "reason": "finished"}, call.Result)
	assert.True(t, r.Called(Done))
}

func TestCalledIsGlobalAcrossAgents(t *testing.T) {
	r, err := NewRegistry(context.Background(), nil)
	require.NoError(t, err)

	r.Record(context.Background(), "reviewer", "c1", Done, nil)
	assert.True(t, r.Called(Done))

	last, err := r.LastCall(Done)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", last.Agent)
}

func TestLastCallMissing(t *testing.T) {
	r, err := NewRegistry(context.Background(), nil)
	require.NoError(t, err)
	_, err = r.LastCall(Done)
	assert.ErrorIs(t, err, ErrNoSuchCall)
}

func TestExternalToolErrorsAreRecorded(t *testing.T) {
	r, err := NewRegistry(context.Background(), Local{searchTool()})
	require.NoError(t, err)
	assert.Equal(t, []string{Done, "search"}, r.Known())
	require.Len(t, r.Specs([]string{"search", "missing", Done}), 2)

	ok := r.Record(context.Background(), "a", "1", "search", map[string]any{"query": "go"})
	assert.Empty(t, ok.Error)
	assert.Equal(t, []any{"result for go"}, ok.Result)

	failed := r.Record(context.Background(), "a", "2", "search", map[string]any{"query": "boom"})
	assert.Contains(t, failed.Error, "backend down")
	assert.Nil(t, failed.Result)

	invalid := r.Record(context.Background(), "a", "3", "search", map[string]any{"query": 5})
	assert.Contains(t, invalid.Error, "invalid arguments")

	unknown := r.Record(context.Background(), "a", "4", "nope", nil)
	assert.Contains(t, unknown.Error, "unknown tool")

	rejected := r.Reject("a", "5", Done, nil, errors.New("not declared"))
	assert.Contains(t, rejected.Error, "not declared")

	assert.Len(t, r.Calls(), 5)
	assert.Equal(t, []string{"search", "nope", Done}, r.Used())
	// a rejected call still counts as called
	assert.True(t, r.Called(Done))
}

type failingInvoker struct{}

func (failingInvoker) Tools(context.Context) ([]Spec, error) { return nil, errors.New("no server") }
func (failingInvoker) Invoke(context.Context, string, map[string]any) (any, error) {
	return nil, nil
}

func TestNewRegistryListFailure(t *testing.T) {
	_, err := NewRegistry(context.Background(), failingInvoker{})
	require.Error(t, err)
}

func TestLastCallReturnsHighestSeq(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("last_call is the most recent call of that name", prop.ForAll(
		func(picks []bool) bool {
			r, err := NewRegistry(context.Background(), Local{searchTool()})
			if err != nil {
				return false
			}
			wantSeq := 0
			for i, isDone := range picks {
				if isDone {
					c := r.Record(context.Background(), fmt.Sprintf("agent%d", i%3), "", Done, map[string]any{"reason": fmt.Sprint(i)})
					wantSeq = c.Seq
				} else {
					r.Record(context.Background(), "agent", "", "search", map[string]any{"query": "q"})
				}
			}
			last, err := r.LastCall(Done)
			if wantSeq == 0 {
				return errors.Is(err, ErrNoSuchCall) && !r.Called(Done)
			}
			return err == nil && last.Seq == wantSeq && r.Called(Done)
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
