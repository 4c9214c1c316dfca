package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/provider/providertest"
	"github.com/mpataki/tactus/internal/tools"
)

func procedure() *models.ProcedureConfig {
	return &models.ProcedureConfig{
		Name:            "test",
		DefaultProvider: "stub",
		DefaultModel:    &models.ModelSpec{Name: "base"},
		Agents: models.AgentList{
			{
				Name:           "worker",
				SystemPrompt:   "Process: {{params.task}} (step {{state.step}})",
				InitialMessage: "Start {params.task}",
				Tools:          []string{"done"},
			},
			{
				Name:     "reviewer",
				Provider: "other",
				Model:    &models.ModelSpec{Name: "rev-model", Settings: map[string]any{"temperature": 0.1}, Structured: true},
			},
		},
	}
}

func newRoster(t *testing.T, stub, other provider.Provider, sink events.Sink) (*Roster, *tools.Registry) {
	t.Helper()
	reg, err := tools.NewRegistry(context.Background(), nil)
	require.NoError(t, err)
	r, err := NewRoster(Config{
		Procedure: procedure(),
		Params:    map[string]any{"task": "analyze"},
		Providers: map[string]provider.Provider{"stub": stub, "other": other},
		Tools:     reg,
		Emitter:   events.NewEmitter("proc", sink),
		State:     func() map[string]any { return map[string]any{"step": 2} },
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return r, reg
}

func TestTurnWithDoneTool(t *testing.T) {
	stub := providertest.NewScripted("stub", providertest.Call("c1", "done", map[string]any{"reason": "all good"}))
	sink := &events.MemorySink{}
	r, reg := newRoster(t, stub, providertest.NewScripted("other"), sink)

	res, err := r.Turn(context.Background(), "worker", TurnOptions{})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "done", res.ToolCalls[0].Name)
	assert.Equal(t, 1, res.ToolCalls[0].Seq)
	assert.Equal(t, 1, r.Iterations())
	assert.True(t, reg.Called("done"))

	reqs := stub.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "base", reqs[0].Model)
	assert.Equal(t, "Process: analyze (step 2)", reqs[0].SystemPrompt)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "Start analyze", reqs[0].Messages[0].Content)
	require.Len(t, reqs[0].Tools, 1)

	s, ok := r.Session("worker")
	require.True(t, ok)
	assert.Equal(t, Completed, s.State())
	transcript := s.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, models.RoleTool, transcript[2].Role)
	assert.Equal(t, "c1", transcript[2].ToolCallID)
	assert.JSONEq(t, `{"status":"done","reason":"all good"}`, transcript[2].Content)

	var types []string
	for _, ev := range sink.Events() {
		types = append(types, string(ev.Type)+"/"+string(ev.Stage))
	}
	assert.Equal(t, []string{"turn/start", "tool/complete", "turn/complete"}, types)
}

func TestSecondTurnAppendsNothingAfterToolResults(t *testing.T) {
	stub := providertest.NewScripted("stub",
		providertest.Call("c1", "done", nil),
		providertest.Text("ok"),
		providertest.Text("still ok"),
	)
	r, _ := newRoster(t, stub, providertest.NewScripted("other"), nil)

	for i := 0; i < 3; i++ {
		_, err := r.Turn(context.Background(), "worker", TurnOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.Iterations())

	reqs := stub.Requests()
	// second turn continues straight from the tool result
	assert.Len(t, reqs[1].Messages, 3)
	// third turn follows plain text, so a continuation is added
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, continuePrompt, last.Content)
}

func TestInjectedMessage(t *testing.T) {
	other := providertest.NewScripted("other", providertest.Text("reviewed"))
	r, _ := newRoster(t, providertest.NewScripted("stub"), other, nil)

	res, err := r.Turn(context.Background(), "reviewer", TurnOptions{Inject: "Review {{params.task}}"})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", res.Text)

	req := other.Requests()[0]
	assert.Equal(t, "rev-model", req.Model)
	assert.Equal(t, map[string]any{"temperature": 0.1}, req.Settings)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Review analyze", req.Messages[0].Content)
	assert.Empty(t, req.Tools)
}

func TestUndeclaredToolIsRejected(t *testing.T) {
	other := providertest.NewScripted("other", providertest.Call("x", "done", nil), providertest.Text("ok"))
	r, reg := newRoster(t, providertest.NewScripted("stub"), other, nil)

	res, err := r.Turn(context.Background(), "reviewer", TurnOptions{})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Contains(t, res.ToolCalls[0].Error, "not available to agent reviewer")
	assert.Len(t, reg.Calls(), 1)

	_, err = r.Turn(context.Background(), "reviewer", TurnOptions{})
	require.NoError(t, err)
	reqs := other.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.True(t, last.IsError)
}

func TestProviderFailureIsTerminal(t *testing.T) {
	fatal := provider.Fatal("stub", "denied", nil)
	stub := providertest.NewScripted("stub", providertest.Fail(fatal))
	sink := &events.MemorySink{}
	r, _ := newRoster(t, stub, providertest.NewScripted("other"), sink)

	_, err := r.Turn(context.Background(), "worker", TurnOptions{})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, r.Iterations())

	s, _ := r.Session("worker")
	assert.Equal(t, Failed, s.State())

	_, err = r.Turn(context.Background(), "worker", TurnOptions{})
	require.Error(t, err)
	assert.Len(t, stub.Requests(), 1)

	evs := sink.Events()
	assert.Equal(t, models.StageError, evs[len(evs)-1].Stage)
}

func TestUnknownAgentAndCancelledContext(t *testing.T) {
	r, _ := newRoster(t, providertest.NewScripted("stub"), providertest.NewScripted("other"), nil)
	_, err := r.Turn(context.Background(), "ghost", TurnOptions{})
	assert.ErrorIs(t, err, ErrUnknownAgent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Turn(ctx, "worker", TurnOptions{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMissingProviderFailsAtTurn(t *testing.T) {
	reg, err := tools.NewRegistry(context.Background(), nil)
	require.NoError(t, err)
	r, err := NewRoster(Config{
		Procedure: &models.ProcedureConfig{Name: "x", Agents: models.AgentList{{Name: "lonely"}}},
		Tools:     reg,
	})
	require.NoError(t, err)

	_, err = r.Turn(context.Background(), "lonely", TurnOptions{})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "no provider")
}

func TestUnknownProviderFailsAtConstruction(t *testing.T) {
	reg, err := tools.NewRegistry(context.Background(), nil)
	require.NoError(t, err)
	_, err = NewRoster(Config{
		Procedure: &models.ProcedureConfig{Name: "x", Agents: models.AgentList{{Name: "a", Provider: "mystery"}}},
		Tools:     reg,
	})
	require.Error(t, err)
}

func TestInterpolate(t *testing.T) {
	params := map[string]any{"task": "sort", "n": 3, "cfg": map[string]any{"mode": "fast"}}
	state := map[string]any{"round": 2}

	assert.Equal(t, "sort x3", Interpolate("{{params.task}} x{params.n}", params, state))
	assert.Equal(t, "mode fast, round 2", Interpolate("mode {{ params.cfg.mode }}, round {{state.round}}", params, state))
	assert.Equal(t, "{{params.missing}}", Interpolate("{{params.missing}}", params, state))
	assert.Equal(t, `{"mode":"fast"}`, Interpolate("{params.cfg}", params, state))
	assert.Equal(t, "no placeholders", Interpolate("no placeholders", nil, nil))
}
