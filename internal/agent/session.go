// Package agent implements per-agent conversation sessions and the roster
// the procedure script drives them through.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/tools"
)

type State int

const (
	Idle State = iota
	AwaitingProvider
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingProvider:
		return "awaiting_provider"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// continuePrompt is sent when a turn has nothing else to say.
const continuePrompt = "Continue."

type TurnOptions struct {
	// Inject is appended as a user message before the call.
	Inject string
}

type TurnResult struct {
	Text      string
	ToolCalls []models.ToolCall
}

// Session is one agent's conversation with its provider.
type Session struct {
	name         string
	cfg          *models.AgentConfig
	provider     provider.Provider
	providerName string
	model        string
	settings     map[string]any

	tools      *tools.Registry
	declared   map[string]bool
	transcript []models.Message
	calls      []models.ToolCall
	state      State
	turns      int
}

func (s *Session) Name() string                 { return s.name }
func (s *Session) State() State                 { return s.state }
func (s *Session) Provider() string             { return s.providerName }
func (s *Session) Model() string                { return s.model }
func (s *Session) ToolCalls() []models.ToolCall { return append([]models.ToolCall(nil), s.calls...) }

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []models.Message {
	return append([]models.Message(nil), s.transcript...)
}

func (s *Session) turn(ctx context.Context, opts TurnOptions, params, state map[string]any) (*TurnResult, error) {
	switch s.state {
	case Idle, Completed:
	case Failed:
		return nil, fmt.Errorf("agent %s has failed and cannot take another turn", s.name)
	default:
		return nil, fmt.Errorf("agent %s is already awaiting its provider", s.name)
	}
	if s.provider == nil {
		s.state = Failed
		return nil, provider.Fatal(s.providerName, fmt.Sprintf("agent %s has no provider (set provider or default_provider)", s.name), nil)
	}
	if s.model == "" {
		s.state = Failed
		return nil, provider.Fatal(s.providerName, fmt.Sprintf("agent %s has no model (set model or default_model)", s.name), nil)
	}
	s.state = AwaitingProvider

	s.appendOutbound(opts, params, state)

	req := provider.Request{
		Model:        s.model,
		SystemPrompt: Interpolate(s.cfg.SystemPrompt, params, state),
		Messages:     s.Transcript(),
		Tools:        toProviderSpecs(s.tools.Specs(s.cfg.Tools)),
		Settings:     s.settings,
	}
	out, err := s.provider.Complete(ctx, req)
	if err != nil {
		s.state = Failed
		return nil, err
	}

	s.transcript = append(s.transcript, models.Message{
		Role:      models.RoleAssistant,
		Content:   out.Text,
		ToolCalls: out.ToolCalls,
	})

	res := &TurnResult{Text: out.Text}
	for _, tc := range out.ToolCalls {
		var call *models.ToolCall
		if s.declared[tc.Name] {
			call = s.tools.Record(ctx, s.name, tc.ID, tc.Name, tc.Args)
		} else {
			call = s.tools.Reject(s.name, tc.ID, tc.Name, tc.Args, fmt.Errorf("not available to agent %s", s.name))
		}
		s.calls = append(s.calls, *call)
		res.ToolCalls = append(res.ToolCalls, *call)
		s.transcript = append(s.transcript, models.Message{
			Role:       models.RoleTool,
			Content:    toolMessage(call),
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    call.Error != "",
		})
	}

	s.turns++
	s.state = Completed
	return res, nil
}

// appendOutbound adds the pending user message, if any.
func (s *Session) appendOutbound(opts TurnOptions, params, state map[string]any) {
	if s.turns == 0 && s.cfg.InitialMessage != "" {
		s.transcript = append(s.transcript, models.Message{
			Role:    models.RoleUser,
			Content: Interpolate(s.cfg.InitialMessage, params, state),
		})
	}
	if opts.Inject != "" {
		s.transcript = append(s.transcript, models.Message{
			Role:    models.RoleUser,
			Content: Interpolate(opts.Inject, params, state),
		})
		return
	}
	if n := len(s.transcript); n == 0 || (s.transcript[n-1].Role == models.RoleAssistant && len(s.transcript[n-1].ToolCalls) == 0) {
		s.transcript = append(s.transcript, models.Message{Role: models.RoleUser, Content: continuePrompt})
	}
}

func toolMessage(call *models.ToolCall) string {
	if call.Error != "" {
		return "Error: " + call.Error
	}
	if s, ok := call.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(call.Result)
	if err != nil {
		return fmt.Sprint(call.Result)
	}
	return string(b)
}

func toProviderSpecs(specs []tools.Spec) []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, provider.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}
