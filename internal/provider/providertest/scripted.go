// Package providertest provides a deterministic Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/provider"
)

// Step configures one completion in a scripted sequence.
type Step struct {
	Completion provider.Completion
	Err        error
}

// Text is a step that answers with plain text.
func Text(s string) Step {
	return Step{Completion: provider.Completion{Text: s}}
}

// Call is a step that answers with a single tool call.
func Call(id, name string, args map[string]any) Step {
	return Step{Completion: provider.Completion{
		ToolCalls: []models.ToolCallRequest{{ID: id, Name: name, Args: args}},
	}}
}

// Fail is a step that returns err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Scripted replays queued steps in order. Once the queue is exhausted it
// repeats Fallback if set, otherwise it fails fatally.
type Scripted struct {
	name     string
	mu       sync.Mutex
	index    int
	steps    []Step
	requests []provider.Request

	Fallback *Step
}

var _ provider.Provider = (*Scripted)(nil)

func NewScripted(name string, steps ...Step) *Scripted {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &Scripted{name: name, steps: cloned}
}

// Always returns a provider that answers every call with step.
func Always(name string, step Step) *Scripted {
	s := NewScripted(name)
	s.Fallback = &step
	return s
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Complete(ctx context.Context, req provider.Request) (*provider.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req.Messages = append([]models.Message(nil), req.Messages...)
	s.requests = append(s.requests, req)

	var current Step
	switch {
	case s.index < len(s.steps):
		current = s.steps[s.index]
		s.index++
	case s.Fallback != nil:
		current = *s.Fallback
	default:
		return nil, provider.Fatal(s.name, fmt.Sprintf("script exhausted at step %d", s.index+1), nil)
	}
	if current.Err != nil {
		return nil, current.Err
	}
	out := current.Completion
	out.ToolCalls = append([]models.ToolCallRequest(nil), out.ToolCalls...)
	return &out, nil
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Request(nil), s.requests...)
}
