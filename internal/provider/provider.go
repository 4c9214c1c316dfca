// Package provider defines the uniform completion contract agents use to talk
// to model backends, plus the openai, anthropic and bedrock adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mpataki/tactus/internal/models"
)

// Provider completes one conversation turn against a model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

type Request struct {
	Model        string
	SystemPrompt string
	Messages     []models.Message
	Tools        []ToolSpec
	// Settings are passed through to the backend. Keys an adapter has no
	// typed field for are forwarded verbatim.
	Settings map[string]any
}

type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

type Completion struct {
	Text      string
	ToolCalls []models.ToolCallRequest
}

type Kind string

const (
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// ProviderError is returned by every adapter. Transient errors may be retried.
type ProviderError struct {
	Provider string
	Kind     Kind
	Status   int
	Code     string
	Detail   string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s provider error", e.Provider, e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Transient() bool { return e.Kind == KindTransient }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

func Fatal(provider, detail string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindFatal, Detail: detail, Err: err}
}

func Transient(provider, detail string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, Detail: detail, Err: err}
}

// FromStatus classifies an HTTP status: 408, 429 and 5xx are transient,
// everything else is fatal.
func FromStatus(provider string, status int, code, detail string, err error) *ProviderError {
	kind := KindFatal
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		kind = KindTransient
	case status >= http.StatusInternalServerError:
		kind = KindTransient
	}
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Code: code, Detail: detail, Err: err}
}

// classifyTransport wraps errors that never reached the API. Timeouts are
// transient, a cancelled parent context is not.
func classifyTransport(provider string, ctx context.Context, err error) *ProviderError {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return Fatal(provider, "request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(provider, "request timed out", err)
	}
	return Transient(provider, err.Error(), err)
}
