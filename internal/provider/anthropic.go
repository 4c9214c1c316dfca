package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mpataki/tactus/internal/models"
)

const (
	anthropicName             = "anthropic"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider implements Provider on the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic adapter with SDK retries disabled.
func NewAnthropicProvider(apiKey, baseURL string, opts ...option.RequestOption) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, Fatal(anthropicName, "missing API key (set ANTHROPIC_API_KEY)", nil)
	}
	all := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &AnthropicProvider{client: anthropic.NewClient(all...)}, nil
}

func (p *AnthropicProvider) Name() string { return anthropicName }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)
			// Results for one assistant message share a single user turn
			if n := len(messages); n > 0 && messages[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(messages[n-1]) {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	s := newSettings(req.Settings, "anthropic_")
	if err := applyAnthropicSettings(&params, s); err != nil {
		return nil, Fatal(anthropicName, err.Error(), err)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema := schemaOrEmpty(tool.Schema)
			tp := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			}
			if required, ok := schema["required"].([]any); ok {
				for _, r := range required {
					if name, ok := r.(string); ok {
						tp.InputSchema.Required = append(tp.InputSchema.Required, name)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tp})
		}
		params.Tools = tools
	}

	var extra []option.RequestOption
	for _, k := range s.rest() {
		extra = append(extra, option.WithJSONSet(k, s.value(k)))
	}

	resp, err := p.client.Messages.New(ctx, params, extra...)
	if err != nil {
		return nil, wrapAnthropicError(ctx, err)
	}

	out := &Completion{}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, Fatal(anthropicName, fmt.Sprintf("failed to parse arguments for tool %q", b.Name), err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCallRequest{ID: b.ID, Name: b.Name, Args: args})
		}
	}
	return out, nil
}

func applyAnthropicSettings(params *anthropic.MessageNewParams, s *settings) error {
	if v, ok, err := s.int("max_tokens"); err != nil {
		return err
	} else if ok {
		params.MaxTokens = v
	}
	if v, ok, err := s.float("temperature"); err != nil {
		return err
	} else if ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok, err := s.float("top_p"); err != nil {
		return err
	} else if ok {
		params.TopP = anthropic.Float(v)
	}
	if v, ok, err := s.int("top_k"); err != nil {
		return err
	} else if ok {
		params.TopK = anthropic.Int(v)
	}
	if v, ok, err := s.strings("stop_sequences"); err != nil {
		return err
	} else if ok {
		params.StopSequences = v
	}
	return nil
}

func isToolResultTurn(m anthropic.MessageParam) bool {
	for _, c := range m.Content {
		if c.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}

func wrapAnthropicError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return FromStatus(anthropicName, apiErr.StatusCode, "", apiErr.RawJSON(), err)
	}
	return classifyTransport(anthropicName, ctx, err)
}
