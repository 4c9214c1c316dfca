package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/mpataki/tactus/internal/models"
)

const openAIName = "openai"

// OpenAIProvider implements Provider on the chat completions API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI adapter. SDK retries are disabled;
// retrying happens in WithRetry.
func NewOpenAIProvider(apiKey, baseURL string, opts ...option.RequestOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, Fatal(openAIName, "missing API key (set OPENAI_API_KEY)", nil)
	}
	all := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &OpenAIProvider{client: openai.NewClient(all...)}, nil
}

func (p *OpenAIProvider) Name() string { return openAIName }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, Fatal(openAIName, "failed to marshal tool arguments", err)
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case models.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}

	s := newSettings(req.Settings, "openai_")
	if err := applyOpenAISettings(&params, s); err != nil {
		return nil, Fatal(openAIName, err.Error(), err)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schemaOrEmpty(tool.Schema)),
				},
			})
		}
		params.Tools = tools
	}

	// Unknown settings go onto the request body untouched
	var extra []option.RequestOption
	for _, k := range s.rest() {
		extra = append(extra, option.WithJSONSet(k, s.value(k)))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, extra...)
	if err != nil {
		return nil, wrapOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, Transient(openAIName, "no response choices returned", nil)
	}

	choice := resp.Choices[0]
	out := &Completion{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		args, err := decodeArgs(tc.Function.Arguments)
		if err != nil {
			return nil, Fatal(openAIName, fmt.Sprintf("failed to parse arguments for tool %q", tc.Function.Name), err)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCallRequest{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

func applyOpenAISettings(params *openai.ChatCompletionNewParams, s *settings) error {
	if v, ok, err := s.float("temperature"); err != nil {
		return err
	} else if ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok, err := s.float("top_p"); err != nil {
		return err
	} else if ok {
		params.TopP = openai.Float(v)
	}
	if v, ok, err := s.float("presence_penalty"); err != nil {
		return err
	} else if ok {
		params.PresencePenalty = openai.Float(v)
	}
	if v, ok, err := s.float("frequency_penalty"); err != nil {
		return err
	} else if ok {
		params.FrequencyPenalty = openai.Float(v)
	}
	if v, ok, err := s.int("max_tokens"); err != nil {
		return err
	} else if ok {
		params.MaxTokens = openai.Int(v)
	}
	if v, ok, err := s.int("max_completion_tokens"); err != nil {
		return err
	} else if ok {
		params.MaxCompletionTokens = openai.Int(v)
	}
	if v, ok, err := s.int("seed"); err != nil {
		return err
	} else if ok {
		params.Seed = openai.Int(v)
	}
	if v, ok, err := s.string("reasoning_effort"); err != nil {
		return err
	} else if ok {
		params.ReasoningEffort = shared.ReasoningEffort(v)
	}
	return nil
}

func wrapOpenAIError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return FromStatus(openAIName, apiErr.StatusCode, apiErr.Code, apiErr.Message, err)
	}
	return classifyTransport(openAIName, ctx, err)
}

func decodeArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
