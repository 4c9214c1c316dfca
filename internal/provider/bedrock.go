package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/mpataki/tactus/internal/models"
)

const bedrockName = "bedrock"

// RuntimeClient is the subset of *bedrockruntime.Client the adapter needs.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider on the Bedrock Converse API.
type BedrockProvider struct {
	runtime RuntimeClient
}

// NewBedrockProvider builds a runtime client from static credentials.
func NewBedrockProvider(region, accessKeyID, secretAccessKey, sessionToken string) (*BedrockProvider, error) {
	if region == "" {
		return nil, Fatal(bedrockName, "missing region (set AWS_REGION)", nil)
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, Fatal(bedrockName, "missing credentials (set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY)", nil)
	}
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			SessionToken:    sessionToken,
			Source:          "tactus",
		}, nil
	})
	client := bedrockruntime.New(bedrockruntime.Options{
		Region:           region,
		Credentials:      aws.NewCredentialsCache(creds),
		RetryMaxAttempts: 1,
	})
	return NewBedrockWithClient(client), nil
}

// NewBedrockWithClient wraps an existing runtime client.
func NewBedrockWithClient(rt RuntimeClient) *BedrockProvider {
	return &BedrockProvider{runtime: rt}
}

func (p *BedrockProvider) Name() string { return bedrockName }

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	messages, err := encodeBedrockMessages(req.Messages)
	if err != nil {
		return nil, Fatal(bedrockName, err.Error(), err)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	s := newSettings(req.Settings, "bedrock_")
	inference, err := bedrockInference(s)
	if err != nil {
		return nil, Fatal(bedrockName, err.Error(), err)
	}
	input.InferenceConfig = inference

	if rest := s.rest(); len(rest) > 0 {
		fields := make(map[string]any, len(rest))
		for _, k := range rest {
			fields[k] = s.value(k)
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}

	if len(req.Tools) > 0 {
		toolList := make([]brtypes.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaOrEmpty(tool.Schema))},
			}})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: toolList}
	}

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(ctx, err)
	}
	return translateConverse(output)
}

func bedrockInference(s *settings) (*brtypes.InferenceConfiguration, error) {
	var cfg brtypes.InferenceConfiguration
	set := false
	if v, ok, err := s.int("max_tokens"); err != nil {
		return nil, err
	} else if ok {
		cfg.MaxTokens = aws.Int32(int32(v)) //nolint:gosec // AWS SDK requires int32
		set = true
	}
	if v, ok, err := s.float("temperature"); err != nil {
		return nil, err
	} else if ok {
		cfg.Temperature = aws.Float32(float32(v))
		set = true
	}
	if v, ok, err := s.float("top_p"); err != nil {
		return nil, err
	} else if ok {
		cfg.TopP = aws.Float32(float32(v))
		set = true
	}
	if v, ok, err := s.strings("stop_sequences"); err != nil {
		return nil, err
	} else if ok {
		cfg.StopSequences = v
		set = true
	}
	if !set {
		return nil, nil
	}
	return &cfg, nil
}

// encodeBedrockMessages maps the transcript onto Converse messages. Tool
// results travel as user content blocks and consecutive ones are merged.
func encodeBedrockMessages(msgs []models.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	appendBlocks := func(role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: m.Content})
		case models.RoleAssistant:
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(args),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			appendBlocks(brtypes.ConversationRoleAssistant, blocks...)
		case models.RoleTool:
			if m.ToolCallID == "" {
				return nil, fmt.Errorf("tool message for %q has no tool call id", m.ToolName)
			}
			result := brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			if m.IsError {
				result.Status = brtypes.ToolResultStatusError
			}
			appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{Value: result})
		}
	}
	return out, nil
}

func translateConverse(output *bedrockruntime.ConverseOutput) (*Completion, error) {
	if output == nil {
		return nil, Transient(bedrockName, "empty response", nil)
	}
	out := &Completion{}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return out, nil
	}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			out.Text += v.Value
		case *brtypes.ContentBlockMemberToolUse:
			args := map[string]any{}
			if v.Value.Input != nil {
				data, err := v.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return nil, Fatal(bedrockName, "failed to decode tool input", err)
				}
				if len(data) > 0 && string(data) != "null" {
					if err := json.Unmarshal(data, &args); err != nil {
						return nil, Fatal(bedrockName, "failed to decode tool input", err)
					}
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCallRequest{
				ID:   aws.ToString(v.Value.ToolUseId),
				Name: aws.ToString(v.Value.Name),
				Args: args,
			})
		}
	}
	return out, nil
}

func wrapBedrockError(ctx context.Context, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	switch code {
	case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelNotReadyException":
		return &ProviderError{Provider: bedrockName, Kind: KindTransient, Status: status, Code: code, Detail: msg, Err: err}
	case "ValidationException", "AccessDeniedException", "ResourceNotFoundException":
		if status == 0 {
			status = http.StatusBadRequest
		}
		return &ProviderError{Provider: bedrockName, Kind: KindFatal, Status: status, Code: code, Detail: msg, Err: err}
	}
	if status > 0 {
		return FromStatus(bedrockName, status, code, msg, err)
	}
	if apiErr != nil {
		return Fatal(bedrockName, msg, err)
	}
	return classifyTransport(bedrockName, ctx, err)
}
