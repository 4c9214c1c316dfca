package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/tactus/internal/models"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func TestBedrockComplete(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "reviewed"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("tu_1"),
					Name:      aws.String("done"),
					Input:     document.NewLazyDocument(&map[string]any{"reason": "ok"}),
				}},
			},
		}},
	}}
	p := NewBedrockWithClient(mock)

	out, err := p.Complete(context.Background(), Request{
		Model:        "anthropic.claude-3-5-haiku-20241022-v1:0",
		SystemPrompt: "review",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "please"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCallRequest{{ID: "x", Name: "done", Args: map[string]any{"reason": "r"}}}},
			{Role: models.RoleTool, ToolCallID: "x", ToolName: "done", Content: "done: bad reason", IsError: true},
		},
		Tools:    []ToolSpec{{Name: "done", Description: "finish"}},
		Settings: map[string]any{"temperature": 0.2, "max_tokens": 100, "top_k": 40},
	})
	require.NoError(t, err)

	assert.Equal(t, "reviewed", out.Text)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "tu_1", out.ToolCalls[0].ID)
	assert.Equal(t, "done", out.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"reason": "ok"}, out.ToolCalls[0].Args)

	input := mock.captured
	require.NotNil(t, input)
	assert.Equal(t, "anthropic.claude-3-5-haiku-20241022-v1:0", aws.ToString(input.ModelId))
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 3)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[2].Role)
	require.Len(t, input.Messages[2].Content, 1)
	result, ok := input.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, brtypes.ToolResultStatusError, result.Value.Status)
	require.NotNil(t, input.InferenceConfig)
	assert.Equal(t, int32(100), aws.ToInt32(input.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.2, aws.ToFloat32(input.InferenceConfig.Temperature), 0.0001)
	require.NotNil(t, input.ToolConfig)
	assert.Len(t, input.ToolConfig.Tools, 1)

	require.NotNil(t, input.AdditionalModelRequestFields)
	raw, err := input.AdditionalModelRequestFields.MarshalSmithyDocument()
	require.NoError(t, err)
	var extra map[string]any
	require.NoError(t, json.Unmarshal(raw, &extra))
	assert.Equal(t, float64(40), extra["top_k"])
}

func TestBedrockErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow"}, true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad"}, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}, false},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewBedrockWithClient(&mockRuntime{err: tt.err})
			_, err := p.Complete(context.Background(), Request{
				Model:    "m",
				Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
			})
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "bedrock", pe.Provider)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestNewBedrockProviderRequiresCredentials(t *testing.T) {
	_, err := NewBedrockProvider("us-east-1", "", "", "")
	require.Error(t, err)
	_, err = NewBedrockProvider("", "a", "b", "")
	require.Error(t, err)
	p, err := NewBedrockProvider("us-east-1", "a", "b", "")
	require.NoError(t, err)
	assert.Equal(t, "bedrock", p.Name())
}
