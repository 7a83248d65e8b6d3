package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
)

func TestEnsureAlternation(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.CompletionMessage
		expectSystem string
		expectMsgLen int
		errContains  string
	}{
		{
			name:        "empty messages",
			input:       []llm.CompletionMessage{},
			errContains: "message list cannot be empty",
		},
		{
			name:        "system only",
			input:       []llm.CompletionMessage{llm.NewSystemMessage("rules")},
			errContains: "at least one non-system message",
		},
		{
			name: "system message extracted",
			input: []llm.CompletionMessage{
				llm.NewSystemMessage("You tell bedtime stories"),
				llm.NewUserMessage("A dragon who bakes"),
			},
			expectSystem: "You tell bedtime stories",
			expectMsgLen: 1,
		},
		{
			name: "consecutive user messages merged",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("Hello"),
				llm.NewUserMessage("Anyone there?"),
			},
			expectMsgLen: 1,
		},
		{
			name: "proper alternation maintained",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("Once upon a time"),
				{Role: llm.RoleAssistant, Content: "there was a mouse"},
				llm.NewUserMessage("who found cheese"),
			},
			expectMsgLen: 3,
		},
		{
			name: "ends with assistant returns error",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("Hello"),
				{Role: llm.RoleAssistant, Content: "Hi"},
			},
			errContains: "last message must be user",
		},
		{
			name: "starts with assistant returns error",
			input: []llm.CompletionMessage{
				{Role: llm.RoleAssistant, Content: "Hi"},
				llm.NewUserMessage("Hello"),
			},
			errContains: "first message must be user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, msgs, err := ensureAlternation(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)
			assert.Len(t, msgs, tt.expectMsgLen)
		})
	}
}

func TestBuildParams(t *testing.T) {
	c := NewClaudeClientWithModel("test-key", "claude-haiku-4-5").(*ClaudeClient)
	req := llm.NewCompletionRequest("extract json", "the segment", 400)

	params, err := c.buildParams(req)
	require.NoError(t, err)
	assert.Equal(t, int64(400), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "extract json", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	assert.Equal(t, "claude-haiku-4-5", c.GetModelName())
}

func TestCompleteRejectsBadConversation(t *testing.T) {
	c := NewClaudeClientWithModel("test-key", "claude-haiku-4-5")
	_, err := c.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}

func TestClassifyErrorFallsBackToText(t *testing.T) {
	err := classifyError(errors.New("dial tcp 127.0.0.1:443: connection refused"))
	assert.Equal(t, llmerrors.ErrorTypeTransient, err.Type)

	err = classifyError(context.Canceled)
	assert.Equal(t, llmerrors.ErrorTypeCanceled, err.Type)
}
