// Package openaiofficial implements llm.LLMClient on the OpenAI Responses API.
package openaiofficial

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
)

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a raw OpenAI client; middleware is applied by the factory.
func NewOfficialClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// buildParams flattens the conversation into Responses API input. System
// messages become instructions.
func (o *OfficialClient) buildParams(in llm.CompletionRequest) responses.ResponseNewParams {
	system, rest := llm.SplitSystem(in.Messages)

	var input strings.Builder
	for i := range rest {
		if rest[i].Role == llm.RoleAssistant {
			input.WriteString("Assistant: ")
		}
		input.WriteString(rest[i].Content)
		if i < len(rest)-1 {
			input.WriteString("\n\n")
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input.String())},
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}
	return params
}

// Complete implements llm.LLMClient.
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	resp, err := o.client.Responses.New(ctx, o.buildParams(in))
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "OpenAI response contained no text")
	}

	stopReason := "end_turn"
	if resp.Status == "incomplete" {
		stopReason = "max_tokens"
	}
	return llm.CompletionResponse{
		Content:    content,
		StopReason: stopReason,
	}, nil
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

func classifyError(err error) *llmerrors.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(apiErr.StatusCode, err)
	}
	return llmerrors.Classify(err)
}
