// Package llm defines the generative text backend contract shared by every provider client.
package llm

import (
	"context"
	"fmt"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem carries stage instructions.
	RoleSystem CompletionRole = "system"
	// RoleUser carries the assembled stage prompt.
	RoleUser CompletionRole = "user"
	// RoleAssistant carries earlier model output.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens is used when a request leaves MaxTokens unset.
	DefaultMaxTokens = 1024

	// TemperatureCreative is used for world building and storytelling.
	TemperatureCreative = 0.9

	// TemperatureExtraction keeps structured extraction close to the text.
	TemperatureExtraction = 0.2
)

// Tier selects between the slow/creative and fast/cheap model.
type Tier string

const (
	// TierCreative is the model used to invent worlds and write prose.
	TierCreative Tier = "creative"
	// TierFast is the model used for structured extraction.
	TierFast Tier = "fast"
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string // "end_turn", "max_tokens", ...
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // established name across providers
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a request with a system prompt and one user turn.
func NewCompletionRequest(system, prompt string, maxTokens int) CompletionRequest {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return CompletionRequest{
		Messages:    []CompletionMessage{NewSystemMessage(system), NewUserMessage(prompt)},
		MaxTokens:   maxTokens,
		Temperature: TemperatureCreative,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// SplitSystem separates system instructions from the conversational messages.
// Multiple system messages are joined with a blank line.
func SplitSystem(messages []CompletionMessage) (string, []CompletionMessage) {
	var system string
	rest := make([]CompletionMessage, 0, len(messages))
	for i := range messages {
		if messages[i].Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += messages[i].Content
			continue
		}
		rest = append(rest, messages[i])
	}
	return system, rest
}

// LLMConfig represents configuration for an LLM client.
type LLMConfig struct { //nolint:revive // established name across providers
	APIKey    string
	ModelName string
	MaxTokens int
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	return nil
}
