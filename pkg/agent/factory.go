package agent

import (
	"fmt"

	"storyloom/pkg/agent/internal/llmimpl/anthropic"
	"storyloom/pkg/agent/internal/llmimpl/google"
	"storyloom/pkg/agent/internal/llmimpl/ollama"
	"storyloom/pkg/agent/internal/llmimpl/openaiofficial"
	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/middleware/logging"
	"storyloom/pkg/agent/middleware/metrics"
	"storyloom/pkg/agent/middleware/resilience/circuit"
	"storyloom/pkg/agent/middleware/resilience/retry"
	"storyloom/pkg/agent/middleware/resilience/timeout"
	"storyloom/pkg/agent/middleware/validation"
	"storyloom/pkg/config"
	"storyloom/pkg/logx"
)

// RawClientFunc builds an unwrapped provider client. Tests replace it.
type RawClientFunc func(provider, credential, model string) (llm.LLMClient, error)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
type LLMClientFactory struct {
	config    config.Config
	recorder  metrics.Recorder
	logger    *logx.Logger
	rawClient RawClientFunc
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		config:    cfg,
		recorder:  recorder,
		logger:    logx.NewLogger("llm"),
		rawClient: NewRawClient,
	}
}

// WithRawClient swaps the provider constructor, keeping the middleware chain.
func (f *LLMClientFactory) WithRawClient(fn RawClientFunc) *LLMClientFactory {
	f.rawClient = fn
	return f
}

// CreateClient returns the client serving a tier.
func (f *LLMClientFactory) CreateClient(tier llm.Tier) (llm.LLMClient, error) {
	switch tier {
	case llm.TierCreative:
		return f.CreateClientForModel(f.config.Models.Creative)
	case llm.TierFast:
		return f.CreateClientForModel(f.config.Models.Fast)
	default:
		return nil, fmt.Errorf("unsupported tier: %s", tier)
	}
}

// CreateClientForModel resolves the provider and credential for model and wraps
// the raw client in the chain:
//
//	Metrics -> FailureLogging -> Circuit -> Retry -> EmptyResponse -> Timeout -> raw
//
// Each client gets its own breaker, so a failing fast tier does not block the
// creative tier.
func (f *LLMClientFactory) CreateClientForModel(modelName string) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	credential, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	rawClient, err := f.rawClient(provider, credential, modelName)
	if err != nil {
		return nil, err
	}

	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:   f.config.Backend.Retry.MaxAttempts,
		InitialDelay:  f.config.Backend.Retry.InitialDelay,
		MaxDelay:      f.config.Backend.Retry.MaxDelay,
		BackoffFactor: f.config.Backend.Retry.BackoffFactor,
		Jitter:        f.config.Backend.Retry.Jitter,
	}, nil)

	client := llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, f.logger),
		logging.FailureLoggingMiddleware(f.logger),
		circuit.Middleware(circuit.New(circuit.Config{
			FailureThreshold: f.config.Backend.Circuit.FailureThreshold,
			Cooldown:         f.config.Backend.Circuit.Cooldown,
		})),
		retry.Middleware(retryPolicy),
		validation.EmptyResponseMiddleware(),
		timeout.Middleware(f.config.Backend.Timeout),
	)

	f.logger.Info("Created %s client for model %s", provider, modelName)
	return client, nil
}

// NewRawClient constructs the provider SDK client for model.
func NewRawClient(provider, credential, model string) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(credential, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(credential, model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(credential, model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(credential, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
