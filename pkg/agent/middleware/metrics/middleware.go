package metrics

import (
	"context"
	"strings"
	"time"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
	"storyloom/pkg/config"
	"storyloom/pkg/logx"
	"storyloom/pkg/utils"
)

// UsageExtractor extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates usage with tiktoken, since not every backend reports it.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText strings.Builder
	for i := range req.Messages {
		promptText.WriteString(req.Messages[i].Content)
		promptText.WriteString("\n")
	}
	return utils.CountTokensSimple(promptText.String()), utils.CountTokensSimple(resp.Content)
}

// Middleware records latency, token usage, cost and outcome for every call.
// The thread comes from logx.ThreadID(ctx) and the stage from llm.StageFromContext(ctx).
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)

				obs := Observation{
					Model:    model,
					Stage:    llm.StageFromContext(ctx),
					ThreadID: logx.ThreadID(ctx),
					Duration: time.Since(start),
					Success:  err == nil,
				}
				if err == nil {
					obs.PromptTokens, obs.CompletionTokens = usageExtractor(req, resp)
					obs.Cost = config.CalculateCost(model, obs.PromptTokens, obs.CompletionTokens)
				} else {
					obs.ErrorType = llmerrors.Classify(err).Type.String()
				}
				recorder.ObserveRequest(obs)

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error:" + obs.ErrorType
					}
					logger.Debug("LLM request: model=%s stage=%s thread=%s tokens=%d+%d status=%s duration=%dms",
						model, obs.Stage, obs.ThreadID, obs.PromptTokens, obs.CompletionTokens, status, obs.Duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
