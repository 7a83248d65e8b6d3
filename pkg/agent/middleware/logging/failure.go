// Package logging provides logging middleware for LLM clients.
package logging

import (
	"context"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
	"storyloom/pkg/logx"
)

const promptLogChars = 2000

// FailureLoggingMiddleware logs the request that produced a failed or empty
// response, then passes the result through unchanged.
func FailureLoggingMiddleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("llm")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					logFailure(ctx, logger, next.GetModelName(), req, err)
				}
				return resp, err //nolint:wrapcheck // Middleware intentionally passes through errors unchanged
			},
			next.GetModelName,
		)
	}
}

//nolint:gocritic // request is logged read-only
func logFailure(ctx context.Context, logger *logx.Logger, model string, req llm.CompletionRequest, err error) {
	classified := llmerrors.Classify(err)
	thread := logx.ThreadID(ctx)
	stage := llm.StageFromContext(ctx)

	// Canceled calls are the caller's doing; they are logged by the orchestrator.
	if classified.Type == llmerrors.ErrorTypeCanceled {
		return
	}

	logger.Warn("LLM %s failure: model=%s stage=%s thread=%s: %v",
		classified.Type, model, stage, thread, err)

	if !logx.IsDebugEnabledForDomain("llm") {
		return
	}
	for i := range req.Messages {
		logx.Debug(ctx, "llm", "message[%d] role=%s content=%s",
			i, req.Messages[i].Role, llmerrors.SanitizePrompt(req.Messages[i].Content, promptLogChars))
	}
	logx.Debug(ctx, "llm", "temperature=%v max_tokens=%d", req.Temperature, req.MaxTokens)
}
