// Package validation rejects backend responses that carry no usable text.
package validation

import (
	"context"
	"strings"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
)

// EmptyResponseMiddleware turns whitespace-only completions into
// ErrorTypeEmptyResponse so they flow through retry and stage fallbacks
// like any other backend failure.
func EmptyResponseMiddleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err //nolint:wrapcheck // Middleware passes errors through unchanged
				}
				if strings.TrimSpace(resp.Content) == "" {
					return llm.CompletionResponse{}, llmerrors.NewError(
						llmerrors.ErrorTypeEmptyResponse,
						"backend returned no text (stop reason: "+resp.StopReason+")",
					)
				}
				return resp, nil
			},
			next.GetModelName,
		)
	}
}
