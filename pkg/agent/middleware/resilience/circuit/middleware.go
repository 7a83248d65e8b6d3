package circuit

import (
	"context"
	"errors"
	"fmt"

	"storyloom/pkg/agent/llm"
	"storyloom/pkg/agent/llmerrors"
)

// ErrOpen is the cause of calls rejected by an open circuit.
var ErrOpen = errors.New("circuit open")

// Middleware rejects calls while the breaker is open. Rejections are
// classified ServiceUnavailable so they are never retried. Cancellations,
// refused prompts and empty responses do not count against the backend.
func Middleware(b *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if b == nil || b.cfg.FailureThreshold < 1 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !b.Allow() {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(
						llmerrors.ErrorTypeServiceUnavailable, ErrOpen,
						fmt.Sprintf("%s: backend %s failed %d consecutive calls", ErrOpen, next.GetModelName(), b.Failures()))
				}

				resp, err := next.Complete(ctx, req)
				switch {
				case err == nil:
					b.Record(true)
				case countsAgainstBackend(err):
					b.Record(false)
				default:
					b.Release()
				}
				return resp, err
			},
			next.GetModelName,
		)
	}
}

func countsAgainstBackend(err error) bool {
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeCanceled, llmerrors.ErrorTypeBadPrompt, llmerrors.ErrorTypeEmptyResponse:
		return false
	case llmerrors.ErrorTypeUnknown:
		return !errors.Is(err, context.Canceled)
	default:
		return true
	}
}
