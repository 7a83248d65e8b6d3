package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorTypeTransient},
		{"canceled", context.Canceled, ErrorTypeCanceled},
		{"auth status", errors.New(`POST "/v1/messages": 401 Unauthorized status code: 401`), ErrorTypeAuth},
		{"rate status", errors.New("http 429 too many requests"), ErrorTypeRateLimit},
		{"server status", errors.New("status: 502 bad gateway"), ErrorTypeTransient},
		{"bad request", errors.New("status code: 400 invalid model"), ErrorTypeBadPrompt},
		{"connection", errors.New("dial tcp: connection refused"), ErrorTypeTransient},
		{"quota text", errors.New("quota exceeded for project"), ErrorTypeRateLimit},
		{"api key text", errors.New("missing api key"), ErrorTypeAuth},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type, got.Error())
		})
	}
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	orig := NewError(ErrorTypeEmptyResponse, "nothing")
	wrapped := fmt.Errorf("stage: %w", orig)
	assert.Same(t, orig, Classify(wrapped))
	assert.Nil(t, Classify(nil))
}

func TestErrorUnwrapAndRetryable(t *testing.T) {
	cause := errors.New("boom")
	err := NewErrorWithCause(ErrorTypeTransient, cause, "server error")
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())
	assert.True(t, Is(fmt.Errorf("x: %w", err), ErrorTypeTransient))
	assert.Equal(t, ErrorTypeTransient, TypeOf(err))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(cause))

	assert.False(t, NewError(ErrorTypeAuth, "no key").IsRetryable())
	assert.False(t, NewServiceUnavailableError(cause, 3).IsRetryable())
	assert.False(t, FromContext(context.Canceled).IsRetryable())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "LLM error (auth): no key", NewError(ErrorTypeAuth, "no key").Error())
	assert.Equal(t, "LLM error (rate_limit): status 429", (&Error{Type: ErrorTypeRateLimit, StatusCode: 429}).Error())
}

func TestSanitizePrompt(t *testing.T) {
	short := "tiny prompt"
	assert.Equal(t, short, SanitizePrompt(short, 50))

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a' + byte(i%26)
	}
	out := SanitizePrompt(string(long), 200)
	assert.Contains(t, out, "[1000 chars, hash:")
	assert.Less(t, len(out), 1000)
}
