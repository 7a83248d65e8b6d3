// Package llmerrors classifies failures from generative text backends.
package llmerrors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorType is the failure category of a backend call.
type ErrorType int8

const (
	// ErrorTypeRateLimit represents rate limiting (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents 5xx, connection resets and timeouts.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents a successful call that produced no text.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth represents missing or rejected credentials (401/403).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents a request the backend refused as malformed (400).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable is emitted once retries are exhausted.
	ErrorTypeServiceUnavailable
	// ErrorTypeCanceled represents a call abandoned because the caller went away.
	ErrorTypeCanceled
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "invalid"
	}
}

// Error is a classified backend error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	BodyStub   string    // First portion of response body (guards PII)
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt could succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable, ErrorTypeCanceled:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// NewError creates a new classified LLM error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified LLM error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified LLM error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// NewServiceUnavailableError wraps the last failure once retries are exhausted.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

// FromContext classifies a context error. Deadline overruns are transient,
// cancellations are not.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timed out")
	}
	return NewErrorWithCause(ErrorTypeCanceled, err, "request canceled")
}

// SanitizePrompt shortens a prompt for logging, keeping both ends and a hash.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}
	if 2*halfMax >= len(prompt) {
		return prompt
	}

	first := prompt[:halfMax]
	last := prompt[len(prompt)-halfMax:]

	hash := sha256.Sum256([]byte(prompt))
	hashStr := fmt.Sprintf("%x", hash)[:16]

	return fmt.Sprintf("%s...[%d chars, hash:%s]...%s",
		first, len(prompt), hashStr, last)
}

// FromStatus classifies an HTTP status code returned by a backend.
func FromStatus(statusCode int, cause error) *Error {
	var errType ErrorType
	var msg string
	switch {
	case statusCode == 401:
		errType, msg = ErrorTypeAuth, "authentication failed - check API key"
	case statusCode == 403:
		errType, msg = ErrorTypeAuth, "permission denied - check API access"
	case statusCode == 429:
		errType, msg = ErrorTypeRateLimit, "rate limit exceeded"
	case statusCode == 400 || statusCode == 404 || statusCode == 413 || statusCode == 422:
		errType, msg = ErrorTypeBadPrompt, "request rejected - check model name and parameters"
	case statusCode == 529 || statusCode == 503:
		errType, msg = ErrorTypeTransient, "backend overloaded"
	case statusCode >= 500:
		errType, msg = ErrorTypeTransient, "server error"
	default:
		errType, msg = ErrorTypeUnknown, "unexpected status"
	}
	return &Error{Type: errType, StatusCode: statusCode, Message: msg, Err: cause}
}

// Classify maps an arbitrary client error to a classified error using context
// state, status codes embedded in the message, and common phrases.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FromContext(err)
	}

	errStr := strings.ToLower(err.Error())
	if code := extractStatusCode(errStr); code != 0 {
		return FromStatus(code, err)
	}

	switch {
	case containsAny(errStr, "timeout", "connection", "network", "temporary", "eof", "reset", "refused", "unavailable", "overloaded"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case containsAny(errStr, "rate", "quota", "resource_exhausted", "resource exhausted"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny(errStr, "unauthorized", "api key", "api_key", "permission", "auth"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case containsAny(errStr, "invalid", "malformed", "too large", "not found"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}
	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// extractStatusCode finds an HTTP status code in a lower-cased error string.
func extractStatusCode(errStr string) int {
	patterns := []string{"status code: ", "status code ", "status: ", "http ", "code "}
	for _, pattern := range patterns {
		idx := strings.Index(errStr, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start+3 > len(errStr) {
			continue
		}
		code, err := strconv.Atoi(errStr[start : start+3])
		if err == nil && code >= 400 && code < 600 {
			return code
		}
	}
	return 0
}
