package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies an LLM failure for retry and degradation decisions.
type ErrorType string

const (
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeMalformed   ErrorType = "malformed"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error is a structured LLM error with classification.
type Error struct {
	Type      ErrorType
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable implements retry.RetryableError.
func (e *Error) IsRetryable() bool { return e.Retryable }

// Transient reports whether the failure indicates the capability itself is
// degraded (timeouts, unavailability, rate limits) rather than this one
// request being bad. The circuit breaker counts only transient failures.
func (e *Error) Transient() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeUnavailable, ErrorTypeRateLimit:
		return true
	}
	return false
}

// NewError creates a structured LLM error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{Type: errType, Message: message, Retryable: retryable, Cause: cause}
}

// ClassifyError categorizes an arbitrary provider error.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrorTypeTimeout, "request deadline exceeded", true, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(ErrorTypeUnknown, "request canceled", false, err)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return NewError(ErrorTypeTimeout, "request timed out", true, err)
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return NewError(ErrorTypeRateLimit, "rate limited", true, err)
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "api key"):
		return NewError(ErrorTypeAuth, "authentication failed", false, err)
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return NewError(ErrorTypeUnavailable, "endpoint unavailable", true, err)
	default:
		return NewError(ErrorTypeUnknown, "request failed", true, err)
	}
}
