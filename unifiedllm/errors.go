package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for all model client errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by a model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// provider exposes the embedded ProviderError of every typed provider error.
func (e *ProviderError) provider() *ProviderError { return e }

type providerFailure interface {
	error
	provider() *ProviderError
}

// Typed provider errors. Retryable is set by whoever classifies the failure.
type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
)

// Failures raised before or around a provider call.
type (
	RequestTimeoutError struct{ SDKError }
	AbortError          struct{ SDKError }
	NetworkError        struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	return classify(statusCode, ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	})
}

func classify(status int, pe ProviderError) error {
	switch {
	case status == 400, status == 422:
		return &InvalidRequestError{ProviderError: pe}
	case status == 401:
		return &AuthenticationError{ProviderError: pe}
	case status == 403:
		return &AccessDeniedError{ProviderError: pe}
	case status == 404:
		return &NotFoundError{ProviderError: pe}
	case status == 408:
		return &RequestTimeoutError{SDKError: pe.SDKError}
	case status == 413:
		return &ContextLengthError{ProviderError: pe}
	case status == 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case status >= 500 && status < 600:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is worth another attempt. Provider errors
// carry their own verdict; cancellation, aborts and configuration problems
// never retry; anything unclassified does.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pf providerFailure
	if errors.As(err, &pf) {
		return pf.provider().Retryable
	}
	var (
		abort *AbortError
		cfg   *ConfigurationError
	)
	if errors.As(err, &abort) || errors.As(err, &cfg) {
		return false
	}
	return true
}
