package agent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoProvider is returned when a loop is used without a model backend.
var ErrNoProvider = errors.New("no model provider configured")

// FailureReason categorizes a provider error for fallback decisions.
type FailureReason string

const (
	// FailureRateLimit indicates rate limiting (HTTP 429).
	FailureRateLimit FailureReason = "rate_limit"

	// FailureAuth indicates authentication failure (HTTP 401, 403).
	FailureAuth FailureReason = "auth"

	// FailureTimeout indicates a request timeout.
	FailureTimeout FailureReason = "timeout"

	// FailureServerError indicates server-side issues (HTTP 5xx).
	FailureServerError FailureReason = "server_error"

	// FailureModelNotFound indicates the requested model does not exist.
	// Only this reason triggers the candidate-model fallback.
	FailureModelNotFound FailureReason = "model_not_found"

	// FailureUnknown indicates an unclassified error.
	FailureUnknown FailureReason = "unknown"
)

// IsRetryable reports whether retrying the same model may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a model collaborator. It carries
// the classification the loop needs to decide between model fallback and
// immediate abort.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps a raw provider failure with classification.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailureUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

// ClassifyError inspects an error message and returns a FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "404") {
		return FailureModelNotFound
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return FailureTimeout
	}
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return FailureRateLimit
	}
	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return FailureAuth
	}
	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") {
		return FailureServerError
	}
	return FailureUnknown
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusNotFound:
		return FailureModelNotFound
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}

// IsModelNotFound reports whether the error is a missing-model rejection,
// the only failure the loop recovers from by trying the next candidate.
func IsModelNotFound(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason == FailureModelNotFound
	}
	return ClassifyError(err) == FailureModelNotFound
}

// IsRetryable reports whether an error is worth retrying on the same model.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
