package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes a provider failure for the retry and
// model-switch machinery: retryable reasons get backoff, failover reasons
// tell the model monitor to move to the fallback model.
type FailoverReason string

const (
	// FailoverBilling indicates payment or quota exhaustion (HTTP 402).
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429).
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication failure (HTTP 401, 403).
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout indicates a request timeout.
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates a server-side failure (HTTP 5xx).
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates a malformed request (HTTP 400).
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the requested model does not exist
	// or is not enabled for the account.
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter indicates the content was blocked by safety
	// filters.
	FailoverContentFilter FailoverReason = "content_filter"

	// FailoverUnknown indicates an unclassified error.
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the same provider and model may
// succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the failure warrants switching to a
// different provider or model instead of retrying.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverBilling, FailoverAuth, FailoverModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is a classified provider failure. It carries the HTTP
// status, provider error code, and request id when the underlying SDK
// exposes them.
type ProviderError struct {
	// Reason categorizes the error for retry and failover decisions.
	Reason FailoverReason

	// Provider is the provider name ("anthropic", "openai", "bedrock").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, 0 when not applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request id.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause in a ProviderError, classifying it by its
// message text. Callers refine the classification with WithStatus and
// WithCode when the SDK exposes structured fields.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailoverUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}

	return err
}

// WithStatus records the HTTP status and reclassifies from it. Status codes
// are authoritative, so this overrides the message-based classification.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode records the provider's error code and reclassifies when the code
// is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage overrides the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// failoverPatterns maps lowercase substrings of error text to a
// FailoverReason. Order matters: timeout must precede rate-limit checks
// because throttled requests often mention both, and the 4xx digit patterns
// must come after the word patterns they could shadow.
var failoverPatterns = []struct {
	substr string
	reason FailoverReason
}{
	{"timeout", FailoverTimeout},
	{"deadline exceeded", FailoverTimeout},
	{"context deadline", FailoverTimeout},
	{"etimedout", FailoverTimeout},

	{"rate limit", FailoverRateLimit},
	{"rate_limit", FailoverRateLimit},
	{"too many requests", FailoverRateLimit},
	{"throttl", FailoverRateLimit},
	{"429", FailoverRateLimit},

	{"unauthorized", FailoverAuth},
	{"invalid api key", FailoverAuth},
	{"invalid_api_key", FailoverAuth},
	{"authentication", FailoverAuth},
	{"access denied", FailoverAuth},
	{"401", FailoverAuth},
	{"403", FailoverAuth},

	{"billing", FailoverBilling},
	{"payment", FailoverBilling},
	{"quota", FailoverBilling},
	{"insufficient", FailoverBilling},
	{"402", FailoverBilling},

	{"content_filter", FailoverContentFilter},
	{"content policy", FailoverContentFilter},
	{"safety", FailoverContentFilter},
	{"blocked", FailoverContentFilter},

	// "service unavailable" must precede the bare "unavailable" pattern
	// below, which means the model itself cannot be served.
	{"service unavailable", FailoverServerError},
	{"serviceunavailable", FailoverServerError},

	{"model not found", FailoverModelUnavailable},
	{"model_not_found", FailoverModelUnavailable},
	{"does not exist", FailoverModelUnavailable},
	{"unavailable", FailoverModelUnavailable},

	{"internal server", FailoverServerError},
	{"server error", FailoverServerError},
	{"overloaded", FailoverServerError},
	{"500", FailoverServerError},
	{"502", FailoverServerError},
	{"503", FailoverServerError},
	{"504", FailoverServerError},
}

// ClassifyError assigns a FailoverReason from the error's text. Used when
// the SDK surfaces no structured status or code.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range failoverPatterns {
		if strings.Contains(errStr, p.substr) {
			return p.reason
		}
	}
	return FailoverUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailoverRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return FailoverAuth
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available", "not_found_error":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	case "server_error", "internal_error", "overloaded_error", "api_error":
		return FailoverServerError
	case "invalid_request_error":
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a ProviderError from the error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried against the same
// provider. Raw errors are classified by text first.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// ShouldFailover reports whether err warrants switching models.
func ShouldFailover(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.ShouldFailover()
	}
	return ClassifyError(err).ShouldFailover()
}
