// Package providers implements model-API adapters for the loom engine.
//
// Each adapter converts thread history and tool definitions into its
// vendor's wire format, calls the API with retries for transient failures,
// and maps the response back to a neutral engine.Response.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed, driving the
// adapters' retry decisions.
type FailureReason string

const (
	ReasonRateLimit      FailureReason = "rate_limit"
	ReasonAuth           FailureReason = "auth"
	ReasonBilling        FailureReason = "billing"
	ReasonTimeout        FailureReason = "timeout"
	ReasonServerError    FailureReason = "server_error"
	ReasonInvalidRequest FailureReason = "invalid_request"
	ReasonModelMissing   FailureReason = "model_unavailable"
	ReasonContentFilter  FailureReason = "content_filter"
	ReasonUnknown        FailureReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// APIError is a structured failure from a model API with enough context
// for retry decisions and debugging.
type APIError struct {
	Reason    FailureReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *APIError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Reason, e.Provider)}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// NewAPIError wraps a raw provider failure, classifying it from the error
// text when no status code is available.
func NewAPIError(provider, model string, cause error) *APIError {
	err := &APIError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = classifyText(cause.Error())
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it. Status codes
// are more reliable than message text, so they win.
func (e *APIError) WithStatus(status int) *APIError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a vendor error code and reclassifies from it if known.
func (e *APIError) WithCode(code string) *APIError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the vendor request ID for support tickets.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// WithMessage sets the human-readable message.
func (e *APIError) WithMessage(msg string) *APIError {
	e.Message = msg
	return e
}

// IsRetryable reports whether an arbitrary error is worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason.IsRetryable()
	}
	return classifyText(err.Error()).IsRetryable()
}

func classifyText(text string) FailureReason {
	text = strings.ToLower(text)
	switch {
	case containsAny(text, "timeout", "deadline exceeded", "context deadline"):
		return ReasonTimeout
	case containsAny(text, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case containsAny(text, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(text, "billing", "payment", "quota", "insufficient"):
		return ReasonBilling
	case containsAny(text, "content_filter", "content policy", "safety"):
		return ReasonContentFilter
	case containsAny(text, "model not found", "model_not_found", "does not exist"):
		return ReasonModelMissing
	case containsAny(text, "internal server", "server error", "500", "502", "503", "504",
		"bad gateway", "service unavailable", "connection reset", "connection refused", "no such host"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelMissing
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found":
		return ReasonModelMissing
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "overloaded_error", "api_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
