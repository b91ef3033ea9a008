package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTruncatedStream marks a backend stream that closed before sending its
// terminal chunk. The connection dropped mid-generation or the backend bailed
// without reporting why.
var ErrTruncatedStream = errors.New("provider stream ended without completion")

// Reason categorizes why a backend request failed, for retry decisions and
// for the orchestrator's user-facing error taxonomy.
type Reason string

const (
	ReasonAuth             Reason = "auth"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonUnknown          Reason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a structured failure from a generation backend. It retains the
// raw cause for logs while letting callers branch on Reason.
type Error struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
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

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause with provider context and a classified reason.
func NewError(providerName, model string, cause error) *Error {
	err := &Error{
		Provider: providerName,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// Classify inspects an error's message and returns the matching Reason.
// Substring matching is the last resort after typed checks; SDK errors that
// carried a status code never reach this path.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "invalid credential"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network"):
		return ReasonServerError
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// AsError extracts a provider *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsRetryable reports whether the failure is worth retrying, classifying
// raw errors on the fly.
func IsRetryable(err error) bool {
	if perr, ok := AsError(err); ok {
		return perr.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}
