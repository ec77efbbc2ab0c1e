package aiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies an API failure for retry decisions.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServiceError   ErrorKind = "service_error"
)

// APIError is a failure reported by (or while reaching) the completion API.
type APIError struct {
	Kind    ErrorKind
	Status  int // HTTP status, 0 for transport-level failures
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("ai api %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("ai api %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure class is worth retrying.
// Rate limits and timeouts are transient; bad requests and upstream
// service errors are not.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindServiceError
	}
}

// classifyTransport maps a transport-level error to an APIError.
func classifyTransport(err error) *APIError {
	kind := KindServiceError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &APIError{Kind: kind, Message: err.Error()}
}

// IsRetryable reports whether err is an APIError in a retryable class.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
