// Package errors provides structured error types for the proxy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrUnauthorized = errors.New("token not found")
	ErrForbidden    = errors.New("path not proxied")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// APIError represents a non-success response from the authorization server.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// TokenExchangeError is returned when an authorization code could not be
// exchanged. Status is 0 when no HTTP response was received.
type TokenExchangeError struct {
	Status int
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("token exchange failed (status %d): %v", e.Status, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// RefreshError is returned when the authorization server rejects a refresh.
type RefreshError struct {
	Status int
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh token error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("refresh token error (status %d)", e.Status)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// UpstreamError describes a non-2xx upstream response. It is relayed to the
// client as-is and only surfaces as an error value for logging.
type UpstreamError struct {
	Status int
	Path   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s responded %d %s", e.Path, e.Status, http.StatusText(e.Status))
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// StatusCode extracts an HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var (
		apiErr      *APIError
		exchangeErr *TokenExchangeError
		refreshErr  *RefreshError
		upstreamErr *UpstreamError
	)
	switch {
	case errors.As(err, &refreshErr):
		return refreshErr.Status
	case errors.As(err, &exchangeErr):
		return exchangeErr.Status
	case errors.As(err, &upstreamErr):
		return upstreamErr.Status
	case errors.As(err, &apiErr):
		return apiErr.StatusCode
	}
	return 0
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
