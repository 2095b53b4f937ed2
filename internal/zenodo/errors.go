package zenodo

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common errors returned by the Zenodo client.
var (
	// ErrAuthError indicates a missing, invalid or under-scoped access token.
	ErrAuthError = errors.New("Zenodo authentication error")

	// ErrNotFound indicates the deposition or record does not exist.
	ErrNotFound = errors.New("not found on Zenodo")

	// ErrRateLimited indicates the rate limit has been exceeded.
	ErrRateLimited = errors.New("Zenodo rate limit exceeded")

	// ErrNetworkError indicates a network connectivity issue.
	ErrNetworkError = errors.New("network error communicating with Zenodo")

	// ErrInvalidResponse indicates an unexpected API response.
	ErrInvalidResponse = errors.New("invalid response from Zenodo")

	// ErrSearchConsumed is yielded when a search sequence is ranged over twice.
	ErrSearchConsumed = errors.New("search results already consumed")
)

// APIError represents an error response from the Zenodo REST API.
type APIError struct {
	Op         string // Client operation, e.g. "create deposition"
	StatusCode int
	Message    string
	Details    []string // Field-level messages from the "errors" array
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: Zenodo API error (status %d): %s", e.Op, e.StatusCode, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Is lets errors.Is match status-derived sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrAuthError:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuthError returns true if the error indicates an authentication problem.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthError)
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
