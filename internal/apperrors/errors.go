// Package apperrors defines the error taxonomy shared by the HTTP layer and
// the domain packages. Handlers map these onto status codes: validation
// errors to 400, auth errors to 401, upstream errors to 502.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// Validation errors (bad request, never retried)
	ErrInvalidPayload = errors.New("invalid payload")

	// Auth errors (client must restart the device flow)
	ErrMissingBearerToken = errors.New("missing bearer token")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionDenied      = errors.New("session denied")
	ErrSessionPending     = errors.New("session pending")

	// Config errors (fatal at startup, never per-request)
	ErrMissingConfig = errors.New("missing configuration")
)

// ValidationError marks a request as malformed. The message is safe to show
// to the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamError carries the status and body of a failed GitHub API call so
// the operator can clean up manually after a partial publish.
type UpstreamError struct {
	Operation  string // which call failed, e.g. "create tree"
	StatusCode int    // upstream HTTP status, 0 for transport failures
	Body       string // upstream response body, truncated
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("github: %s failed: %s", e.Operation, e.Body)
	}
	return fmt.Sprintf("github: %s failed (%d): %s", e.Operation, e.StatusCode, e.Body)
}

// IsUpstream reports whether err is (or wraps) an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsAuth reports whether err belongs to the auth family.
func IsAuth(err error) bool {
	return errors.Is(err, ErrMissingBearerToken) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionDenied) ||
		errors.Is(err, ErrSessionPending)
}
