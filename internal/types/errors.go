package types

import "fmt"

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Pipeline components MUST use these constants instead
// of hardcoded strings so the job tracker and tests can classify failures.
const (
	// Input / configuration
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidValue ErrorCode = "validation_invalid_value"

	// Upstream provider calls
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"  // timeouts, 5xx, connection errors
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited" // 429 or breaker open
	ErrCodeUpstreamBadResponse ErrorCode = "upstream_bad_response" // 4xx, malformed payload

	// Record store
	ErrCodeStoreConflict        ErrorCode = "store_conflict"         // uniqueness violation outside bulk-create
	ErrCodeStoreAmbiguousMatch  ErrorCode = "store_ambiguous_match"  // get-or-create matched more than one row
	ErrCodeStoreBadRequest      ErrorCode = "store_bad_request"      // store rejected a batch as invalid
	ErrCodeUnresolvedReference  ErrorCode = "unresolved_reference"   // foreign key resolved to nothing
	ErrCodeSerializationFailure ErrorCode = "serialization_failure"  // write may have committed, response unreadable

	// Internal
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// Transient reports whether the error class is expected to clear on its own,
// meaning a job-level retry is worthwhile.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the
// pipeline. All component errors should be expressed as AppError to enable
// consistent classification and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
