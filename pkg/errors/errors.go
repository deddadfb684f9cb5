package errors

import (
	"errors"
	"fmt"
)

// Standard error codes, reused across packages so callers can type-switch
// on Code rather than string-matching messages.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeConflict        = "CONFLICT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL"

	// Event-bus-specific codes from spec §7, carried alongside the generic
	// codes above so callers that think in transport/broker terms don't
	// have to translate through the generic vocabulary.
	ValidationError = "VALIDATION_ERROR"
	AuthError       = "AUTH_ERROR"
	TransportError  = "TRANSPORT_ERROR"
	ConflictError   = "CONFLICT_ERROR"
	NotFoundError   = "NOT_FOUND_ERROR"
	IntegrityError  = "INTEGRITY_ERROR"
	Timeout         = "TIMEOUT_ERROR"
)

// AppError is the standard error type returned across the module. It
// carries a stable Code alongside a human-readable Message and, optionally,
// the underlying error that triggered it.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message, and optional
// wrapped error.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches additional context to err while preserving its code (if it
// is or wraps an AppError) so that callers further up the stack can still
// branch on Code.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Err: ae.Err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// Code extracts the AppError code from err, or CodeInternal if err does
// not wrap an AppError.
func Code(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}
