package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	// Validation covers malformed job parameters at submission time. The job
	// is rejected before any state is created and is never retried.
	Validation Code = "VALIDATION"
	// NotFound is a reference to an unknown job id.
	NotFound Code = "NOT_FOUND"
	// InvalidState is an operation against a job in an incompatible status,
	// e.g. completing a job that is not running. A protocol violation.
	InvalidState Code = "INVALID_STATE"
	// Transient is a failure during event read or evaluation; it triggers the
	// retry path up to the job's max attempts.
	Transient Code = "TRANSIENT"
	// StaleClaim marks a running job reclaimed by the stale sweep. Counted
	// against attempts exactly like a Transient failure.
	StaleClaim Code = "STALE_CLAIM"
)

type AppError struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause so callers can still reach it via errors.Is/As.
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{code: code, message: message, cause: cause}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Unwrap() error   { return e.cause }

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the application error code from err, or "" if err is not
// an AppError.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.code
	}
	return ""
}

// Is lets errors.Is match two AppErrors by code.
func (e *AppError) Is(target error) bool {
	var ae *AppError
	if errors.As(target, &ae) {
		return e.code == ae.code
	}
	return false
}
