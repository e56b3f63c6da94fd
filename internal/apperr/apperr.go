package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeAuthentication      Code = "AUTHENTICATION_ERROR"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeRetryableProvider   Code = "RETRYABLE_PROVIDER_ERROR"
	CodeTerminalProvider    Code = "TERMINAL_PROVIDER_ERROR"
	CodeStorage             Code = "STORAGE_ERROR"
	CodeUnknownTask         Code = "UNKNOWN_TASK"
	CodeAlreadyCheckedIn    Code = "ALREADY_CHECKED_IN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is the application error carried across service boundaries. Handlers
// map it to an HTTP status; the retry layer uses the code to decide whether
// another attempt is worthwhile.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`

	// Set for INSUFFICIENT_CREDITS so the client can show the gap.
	Required  int64 `json:"required,omitempty"`
	Available int64 `json:"available,omitempty"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Authentication(message string) *Error {
	return New(CodeAuthentication, message)
}

func InsufficientCredits(required, available int64) *Error {
	return &Error{
		Code:      CodeInsufficientCredits,
		Message:   fmt.Sprintf("insufficient credits: required %d, available %d", required, available),
		Required:  required,
		Available: available,
	}
}

func RetryableProvider(message string, err error) *Error {
	return Wrap(CodeRetryableProvider, message, err)
}

func TerminalProvider(message string, err error) *Error {
	return Wrap(CodeTerminalProvider, message, err)
}

func Storage(message string, err error) *Error {
	return Wrap(CodeStorage, message, err)
}

func UnknownTask(taskID string) *Error {
	return New(CodeUnknownTask, fmt.Sprintf("unknown task %s", taskID))
}

// CodeOf extracts the application error code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error class is worth another attempt under
// the retry budget. Everything not explicitly retryable is terminal.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeRetryableProvider
}

// HTTPStatus maps an error to the status surfaced by the API layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeNotFound, CodeUnknownTask:
		return http.StatusNotFound
	case CodeAlreadyCheckedIn, CodeConflict:
		return http.StatusConflict
	case CodeRetryableProvider:
		return http.StatusBadGateway
	case CodeTerminalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
