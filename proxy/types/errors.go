package types

import (
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure class surfaced to API clients. Every error
// leaving a service boundary carries one of these codes; unknown internal
// failures are mapped to CodeInternalError with the original message kept
// out of the response body.
type ErrorCode string

const (
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodePaymentInvalid      ErrorCode = "PAYMENT_INVALID"
	CodePaymentNotFound     ErrorCode = "PAYMENT_NOT_FOUND"
	CodeJobAlreadyCompleted ErrorCode = "JOB_ALREADY_COMPLETED"
	CodeJobExpired          ErrorCode = "JOB_EXPIRED"
	CodeBlobTooLarge        ErrorCode = "BLOB_TOO_LARGE"
	CodeBlobEmpty           ErrorCode = "BLOB_EMPTY"
	CodeSignatureInvalid    ErrorCode = "SIGNATURE_INVALID"
	CodeJobLocked           ErrorCode = "JOB_LOCKED"
	CodeBlobExecutionFailed ErrorCode = "BLOB_EXECUTION_FAILED"
	CodeContractError       ErrorCode = "CONTRACT_ERROR"
	CodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeNetworkError        ErrorCode = "NETWORK_ERROR"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

var httpStatusByCode = map[ErrorCode]int{
	CodeInvalidRequest:      http.StatusBadRequest,
	CodePaymentInvalid:      http.StatusBadRequest,
	CodePaymentNotFound:     http.StatusBadRequest,
	CodeJobAlreadyCompleted: http.StatusNotFound,
	CodeJobExpired:          http.StatusBadRequest,
	CodeBlobTooLarge:        http.StatusBadRequest,
	CodeBlobEmpty:           http.StatusBadRequest,
	CodeSignatureInvalid:    http.StatusBadRequest,
	CodeJobLocked:           http.StatusTooEarly,
	CodeBlobExecutionFailed: http.StatusBadGateway,
	CodeContractError:       http.StatusBadGateway,
	CodeRateLimitExceeded:   http.StatusTooManyRequests,
	CodeCircuitOpen:         http.StatusServiceUnavailable,
	CodeNetworkError:        http.StatusInternalServerError,
	CodeInternalError:       http.StatusInternalServerError,
}

// HTTPStatus returns the response status for a code, defaulting to 500 for
// codes outside the taxonomy.
func (c ErrorCode) HTTPStatus() int {
	if s, ok := httpStatusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the failure class is transient. Retryable
// failures are recovered locally (in-process retry for reads, queue-based
// retry for settlement); everything else is surfaced immediately.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeNetworkError, CodeContractError, CodeCircuitOpen:
		return true
	default:
		return false
	}
}

// Error is the typed error used across service boundaries.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	cause   error
}

// NewError constructs a taxonomy error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf constructs a taxonomy error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy code to an underlying error. The cause is
// preserved for errors.Is/As and for logging, never for response bodies.
func WrapError(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetail adds a field-level detail and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to the errors package.
func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a taxonomy error from err, mapping unknown errors to
// CodeInternalError with a redacted message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	for e := err; e != nil; {
		if te, ok := e.(*Error); ok {
			return te
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return &Error{Code: CodeInternalError, Message: "internal error", cause: err}
}
