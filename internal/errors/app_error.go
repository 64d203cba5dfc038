// Package errors defines the structured error type returned by the HTTP surface
// before a response stream has been committed.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes understood by API clients.
const (
	CodeInvalidConfiguration = "invalid_configuration"
	CodeInvalidRequest       = "invalid_request"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal_error"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WithDetail attaches a key/value pair to Details and returns the receiver.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, 1)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// InvalidConfiguration reports an unknown model or an unsupported feature
// combination. It is raised before any provider call is made.
func InvalidConfiguration(format string, args ...interface{}) *AppError {
	return New(http.StatusBadRequest, CodeInvalidConfiguration, fmt.Sprintf(format, args...), nil)
}

// BadRequest reports a malformed inbound request.
func BadRequest(message string, err error) *AppError {
	return New(http.StatusBadRequest, CodeInvalidRequest, message, err)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *AppError {
	return New(http.StatusInternalServerError, CodeInternal, message, err)
}

// As extracts an *AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
