// Package errors provides the structured error type shared by every docrpc
// subsystem and its mapping onto JSON-RPC wire codes.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is a structured failure carrying a code, a category and optional
// wire data. Handlers return it and the router turns it into an RPC error
// object without inspecting the message.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	data      map[string]interface{}
	retryable *bool // nil means use default based on category
	timestamp time.Time
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without the cause chain.
func (e *Error) Message() string {
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// RPCCode returns the numeric wire code.
func (e *Error) RPCCode() int {
	return e.code.RPCCode()
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Data returns a copy of the wire data attached to the error.
func (e *Error) Data() map[string]interface{} {
	if len(e.data) == 0 {
		return nil
	}
	result := make(map[string]interface{}, len(e.data))
	for k, v := range e.data {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

type errorJSON struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Message   string                 `json:"message"`
	Cause     string                 `json:"cause,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Retryable bool                   `json:"retryable"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Data:      e.data,
		Retryable: e.Retryable(),
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.data = j.Data
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithData attaches a key to the wire data object.
func WithData(key string, value interface{}) Option {
	return func(e *Error) {
		if e.data == nil {
			e.data = make(map[string]interface{})
		}
		e.data[key] = value
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// NotFound creates a resource-not-found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid params error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// Filter creates a filter error.
func Filter(message string, opts ...Option) *Error {
	return New(ErrCodeFilter, message, opts...)
}

// Unauthenticated creates an authentication error.
func Unauthenticated(message string, opts ...Option) *Error {
	return New(ErrCodeUnauthenticated, message, opts...)
}

// Forbidden creates an authorization error.
func Forbidden(message string, opts ...Option) *Error {
	return New(ErrCodeForbidden, message, opts...)
}

// RateLimited creates a rate limit error carrying a retry-after hint in seconds.
func RateLimited(message string, retryAfter time.Duration, opts ...Option) *Error {
	secs := retryAfter.Seconds()
	opts = append([]Option{WithData("retry_after", secs)}, opts...)
	return New(ErrCodeRateLimit, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// TransactionFailed reports a transaction aborted after completed of total
// operations were applied (and then rolled back).
func TransactionFailed(completed, total int, cause error) *Error {
	return New(ErrCodeTransaction,
		fmt.Sprintf("transaction failed after %d of %d operations", completed, total),
		WithCause(cause),
		WithData("completed", completed),
		WithData("total", total),
	)
}
