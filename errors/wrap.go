package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the code and data are preserved.
// Context errors become TIMEOUT or CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		wrapped := &Error{
			code:      typed.code,
			category:  typed.category,
			message:   message,
			cause:     err,
			data:      typed.Data(),
			retryable: typed.retryable,
			timestamp: typed.timestamp,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	if typed := As(err); typed != nil {
		return typed.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if typed := As(err); typed != nil {
		return typed.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	if typed := As(err); typed != nil {
		return typed.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err carries no *Error.
func Code(err error) ErrorCode {
	if typed := As(err); typed != nil {
		return typed.code
	}
	return ""
}

// Kind returns a short classification for structured error records:
// the code when available, "canceled"/"timeout" for context errors,
// and "internal" otherwise.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case As(err) != nil:
		return string(Code(err))
	case errors.Is(err, context.Canceled):
		return string(ErrCodeCanceled)
	case errors.Is(err, context.DeadlineExceeded):
		return string(ErrCodeTimeout)
	default:
		return string(ErrCodeInternal)
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithData("panic_value", fmt.Sprintf("%T", recovered)))
}
