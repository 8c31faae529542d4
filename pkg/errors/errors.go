package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCapacity       = errors.New("capacity exceeded")
	ErrCorruptSegment = errors.New("corrupt segment")
	ErrNothingMerged  = errors.New("nothing merged")
	ErrNoWorkers      = errors.New("no parallel workers launched")
	ErrInvariant      = errors.New("invariant violated")
	ErrIndexClosed    = errors.New("index closed")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternal       = errors.New("internal error")
	ErrTimeout        = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Capacityf reports a batch or allocation that does not fit the configured
// limits. These are configuration problems and are never retried.
func Capacityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCapacity, fmt.Sprintf(format, args...))
}

// Corruptf reports an unreadable or inconsistent segment.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptSegment, fmt.Sprintf(format, args...))
}

// Invariantf reports a logic bug. Callers must not retry.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNothingMerged):
		return http.StatusConflict
	case errors.Is(err, ErrCapacity):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNoWorkers), errors.Is(err, ErrTimeout), errors.Is(err, ErrIndexClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}

}

// Retryable reports whether err may succeed on a later attempt. Capacity,
// corruption, invariant and input errors fail the same way every time.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCapacity),
		errors.Is(err, ErrCorruptSegment),
		errors.Is(err, ErrInvariant),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrIndexClosed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
