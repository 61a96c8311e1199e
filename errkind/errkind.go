// Package errkind defines the failure taxonomy shared by the store, the
// external adapters, and the pipeline driver. Every off-box or storage
// failure is attributed to exactly one kind; the driver decides per stage
// whether a kind continues the stage or fails the task.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// TransientError represents a retryable error (network failure, 5xx,
// upstream overload). Callers recover locally with jittered backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransient wraps an error as transient.
func NewTransient(err error) *TransientError {
	return &TransientError{Err: err}
}

// RateLimitedError is the specific 429/quota signal. RetryAfter carries the
// upstream hint when one was provided, zero otherwise.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// NewRateLimited wraps an error as a rate-limit signal.
func NewRateLimited(err error, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Err: err, RetryAfter: retryAfter}
}

// InputError marks a failure caused by the input itself (oversize file,
// empty content, unsupported language). The owning row fails; the stage
// continues.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input: %v", e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// NewInput wraps an error as an input failure.
func NewInput(err error) *InputError {
	return &InputError{Err: err}
}

// ConflictError marks a store invariant violation (duplicate entity,
// rejected status transition). Surfaced to the caller, never retried.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewConflict wraps an error as a conflict.
func NewConflict(err error) *ConflictError {
	return &ConflictError{Err: err}
}

// NotFoundError marks a missing task, repository, or index. Delete
// operations map this to success; everywhere else it is surfaced.
type NotFoundError struct {
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %v", e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// NewNotFound wraps an error as not-found.
func NewNotFound(err error) *NotFoundError {
	return &NotFoundError{Err: err}
}

// FatalError represents a non-retryable failure that fails the whole task:
// repository path missing, adapter unreachable beyond the retry budget,
// permanent upstream failure, cancellation.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps an error as fatal.
func NewFatal(err error) *FatalError {
	return &FatalError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) bool {
	var r *RateLimitedError
	return errors.As(err, &r)
}

// RetryAfter extracts the upstream retry hint from a rate-limit error.
// Returns zero when err carries no hint.
func RetryAfter(err error) time.Duration {
	var r *RateLimitedError
	if errors.As(err, &r) {
		return r.RetryAfter
	}
	return 0
}

// IsInput reports whether err is (or wraps) an InputError.
func IsInput(err error) bool {
	var i *InputError
	return errors.As(err, &i)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// Retryable reports whether a retry could succeed: transient and
// rate-limited failures are retryable, everything else is not.
func Retryable(err error) bool {
	return IsTransient(err) || IsRateLimited(err)
}
