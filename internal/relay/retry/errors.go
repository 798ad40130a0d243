package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crosspost/internal/message"
)

// ErrStopped ends a retry that was waiting in backoff when the owner stopped.
var ErrStopped = errors.New("retry: stopped")

// Class is the retry classification of an error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	// ClassCanceled means the caller's context ended; the loop stops immediately.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Permanent marks an error as non-retryable.
//
// Adapters wrap platform rejections with Permanent so the executor
// does not waste attempts on them:
//
//	return retry.Permanent(fmt.Errorf("discord: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay, e.g. from an HTTP Retry-After header.
// The executor respects the hint (bounded by MaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// StatusError is a failed HTTP exchange with a platform API.
type StatusError struct {
	Code int
	Err  error
}

// Status wraps err with an HTTP status code. A nil err gets the status text.
func Status(code int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(code))
	}
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string { return fmt.Sprintf("http %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// Permanent reports whether the status is a client error that will not
// change on retry.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

var permanentSentinels = []error{
	message.ErrEmpty,
	message.ErrTooLong,
	message.ErrPayloadTooLarge,
	message.ErrUnsupportedMedia,
	message.ErrValidation,
}

// Classify decides whether err is worth retrying. ctx is the caller's
// context; a cancellation there wins over everything else.
func Classify(ctx context.Context, err error) Class {
	if err == nil {
		return ClassTransient
	}
	if ctx != nil && ctx.Err() != nil {
		return ClassCanceled
	}
	if IsPermanent(err) {
		return ClassPermanent
	}
	for _, s := range permanentSentinels {
		if errors.Is(err, s) {
			return ClassPermanent
		}
	}
	var se *StatusError
	if errors.As(err, &se) && se.Permanent() {
		return ClassPermanent
	}
	return ClassTransient
}
