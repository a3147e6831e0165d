package delivery

import (
	"errors"
	"time"
)

var (
	ErrNoPayload      = errors.New("delivery: job has no payload")
	ErrUnknownPayload = errors.New("delivery: unknown payload kind")
	ErrNotFound       = errors.New("delivery: job not found")
	ErrNotFailed      = errors.New("delivery: only failed jobs can be requeued")
	ErrNoNotifier     = errors.New("delivery: no notifier attached")
)

// RetryAfterError is implemented by errors that carry an explicit retry delay,
// such as notify.RateLimitError.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// attemptError annotates a send error with how the queue should treat it.
type attemptError struct {
	err       error
	permanent bool
	after     time.Duration
}

func (e *attemptError) Error() string {
	if e.permanent {
		return "permanent: " + e.err.Error()
	}
	return e.err.Error() + " (retry in " + e.after.String() + ")"
}

func (e *attemptError) Unwrap() error { return e.err }

// NoRetry marks err as permanent so the job fails without further attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &attemptError{err: err, permanent: true}
}

// RetryAfter asks for the next attempt after d instead of the computed
// backoff. The queue still caps d at BackoffMax.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &attemptError{err: err, after: max(d, 0)}
}

// RetryAfter lets hinted errors satisfy RetryAfterError.
func (e *attemptError) RetryAfter() time.Duration { return e.after }

// IsNoRetry reports whether err, or anything it wraps, was marked by NoRetry.
func IsNoRetry(err error) bool {
	for err != nil {
		if ae, ok := err.(*attemptError); ok && ae.permanent {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// retryHint returns the delay requested by err, if any.
func retryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return 0, false
	}
	if ae, ok := ra.(*attemptError); ok && ae.permanent {
		return 0, false
	}
	return max(ra.RetryAfter(), 0), true
}
