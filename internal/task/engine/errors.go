package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: same key already queued or running")
	ErrStaleQueue  = errors.New("task dropped: waited past max queue delay")
)

// retryError carries the retry decision of a task or data source failure.
type retryError struct {
	err       error
	permanent bool
	after     time.Duration
}

func (e retryError) Error() string {
	if e.permanent {
		return fmt.Sprintf("no-retry: %v", e.err)
	}
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}

func (e retryError) Unwrap() error { return e.err }

// RetryAfter reports the hinted delay; only set for RetryAfter errors.
func (e retryError) RetryAfter() time.Duration { return e.after }

// NoRetry marks err as permanent. Both the engine and the pipeline input
// fetch loop stop at the first permanent error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return retryError{err: err, permanent: true}
}

// IsNoRetry reports whether err, or anything it wraps, is permanent. Errors
// from other packages opt in with a `Permanent() bool` method.
func IsNoRetry(err error) bool {
	var re retryError
	if errors.As(err, &re) && re.permanent {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// RetryAfter attaches a delay hint, e.g. a data source answering 429.
// Backoff caps the hint at RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// unwrapNoRetry strips the NoRetry marker so history shows the cause.
func unwrapNoRetry(err error) error {
	var re retryError
	if errors.As(err, &re) && re.permanent {
		return re.err
	}
	return err
}
