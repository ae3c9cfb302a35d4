package reliability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether a remote agent reply with this status
// is worth retrying by the caller.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Backoff describes a bounded retry schedule whose delay doubles per attempt
// up to Cap.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry runs op until it succeeds, returns a Permanent error, the attempts are
// used up, or ctx ends. onRetry, when set, is told about each scheduled retry.
// The returned error joins every attempt's failure.
func Retry(ctx context.Context, b Backoff, op func(context.Context) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var errs []error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			errs = append(errs, perm.err)
			break
		}
		errs = append(errs, err)
		if attempt == attempts-1 {
			break
		}
		wait := b.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", errors.Join(append(errs, ctx.Err())...))
		case <-timer.C:
		}
	}
	return errors.Join(errs...)
}
