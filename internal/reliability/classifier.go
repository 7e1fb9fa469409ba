package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableHTTPStatus reports whether an upstream HTTP or handshake status
// is worth another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch {
	case code == 408, code == 425, code == 429:
		return true
	case code >= 500 && code <= 504:
		return code != 501
	default:
		return false
	}
}

// IsRetryableRealtimeError classifies realtime model error codes.
func IsRetryableRealtimeError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "internal_error", "overloaded":
		return true
	default:
		return false
	}
}

// ExponentialBackoff doubles base once per attempt and never exceeds limit.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// ErrPermanent marks an error that Retry must not retry.
var ErrPermanent = errors.New("permanent failure")

// Policy bounds Retry.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// OnRetry, when set, observes every failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Retry calls fn until it succeeds, returns an error wrapping ErrPermanent,
// the attempts run out or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(ExponentialBackoff(attempt-1, p.Base, p.Max)):
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		if errors.Is(err, ErrPermanent) || attempt == p.Attempts-1 {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
	}
	return err
}
