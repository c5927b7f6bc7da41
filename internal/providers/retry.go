package providers

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPError carries a non-2xx provider reply through the retry loop so
// the status code can steer the retry decision.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value as a delay.
// Both delta-seconds and HTTP-date forms are accepted; anything else
// yields zero.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// RetryConfig bounds the retry loop around provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
	}
}

func retryable(err error) (time.Duration, bool) {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		// Network-level failures are worth one more try; the context
		// check in RetryDo stops us when the caller gave up.
		return 0, true
	}
	switch {
	case httpErr.Status == http.StatusTooManyRequests:
		return httpErr.RetryAfter, true
	case httpErr.Status >= 500:
		return 0, true
	default:
		return 0, false
	}
}

// RetryDo runs call with bounded exponential backoff. Rate-limit
// replies that carry Retry-After override the computed delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if hinted, ok := retryable(lastErr); ok && hinted > delay {
				delay = hinted
			}
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			// up to 25% jitter so synchronized clients spread out
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		out, err := call()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if _, ok := retryable(err); !ok {
			return zero, err
		}
	}
	return zero, lastErr
}
