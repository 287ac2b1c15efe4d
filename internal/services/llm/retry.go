package llm

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is the bounded retry behaviour of one logical generation call.
// MaxRetries counts HTTP tries, so a value of 3 means at most three requests.
type RetryPolicy struct {
	MaxRetries        int
	RetryDelay        time.Duration
	DefaultRetryAfter time.Duration
}

// Default retry constants
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultRetryAfterSeconds = 60
)

// NewDefaultRetryPolicy returns the default retry policy
func NewDefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		DefaultRetryAfter: DefaultRetryAfterSeconds * time.Second,
	}
}

// Backoff returns the linear backoff after the given 1-based attempt
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.RetryDelay * time.Duration(attempt)
}

// Delay returns how long to wait after a failed attempt
func (p RetryPolicy) Delay(genErr *GenerationError, attempt int, retryAfter time.Duration) time.Duration {
	if genErr.Kind == KindRateLimited {
		if retryAfter > 0 {
			return retryAfter
		}
		return p.DefaultRetryAfter
	}
	return p.Backoff(attempt)
}

// ParseRetryAfter reads a retry-after header given either as seconds or an HTTP date.
// It returns zero when the header is absent or unparseable.
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Sleeper blocks for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
