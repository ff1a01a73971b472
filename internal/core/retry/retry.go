package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ning0612/dirsync/internal/domain"
)

const (
	// DefaultMaxRetries is how many times a throttled call is repeated
	DefaultMaxRetries = 3

	// DefaultWait is used when the provider sends no usable Retry-After
	DefaultWait = 2 * time.Second

	// DefaultMaxWait caps a single Retry-After
	DefaultMaxWait = 2 * time.Minute
)

// Throttled is returned by a call that the provider rate limited
type Throttled struct {
	// RetryAfter is the wait the provider asked for, zero when absent
	RetryAfter time.Duration
	Err        error
}

func (t *Throttled) Error() string {
	if t.Err != nil {
		return "throttled: " + t.Err.Error()
	}
	return "throttled"
}

func (t *Throttled) Unwrap() error { return t.Err }

// Policy retries calls that fail with *Throttled
type Policy struct {
	MaxRetries  int
	DefaultWait time.Duration
	MaxWait     time.Duration

	// Sleep waits for d or until ctx is done; nil uses a timer
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait
	OnRetry func(attempt int, wait time.Duration)
}

// DefaultPolicy returns three retries with a 2s default wait
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  DefaultMaxRetries,
		DefaultWait: DefaultWait,
		MaxWait:     DefaultMaxWait,
	}
}

// Do runs fn, repeating it after the requested wait while it returns *Throttled.
// After MaxRetries repeats the last error is returned wrapped in ErrRateLimited.
// Any other error is returned as is.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		var throttled *Throttled
		if err == nil || !errors.As(err, &throttled) {
			return err
		}

		if attempt >= p.MaxRetries {
			return fmt.Errorf("%w after %d retries: %v", domain.ErrRateLimited, attempt, err)
		}

		wait := p.waitFor(throttled.RetryAfter)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (p Policy) waitFor(requested time.Duration) time.Duration {
	wait := requested
	if wait <= 0 {
		wait = p.DefaultWait
	}
	if p.MaxWait > 0 && wait > p.MaxWait {
		wait = p.MaxWait
	}
	return wait
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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

// maxRetryAfterSeconds is the largest delay in seconds a Duration can hold
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns zero when the header is missing or unusable. Second counts
// too large for a Duration saturate instead of overflowing.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if secs <= 0 {
			return 0
		}
		if secs > maxRetryAfterSeconds {
			secs = maxRetryAfterSeconds
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
