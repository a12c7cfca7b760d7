// Package retry wraps fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Policy configures retry behavior.
type Policy struct {
	// Tries is the maximum number of attempts, including the first.
	Tries int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Backoff multiplies the delay after every failed attempt.
	Backoff float64
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Jitter adds up to +/- Jitter*delay of randomness (0.0 to 1.0).
	Jitter float64
	// RetryOn lists the errors worth retrying, matched with errors.Is.
	RetryOn []error
	// RetryIf overrides RetryOn when set.
	RetryIf func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep replaces the context-aware timer, mostly in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is tuned for provider and storage calls.
func DefaultPolicy() Policy {
	return Policy{
		Tries:    3,
		Delay:    500 * time.Millisecond,
		Backoff:  2.0,
		MaxDelay: 30 * time.Second,
	}
}

// HTTPStatusError is returned for HTTP-shaped failures.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.StatusCode, e.Status)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// CheckResponse turns a non-2xx response into an *HTTPStatusError.
func CheckResponse(resp *http.Response) error {
	if resp == nil || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return &HTTPStatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
}

// Permanent reports errors that never succeed on a second try: caller bugs,
// validation failures and cancellation.
func Permanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, code := range []string{
		dragonflow.ErrCodeToolNotFound,
		dragonflow.ErrCodeValidation,
		dragonflow.ErrCodeToolResolution,
		dragonflow.ErrCodeCancelled,
	} {
		if dragonflow.HasCode(err, code) {
			return true
		}
	}
	return false
}

func (p Policy) retryable(err error) bool {
	if Permanent(err) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.StatusCode)
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, target := range p.RetryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Do runs fn until it succeeds, returns a non-retryable error or runs out of
// attempts. The last failure is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Tries <= 0 {
		p.Tries = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := p.Delay
	var lastErr error
	for attempt := 1; attempt <= p.Tries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == p.Tries || !p.retryable(err) {
			break
		}

		wait := withJitter(delay, p.Jitter)
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, lastErr
		}
		delay = time.Duration(float64(delay) * p.Backoff)
	}
	return zero, lastErr
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	span := float64(d) * jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*span)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
