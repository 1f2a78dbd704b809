package kueri

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/kueri/internal/backoff"
)

// RetryCondition decides whether a failed attempt (zero based) is retried.
type RetryCondition func(err error, attempt int) bool

// DefaultRetryCondition retries transient failures only.
func DefaultRetryCondition(err error, _ int) bool {
	return IsTransient(err)
}

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

const (
	// ExponentialJitter multiplies the delay each attempt and adds jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter picks a random delay between the initial delay and
	// three times the previous upper bound.
	DecorrelatedJitter
)

// String returns string representation of the backoff strategy.
func (bs BackoffStrategy) String() string {
	switch bs {
	case ExponentialJitter:
		return "ExponentialJitter"
	case DecorrelatedJitter:
		return "DecorrelatedJitter"
	default:
		return "Unknown"
	}
}

func (bs BackoffStrategy) strategy() backoff.Strategy {
	if bs == DecorrelatedJitter {
		return backoff.DecorrelatedJitterStrategy{}
	}
	return backoff.ExponentialJitterStrategy{}
}

// retrier runs a function until it succeeds, the retry condition rejects the
// error, the attempts run out or the context ends.
type retrier struct {
	maxRetries int
	calc       *backoff.Calculator
	condition  RetryCondition
	budget     *RetryBudget
	metrics    *MetricsCollector
	logger     Logger
	debug      *DebugConfig
}

func (r *retrier) do(ctx context.Context, label string, fn func(context.Context) (any, error)) (any, error) {
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		if attempt >= r.maxRetries || !r.shouldRetry(err, attempt) {
			return nil, withAttempts(err, attempt+1, r.maxRetries)
		}
		if r.budget != nil && !r.budget.Allow() {
			if r.logger != nil {
				r.logger.Warn("Retry budget exhausted", "query", label, "attempt", attempt+1)
			}
			return nil, withAttempts(err, attempt+1, r.maxRetries)
		}

		delay := retryAfterOf(err)
		if delay == 0 && r.calc != nil {
			delay = r.calc.Next(attempt)
		}

		r.metrics.RecordRetry(attempt + 1)
		if r.debug != nil && r.debug.Enabled && r.debug.LogRetries && r.logger != nil {
			r.logger.Debug("Retrying query", "query", label, "attempt", attempt+1, "maxRetries", r.maxRetries, "delay", delay, "error", err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}
		}
	}
}

func (r *retrier) shouldRetry(err error, attempt int) bool {
	if r.condition == nil {
		return DefaultRetryCondition(err, attempt)
	}
	return r.condition(err, attempt)
}

// withAttempts records the attempt count on the final error.
func withAttempts(err error, attempts, maxRetries int) error {
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.Attempt == 0 && attempts > 1 {
		clientErr.Attempt = attempts
		clientErr.MaxRetries = maxRetries + 1
	}
	return err
}

func retryAfterOf(err error) time.Duration {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.RetryAfter
	}
	return 0
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget caps the number of retries a client issues per time window,
// shared across all queries and mutations.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns current retry budget statistics.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
