package kueri

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "5", 5 * time.Second},
		{"padded seconds", " 2 ", 2 * time.Second},
		{"zero", "0", 0},
		{"negative", "-3", 0},
		{"capped", "7200", time.Hour},
		{"garbage", "soon", 0},
		{"past date", "Mon, 01 Jan 2001 00:00:00 GMT", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	value := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(value)
	if got <= 0 || got > 30*time.Second {
		t.Errorf("parseRetryAfter(%q) = %v, want (0, 30s]", value, got)
	}
}

func TestWithAttempts(t *testing.T) {
	err := withAttempts(newError(ErrorTypeNetwork, "reset", nil), 3, 2)
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected ClientError, got %T", err)
	}
	if clientErr.Attempt != 3 || clientErr.MaxRetries != 3 {
		t.Errorf("Attempt=%d MaxRetries=%d, want 3/3", clientErr.Attempt, clientErr.MaxRetries)
	}

	single := withAttempts(newError(ErrorTypeNetwork, "reset", nil), 1, 0)
	if errors.As(single, &clientErr); clientErr.Attempt != 0 {
		t.Errorf("a single attempt should not be annotated, got %d", clientErr.Attempt)
	}

	plain := errors.New("plain")
	if withAttempts(plain, 3, 2) != plain {
		t.Error("withAttempts should return non-client errors unchanged")
	}
}

func TestRetrierStopsOnNonTransientError(t *testing.T) {
	client := mustNew(t, WithInitialBackoff(time.Millisecond))
	r := client.retrier(3, nil)

	var calls atomic.Int32
	_, err := r.do(context.Background(), "q", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, newError(ErrorTypeValidation, "bad payload", nil)
	})
	if !IsValidationError(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetrierRetriesTransientErrors(t *testing.T) {
	collector, _ := newTestCollector(t)
	client := mustNew(t,
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(2*time.Millisecond),
		WithMetricsCollector(collector),
	)
	r := client.retrier(2, nil)

	var calls atomic.Int32
	_, err := r.do(context.Background(), "q", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, newError(ErrorTypeNetwork, "reset", nil)
	})
	if !IsNetworkError(err) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr); clientErr.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", clientErr.Attempt)
	}
	if got := testutil.ToFloat64(collector.retriesTotal.WithLabelValues("1")); got != 1 {
		t.Errorf("first retries = %v, want 1", got)
	}
}

func TestRetrierCustomCondition(t *testing.T) {
	client := mustNew(t, WithInitialBackoff(time.Millisecond), WithMaxBackoff(time.Millisecond))
	var attempts []int
	r := client.retrier(5, func(err error, attempt int) bool {
		attempts = append(attempts, attempt)
		return attempt < 1
	})

	_, _ = r.do(context.Background(), "q", func(ctx context.Context) (any, error) {
		return nil, errors.New("always")
	})
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Errorf("condition saw attempts %v, want [0 1]", attempts)
	}
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	client := mustNew(t, WithInitialBackoff(time.Hour), WithMaxBackoff(time.Hour))
	r := client.retrier(1, nil)

	var calls atomic.Int32
	start := time.Now()
	val, err := r.do(context.Background(), "q", func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			e := newError(ErrorTypeHTTP, "unavailable", nil)
			e.StatusCode = http.StatusServiceUnavailable
			e.RetryAfter = 10 * time.Millisecond
			return nil, e
		}
		return "ok", nil
	})
	if err != nil || val != "ok" {
		t.Fatalf("do() = %v, %v", val, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retry-After should replace the backoff delay, took %v", elapsed)
	}
}

func TestRetrierStopsWhenContextEnds(t *testing.T) {
	client := mustNew(t, WithInitialBackoff(time.Hour), WithMaxBackoff(time.Hour))
	r := client.retrier(3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	_, err := r.do(ctx, "q", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, newError(ErrorTypeNetwork, "reset", nil)
	})
	if !IsNetworkError(err) {
		t.Errorf("Expected the last attempt's error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryBudget(t *testing.T) {
	rb := NewRetryBudget(2, time.Hour)

	if !rb.Allow() || !rb.Allow() {
		t.Fatal("Expected the first two retries to be allowed")
	}
	if rb.Allow() {
		t.Error("Expected the third retry to be rejected")
	}

	current, max, _ := rb.Stats()
	if current != 2 || max != 2 {
		t.Errorf("Stats() = %d/%d, want 2/2", current, max)
	}
}

func TestRetryBudgetWindowResets(t *testing.T) {
	rb := NewRetryBudget(1, 10*time.Millisecond)
	if !rb.Allow() {
		t.Fatal("Expected the first retry to be allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !rb.Allow() {
		t.Error("Expected the budget to reset after the window")
	}
}

func TestRetryBudgetLimitsQueries(t *testing.T) {
	client := mustNew(t,
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(time.Millisecond),
		WithRetryBudget(1, time.Hour),
	)

	var calls atomic.Int32
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, newError(ErrorTypeNetwork, "reset", nil)
	}
	_, _ = client.FetchQuery(context.Background(), Key("a"), fn, WithQueryRetry(3))
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one budgeted retry)", calls.Load())
	}
}

func TestBackoffStrategyString(t *testing.T) {
	tests := []struct {
		strategy BackoffStrategy
		want     string
	}{
		{ExponentialJitter, "ExponentialJitter"},
		{DecorrelatedJitter, "DecorrelatedJitter"},
		{BackoffStrategy(9), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.strategy.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
