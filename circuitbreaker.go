package kueri

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int64

const (
	// StateClosed lets every request through.
	StateClosed CircuitState = iota
	// StateOpen rejects requests until the recovery timeout has passed.
	StateOpen
	// StateHalfOpen lets trial requests through; enough successes close the
	// circuit and any failure opens it again.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration. Zero fields take
// the defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Defaults to 5.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit rejects requests before it
	// lets a trial through. Defaults to 60s.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that closes the
	// circuit. Defaults to 2.
	SuccessThreshold int
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	return cfg
}

// CircuitBreaker tracks the health of one endpoint. All methods are lock
// free and safe for concurrent use.
type CircuitBreaker struct {
	failureThreshold int64
	recoveryTimeout  int64
	successThreshold int64
	now              func() time.Time

	state       int64
	failures    int64
	successes   int64
	lastFailure int64 // unix nanoseconds
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	config = config.withDefaults()
	return &CircuitBreaker{
		failureThreshold: int64(config.FailureThreshold),
		recoveryTimeout:  int64(config.RecoveryTimeout),
		successThreshold: int64(config.SuccessThreshold),
		now:              now,
		state:            int64(StateClosed),
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Allow reports whether a request may be sent. An open circuit whose
// recovery timeout has passed moves to half-open and allows the request.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().UnixNano()-atomic.LoadInt64(&cb.lastFailure) < cb.recoveryTimeout {
			return false
		}
		if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
			atomic.StoreInt64(&cb.successes, 0)
			return true
		}
		// Another goroutine moved the state first.
		return atomic.LoadInt64(&cb.state) != int64(StateOpen)
	}
	return false
}

// RetryAfter returns how long an open circuit keeps rejecting requests, or 0.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	if CircuitState(atomic.LoadInt64(&cb.state)) != StateOpen {
		return 0
	}
	remaining := cb.recoveryTimeout - (cb.now().UnixNano() - atomic.LoadInt64(&cb.lastFailure))
	if remaining < 0 {
		return 0
	}
	return time.Duration(remaining)
}

// RecordFailure counts a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, cb.now().UnixNano())

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= cb.failureThreshold {
			atomic.CompareAndSwapInt64(&cb.state, int64(StateClosed), int64(StateOpen))
		}
	case StateOpen:
		atomic.AddInt64(&cb.failures, 1)
	case StateHalfOpen:
		atomic.StoreInt64(&cb.successes, 0)
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
	}
}

// RecordSuccess counts a successful request. A success while closed clears
// the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= cb.successThreshold {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateHalfOpen), int64(StateClosed)) {
				atomic.StoreInt64(&cb.failures, 0)
				atomic.StoreInt64(&cb.successes, 0)
			}
		}
	}
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt64(&cb.state, int64(StateClosed))
	atomic.StoreInt64(&cb.failures, 0)
	atomic.StoreInt64(&cb.successes, 0)
	atomic.StoreInt64(&cb.lastFailure, 0)
}

// circuitBreakers holds one breaker per endpoint, created on first use.
type circuitBreakers struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func newCircuitBreakers(config CircuitBreakerConfig, now func() time.Time) *circuitBreakers {
	return &circuitBreakers{
		config:   config.withDefaults(),
		now:      now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (r *circuitBreakers) get(endpoint string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[endpoint]; !ok {
		cb = newCircuitBreaker(r.config, r.now)
		r.breakers[endpoint] = cb
	}
	return cb
}

// countsAsFailure reports whether err says the endpoint is unhealthy.
// Cancellations and client side 4xx responses say nothing about it.
func countsAsFailure(err error) bool {
	switch errorType(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeHTTP:
		return StatusCode(err) >= 500
	default:
		return false
	}
}

// CircuitBreaker returns the breaker guarding endpoint (a URL path such as
// "/users/1"), or nil when circuit breaking is disabled.
func (c *Client) CircuitBreaker(endpoint string) *CircuitBreaker {
	if c.fetcher.breakers == nil {
		return nil
	}
	return c.fetcher.breakers.get(endpoint)
}
