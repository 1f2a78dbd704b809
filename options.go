package kueri

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

// Defaults applied by New.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultStaleTime           = 0
	DefaultCacheTime           = 5 * time.Minute
	DefaultMaxRetries          = 3
	DefaultInitialBackoff      = 100 * time.Millisecond
	DefaultMaxBackoff          = 10 * time.Second
	DefaultPrefetchConcurrency = 8
)

// Option represents a configuration option
type Option func(*Client)

// WithBaseURL sets the prefix joined to relative request URLs.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxQueries bounds the number of cached queries. Zero means unbounded.
func WithMaxQueries(n int) Option {
	return func(c *Client) {
		c.maxQueries = n
	}
}

// WithSetupInterceptors registers a hook that is invoked once by New to
// install interceptors.
func WithSetupInterceptors(setup func(chain *InterceptorChain)) Option {
	return func(c *Client) {
		c.setupInterceptors = append(c.setupInterceptors, setup)
	}
}

// WithStaleTime sets the default time a fetched result stays fresh.
func WithStaleTime(d time.Duration) Option {
	return func(c *Client) {
		c.staleTime = d
	}
}

// WithCacheTime sets how long an unused query is kept.
func WithCacheTime(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTime = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts for queries
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the retry delay strategy.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = strategy
	}
}

// WithRetryCondition sets a custom retry condition
func WithRetryCondition(fn RetryCondition) Option {
	return func(c *Client) {
		c.retryCondition = fn
	}
}

// WithRetryBudget caps retries across the client to maxRetries per window.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithHeaders adds headers sent with every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit allows at most perSecond requests per second with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.rateLimit = rate.Limit(perSecond)
		c.rateBurst = burst
		c.rateLimited = true
	}
}

// WithCircuitBreaker guards every endpoint with its own circuit breaker.
// Requests to an endpoint whose circuit is open fail with a CircuitOpenError
// without being sent.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breaker = &config
	}
}

// WithCancelOnUnsubscribe controls whether a fetch is aborted once its last
// consumer goes away. Enabled by default.
func WithCancelOnUnsubscribe(enabled bool) Option {
	return func(c *Client) {
		c.cancelOnUnsubscribe = enabled
	}
}

// WithClock replaces the clock used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithPrefetchConcurrency bounds the parallel fetches of Prefetch.
func WithPrefetchConcurrency(n int) Option {
	return func(c *Client) {
		c.prefetchConcurrency = n
	}
}

// WithValidator sets the validator used on typed response results.
func WithValidator(v *validator.Validate) Option {
	return func(c *Client) {
		c.validate = v
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateTransportConfig()...)
	problems = append(problems, c.validateDebugConfig()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		return &ClientError{
			Type:      ErrorTypeConfig,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("validation errors: %s", strings.Join(problems, "; ")),
			Timestamp: time.Now(),
		}
	}

	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if c.initialBackoff <= 0 {
		problems = append(problems, "initialBackoff must be positive")
	}
	if c.maxBackoff < c.initialBackoff {
		problems = append(problems, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if c.backoffMultiplier <= 0 {
		problems = append(problems, "backoffMultiplier must be positive")
	}
	if c.jitter < 0 || c.jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}
	if c.backoffStrategy != ExponentialJitter && c.backoffStrategy != DecorrelatedJitter {
		problems = append(problems, "unknown backoff strategy")
	}

	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	if c.maxQueries < 0 {
		problems = append(problems, "maxQueries must be non-negative")
	}
	if c.staleTime < 0 {
		problems = append(problems, "staleTime must be non-negative")
	}
	if c.cacheTime <= 0 {
		problems = append(problems, "cacheTime must be positive")
	}
	if c.now == nil {
		problems = append(problems, "clock cannot be nil")
	}
	if c.prefetchConcurrency <= 0 {
		problems = append(problems, "prefetchConcurrency must be positive")
	}
	for i, setup := range c.setupInterceptors {
		if setup == nil {
			problems = append(problems, fmt.Sprintf("setupInterceptors[%d] cannot be nil", i))
		}
	}

	return problems
}

func (c *Client) validateTransportConfig() []string {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.baseURL != "" {
		u, err := url.Parse(c.baseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("baseURL %q must be an absolute http(s) URL", c.baseURL))
		}
	}
	if c.breaker != nil {
		if c.breaker.FailureThreshold < 0 {
			problems = append(problems, "circuitBreaker FailureThreshold must be non-negative")
		}
		if c.breaker.RecoveryTimeout < 0 {
			problems = append(problems, "circuitBreaker RecoveryTimeout must be non-negative")
		}
		if c.breaker.SuccessThreshold < 0 {
			problems = append(problems, "circuitBreaker SuccessThreshold must be non-negative")
		}
	}
	if c.rateLimited {
		if c.rateLimit <= 0 {
			problems = append(problems, "rate limit must be positive")
		}
		if c.rateBurst <= 0 {
			problems = append(problems, "rate limit burst must be positive")
		}
	}

	return problems
}

func (c *Client) validateDebugConfig() []string {
	var problems []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			problems = append(problems, "logger must be set when debug is enabled")
		}
	}

	return problems
}

func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.maxRetries > 100 {
		problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.initialBackoff > 10*time.Minute {
		problems = append(problems, "initialBackoff > 10m may cause very long delays")
	}
	if c.maxBackoff > time.Hour {
		problems = append(problems, "maxBackoff > 1h may cause extremely long delays")
	}
	if c.timeout > 10*time.Minute && c.timeout != Infinity {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}

	return problems
}
