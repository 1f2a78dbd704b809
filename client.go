package kueri

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Client owns a query cache, the HTTP pipeline used to fill it and the
// coordinators for queries, mutations and hydration. It is safe for
// concurrent use. Create one with New and release it with Close.
type Client struct {
	store   *Store
	fetcher *Fetcher
	chain   *InterceptorChain
	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger
	now     func() time.Time

	baseURL     string
	headers     http.Header
	timeout     time.Duration
	httpClient  *http.Client
	rateLimit   rate.Limit
	rateBurst   int
	rateLimited bool
	breaker     *CircuitBreakerConfig
	validate    *validator.Validate

	maxQueries          int
	staleTime           time.Duration
	cacheTime           time.Duration
	cancelOnUnsubscribe bool
	prefetchConcurrency int
	setupInterceptors   []func(*InterceptorChain)

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	retryCondition    RetryCondition
	retryBudget       *RetryBudget

	ctx    context.Context
	cancel context.CancelFunc

	obsMu     sync.Mutex
	observers map[string]map[*Observer]struct{}

	closed atomic.Bool
}

// New constructs a Client using the provided functional options. The
// configuration is validated before anything is started.
func New(options ...Option) (*Client, error) {
	c := &Client{
		headers:             make(http.Header),
		timeout:             DefaultTimeout,
		httpClient:          &http.Client{},
		staleTime:           DefaultStaleTime,
		cacheTime:           DefaultCacheTime,
		cancelOnUnsubscribe: true,
		prefetchConcurrency: DefaultPrefetchConcurrency,
		maxRetries:          DefaultMaxRetries,
		initialBackoff:      DefaultInitialBackoff,
		maxBackoff:          DefaultMaxBackoff,
		backoffMultiplier:   2.0,
		jitter:              0.1,
		backoffStrategy:     ExponentialJitter,
		retryCondition:      DefaultRetryCondition,
		debug:               DefaultDebugConfig(),
		now:                 time.Now,
		observers:           make(map[string]map[*Observer]struct{}),
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}

	if c.logger == nil {
		c.logger = NewNopLogger()
	}
	if c.validate == nil {
		c.validate = validator.New(validator.WithRequiredStructEnabled())
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.store = NewStore(StoreConfig{
		MaxQueries: c.maxQueries,
		CacheTime:  c.cacheTime,
		Now:        c.now,
		OnEvict:    c.onEvict,
	})
	c.chain = NewInterceptorChain()

	httpClient := resty.NewWithClient(c.httpClient)
	httpClient.SetLogger(restyLogger{logger: c.logger})
	httpClient.SetHeader("User-Agent", UserAgent())

	var limiter *rate.Limiter
	if c.rateLimited {
		limiter = rate.NewLimiter(c.rateLimit, c.rateBurst)
	}

	var breakers *circuitBreakers
	if c.breaker != nil {
		breakers = newCircuitBreakers(*c.breaker, c.now)
	}

	c.fetcher = &Fetcher{
		http:     httpClient,
		baseURL:  c.baseURL,
		headers:  c.headers,
		timeout:  c.timeout,
		limiter:  limiter,
		breakers: breakers,
		validate: c.validate,
		chain:    c.chain,
		metrics:  c.metrics,
		logger:   c.logger,
		debug:    c.debug,
	}

	for _, setup := range c.setupInterceptors {
		setup(c.chain)
	}

	return c, nil
}

// Close aborts every fetch, stops eviction timers and clears the cache.
// Further operations return ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.store.Close()
	c.metrics.RecordCacheSize(0)

	c.obsMu.Lock()
	c.observers = make(map[string]map[*Observer]struct{})
	c.obsMu.Unlock()
	return nil
}

// Store exposes the query cache.
func (c *Client) Store() *Store {
	return c.store
}

// Interceptors exposes the interceptor chain.
func (c *Client) Interceptors() *InterceptorChain {
	return c.chain
}

// Metrics returns the metrics collector, or nil when metrics are disabled.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// Fetch sends req through the interceptor chain without touching the cache.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.fetcher.Do(ctx, req)
}

// Get performs an HTTP GET.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
}

// Post performs an HTTP POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, body any) (*Response, error) {
	return c.Fetch(ctx, &Request{Method: http.MethodPost, URL: url, Body: body})
}

// Put performs an HTTP PUT with a JSON body.
func (c *Client) Put(ctx context.Context, url string, body any) (*Response, error) {
	return c.Fetch(ctx, &Request{Method: http.MethodPut, URL: url, Body: body})
}

// Patch performs an HTTP PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, url string, body any) (*Response, error) {
	return c.Fetch(ctx, &Request{Method: http.MethodPatch, URL: url, Body: body})
}

// Delete performs an HTTP DELETE.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, &Request{Method: http.MethodDelete, URL: url})
}

// FetchFunc returns a QueryFunc that sends a copy of req on every call and
// yields the response data.
func (c *Client) FetchFunc(req Request) QueryFunc {
	return func(ctx context.Context) (any, error) {
		resp, err := c.Fetch(ctx, req.Clone())
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	}
}

// GetFunc is FetchFunc for a plain GET of url.
func (c *Client) GetFunc(url string) QueryFunc {
	return c.FetchFunc(Request{Method: http.MethodGet, URL: url})
}

func (c *Client) onEvict(key CacheKey, reason EvictReason) {
	c.metrics.RecordEviction(reason)
	if c.debug != nil && c.debug.Enabled && c.debug.LogCache {
		c.logger.Debug("Query evicted", "key", key.String(), "reason", string(reason))
	}
}
