package kueri

import (
	"context"
	"errors"
	"time"

	"github.com/ambiyansyah-risyal/kueri/internal/backoff"
	"github.com/ambiyansyah-risyal/kueri/internal/singleflight"
)

// QueryFunc loads the data for a query. It must honor ctx cancellation.
type QueryFunc func(ctx context.Context) (any, error)

// QueryResult is what a consumer of a query sees.
type QueryResult struct {
	Key        CacheKey
	Data       any
	Err        error
	Status     Status
	IsLoading  bool
	IsFetching bool
	IsStale    bool
	FetchedAt  time.Time
}

// QueryOption tunes a single query.
type QueryOption func(*queryConfig)

type queryConfig struct {
	staleTime      time.Duration
	staleTimeSet   bool
	cacheTime      time.Duration
	retry          int
	retrySet       bool
	retryCondition RetryCondition
	tags           []string
	enabled        bool
}

// WithQueryStaleTime overrides the client stale time for one query.
func WithQueryStaleTime(d time.Duration) QueryOption {
	return func(q *queryConfig) {
		q.staleTime = d
		q.staleTimeSet = true
	}
}

// WithQueryCacheTime overrides the client cache time for one query.
func WithQueryCacheTime(d time.Duration) QueryOption {
	return func(q *queryConfig) {
		q.cacheTime = d
	}
}

// WithQueryRetry overrides the number of retries for one query.
func WithQueryRetry(n int) QueryOption {
	return func(q *queryConfig) {
		q.retry = n
		q.retrySet = true
	}
}

// WithQueryRetryCondition overrides the retry condition for one query.
func WithQueryRetryCondition(fn RetryCondition) QueryOption {
	return func(q *queryConfig) {
		q.retryCondition = fn
	}
}

// WithQueryTags attaches tags used by tag based invalidation.
func WithQueryTags(tags ...string) QueryOption {
	return func(q *queryConfig) {
		q.tags = append(q.tags, tags...)
	}
}

// WithEnabled controls whether an Observer fetches on its own. Disabled
// observers only read the cache until Refetch is called.
func WithEnabled(enabled bool) QueryOption {
	return func(q *queryConfig) {
		q.enabled = enabled
	}
}

func (c *Client) queryConfig(opts []QueryOption) queryConfig {
	cfg := queryConfig{
		staleTime:      c.staleTime,
		cacheTime:      c.cacheTime,
		retry:          c.maxRetries,
		retryCondition: c.retryCondition,
		enabled:        true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

func (q queryConfig) defaults() entryDefaults {
	d := entryDefaults{cacheTime: q.cacheTime, tags: q.tags}
	if q.staleTimeSet {
		d.staleTime = q.staleTime
	}
	return d
}

// staleTimeFor picks the stale time for entry: an explicit query option wins,
// then the entry's own (hydrated) stale time, then the client default.
func (q queryConfig) staleTimeFor(entry CacheEntry) time.Duration {
	if q.staleTimeSet {
		return q.staleTime
	}
	if entry.StaleTime > 0 {
		return entry.StaleTime
	}
	return q.staleTime
}

func resultOf(entry CacheEntry, now time.Time, staleTime time.Duration) QueryResult {
	return QueryResult{
		Key:        entry.Key,
		Data:       entry.Data,
		Err:        entry.Err,
		Status:     entry.Status,
		IsLoading:  !entry.HasData() && entry.IsFetching(),
		IsFetching: entry.IsFetching(),
		IsStale:    entry.IsStaleAt(now, staleTime),
		FetchedAt:  entry.FetchedAt,
	}
}

func (c *Client) checkQuery(key CacheKey, fn QueryFunc) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if fn == nil {
		return ErrNilQueryFunc
	}
	return nil
}

// Query returns the data for key. Fresh data is returned without calling fn.
// Stale data is returned immediately while fn refreshes it in the
// background. Without data the call waits for fn, sharing any fetch already
// in flight for key.
func (c *Client) Query(ctx context.Context, key CacheKey, fn QueryFunc, opts ...QueryOption) (QueryResult, error) {
	if err := c.checkQuery(key, fn); err != nil {
		return QueryResult{Key: key}, err
	}
	cfg := c.queryConfig(opts)

	if entry, ok := c.store.Get(key); ok && entry.HasData() {
		now := c.now()
		staleTime := cfg.staleTimeFor(entry)
		if !entry.IsStaleAt(now, staleTime) {
			c.metrics.RecordQuery(QueryHit)
			c.logCache("Query cache hit", key)
			return resultOf(entry, now, staleTime), nil
		}

		c.metrics.RecordQuery(QueryStale)
		c.logCache("Query stale, revalidating", key)
		c.revalidate(key, fn, cfg)
		if entry, ok = c.store.Get(key); ok {
			return resultOf(entry, now, staleTime), nil
		}
	}

	c.metrics.RecordQuery(QueryMiss)
	c.logCache("Query cache miss", key)
	return c.fetchAndWait(ctx, key, fn, cfg)
}

// FetchQuery resolves with fresh data: it returns cached data only while it
// is fresh and otherwise waits for a fetch.
func (c *Client) FetchQuery(ctx context.Context, key CacheKey, fn QueryFunc, opts ...QueryOption) (QueryResult, error) {
	if err := c.checkQuery(key, fn); err != nil {
		return QueryResult{Key: key}, err
	}
	cfg := c.queryConfig(opts)

	if entry, ok := c.store.Get(key); ok && entry.HasData() {
		now := c.now()
		staleTime := cfg.staleTimeFor(entry)
		if !entry.IsStaleAt(now, staleTime) {
			c.metrics.RecordQuery(QueryHit)
			return resultOf(entry, now, staleTime), nil
		}
	}

	c.metrics.RecordQuery(QueryMiss)
	return c.fetchAndWait(ctx, key, fn, cfg)
}

// revalidate starts a background fetch unless one is already running. The
// fetch holds no consumer reference, so nothing cancels it on unsubscribe.
func (c *Client) revalidate(key CacheKey, fn QueryFunc, cfg queryConfig) {
	_, started := c.store.acquireFlight(key, cfg.defaults(), false, func() *singleflight.Call {
		return c.newCall(key, fn, cfg)
	})
	if !started {
		c.metrics.RecordDeduplicationHit()
	}
}

func (c *Client) fetchAndWait(ctx context.Context, key CacheKey, fn QueryFunc, cfg queryConfig) (QueryResult, error) {
	call, started := c.store.acquireFlight(key, cfg.defaults(), true, func() *singleflight.Call {
		return c.newCall(key, fn, cfg)
	})
	if !started {
		c.metrics.RecordDeduplicationHit()
		// The starter may still be notifying listeners, one of which may be
		// this caller.
		call.Start()
	}

	select {
	case <-call.Done():
		c.store.releaseFlight(key, call, false)
		return c.settled(key, call, cfg)
	case <-ctx.Done():
		c.store.releaseFlight(key, call, c.cancelOnUnsubscribe)
		res := c.peek(key, cfg)
		err := ctxError(ctx)
		res.Err = err
		return res, err
	}
}

// settled builds the result of a finished call.
func (c *Client) settled(key CacheKey, call *singleflight.Call, cfg queryConfig) (QueryResult, error) {
	val, err := call.Result()
	res := c.peek(key, cfg)
	if isCancellation(err) {
		err = newError(ErrorTypeCancelled, "query cancelled", err)
	}
	if err != nil {
		res.Err = err
		return res, err
	}
	res.Data = val
	res.Err = nil
	if res.Status != StatusSuccess {
		// The commit was discarded by a reset; the caller still gets its data.
		res.Status = StatusSuccess
		res.FetchedAt = c.now()
	}
	return res, nil
}

// isCancellation reports whether err comes from an aborted call rather than
// from the query function itself.
func isCancellation(err error) bool {
	return errors.Is(err, singleflight.ErrCancelled) || errors.Is(err, context.Canceled)
}

func (c *Client) peek(key CacheKey, cfg queryConfig) QueryResult {
	entry, ok := c.store.Get(key)
	if !ok {
		return QueryResult{Key: key, Status: StatusIdle, IsStale: true}
	}
	return resultOf(entry, c.now(), cfg.staleTimeFor(entry))
}

// newCall wraps fn in the retry loop and commits its outcome to the store.
func (c *Client) newCall(key CacheKey, fn QueryFunc, cfg queryConfig) *singleflight.Call {
	r := c.retrier(cfg.retry, cfg.retryCondition)
	label := key.String()
	call := singleflight.NewCall(c.ctx, func(ctx context.Context) (interface{}, error) {
		return r.do(ctx, label, fn)
	})

	start := time.Now()
	c.metrics.RecordFetchStart()
	call.OnComplete(func(val interface{}, err error) {
		committed := c.store.finishFetch(key, call, val, err)

		outcome := "success"
		switch {
		case isCancellation(err):
			outcome = "cancelled"
		case err != nil:
			outcome = "error"
		case !committed:
			outcome = "discarded"
		}
		c.metrics.RecordFetch(outcome, time.Since(start))
		c.metrics.RecordCacheSize(c.store.Len())

		if err != nil && outcome == "error" {
			c.logger.Warn("Query failed", "key", label, "error", err)
		} else if c.debug != nil && c.debug.Enabled && c.debug.LogCache {
			c.logger.Debug("Query settled", "key", label, "outcome", outcome, "duration", time.Since(start))
		}
	})
	return call
}

func (c *Client) retrier(maxRetries int, condition RetryCondition) *retrier {
	return &retrier{
		maxRetries: maxRetries,
		calc: backoff.NewCalculator(c.backoffStrategy.strategy(), backoff.Params{
			Initial:    c.initialBackoff,
			Max:        c.maxBackoff,
			Multiplier: c.backoffMultiplier,
			Jitter:     c.jitter,
		}),
		condition: condition,
		budget:    c.retryBudget,
		metrics:   c.metrics,
		logger:    c.logger,
		debug:     c.debug,
	}
}

// SetQueryData writes data for key as if it had just been fetched.
func (c *Client) SetQueryData(key CacheKey, data any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := key.Validate(); err != nil {
		return err
	}
	c.store.SetData(key, data)
	c.metrics.RecordCacheSize(c.store.Len())
	return nil
}

// UpdateQueryData replaces the data for key with update(current).
func (c *Client) UpdateQueryData(key CacheKey, update func(current any) any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := key.Validate(); err != nil {
		return err
	}
	now := c.now()
	c.store.Set(key, func(e *CacheEntry) {
		e.Data = update(e.Data)
		e.Err = nil
		e.FetchedAt = now
		e.Status = StatusSuccess
		e.Invalidated = false
	})
	return nil
}

// GetQueryData returns the cached data for key without fetching.
func (c *Client) GetQueryData(key CacheKey) (any, bool) {
	entry, ok := c.store.Get(key)
	if !ok || !entry.HasData() {
		return nil, false
	}
	return entry.Data, true
}

// GetQueryState returns a copy of the entry for key.
func (c *Client) GetQueryState(key CacheKey) (CacheEntry, bool) {
	return c.store.Get(key)
}

// RemoveQueries drops every matching query and cancels its fetch.
func (c *Client) RemoveQueries(req InvalidationRequest) []CacheKey {
	keys := c.store.RemoveWhere(req)
	c.metrics.RecordCacheSize(c.store.Len())
	return keys
}

// ResetQueries clears matching queries back to their initial state and
// refetches the ones that are observed.
func (c *Client) ResetQueries(req InvalidationRequest) []CacheKey {
	keys := c.store.RemoveWhere(req)
	for _, key := range keys {
		if o := c.activeObserver(key); o != nil {
			o.fetchInBackground()
		}
	}
	return keys
}

// CancelQueries aborts the fetches in flight for matching queries. Their
// entries keep the data they had before the fetch started.
func (c *Client) CancelQueries(req InvalidationRequest) int {
	entries := c.store.Find(func(e CacheEntry) bool {
		return e.IsFetching() && req.Matches(e)
	})
	cancelled := 0
	for _, e := range entries {
		if c.store.cancelFlight(e.Key) {
			cancelled++
		}
	}
	return cancelled
}

// Invalidate marks matching queries stale and refetches those that are
// observed in the background. Queries with a fetch in flight are not fetched
// again. It returns the invalidated keys.
func (c *Client) Invalidate(reqs ...InvalidationRequest) []CacheKey {
	if c.closed.Load() {
		return nil
	}

	seen := make(map[string]struct{})
	var keys []CacheKey
	for _, req := range reqs {
		matched := c.store.Invalidate(req)
		c.metrics.RecordInvalidation(req.Kind(), len(matched))
		if c.debug != nil && c.debug.Enabled && c.debug.LogInvalidation {
			c.logger.Debug("Invalidated queries", "request", req.String(), "count", len(matched))
		}
		for _, key := range matched {
			hash := key.Hash()
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			keys = append(keys, key)
		}
	}

	for _, key := range keys {
		if o := c.activeObserver(key); o != nil {
			o.fetchInBackground()
		}
	}
	return keys
}

func (c *Client) logCache(msg string, key CacheKey) {
	if c.debug != nil && c.debug.Enabled && c.debug.LogCache {
		c.logger.Debug(msg, "key", key.String())
	}
}
