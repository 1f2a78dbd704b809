package kueri

import (
	"context"
	"sync"

	"github.com/ambiyansyah-risyal/kueri/internal/singleflight"
)

// Observer is a live subscription to one query. It counts as a subscriber of
// its key for as long as it is open, keeps the key's fetch alive while it
// waits for it, and forwards every change of the entry to its listener.
type Observer struct {
	client   *Client
	key      CacheKey
	fn       QueryFunc
	cfg      queryConfig
	listener func(QueryResult)

	mu          sync.Mutex
	call        *singleflight.Call
	unsubscribe func()
	closed      bool
}

// Subscribe opens an Observer for key. When the cached data is missing or
// stale (and the observer is enabled) a fetch starts, or an in-flight one is
// joined. listener may be nil; Result always returns the current state.
func (c *Client) Subscribe(key CacheKey, fn QueryFunc, listener func(QueryResult), opts ...QueryOption) (*Observer, error) {
	if err := c.checkQuery(key, fn); err != nil {
		return nil, err
	}

	o := &Observer{
		client:   c,
		key:      key.Clone(),
		fn:       fn,
		cfg:      c.queryConfig(opts),
		listener: listener,
	}
	o.unsubscribe = c.store.Subscribe(o.key, o.onChange)
	c.addObserver(o)

	entry, _ := c.store.Get(o.key)
	switch {
	case !o.cfg.enabled:
	case entry.HasData() && !entry.IsStaleAt(c.now(), o.cfg.staleTimeFor(entry)):
		c.metrics.RecordQuery(QueryHit)
	default:
		if entry.HasData() {
			c.metrics.RecordQuery(QueryStale)
		} else {
			c.metrics.RecordQuery(QueryMiss)
		}
		o.fetchInBackground()
	}
	return o, nil
}

// Key returns the observed key.
func (o *Observer) Key() CacheKey {
	return o.key.Clone()
}

// Result returns the current state of the query.
func (o *Observer) Result() QueryResult {
	return o.client.peek(o.key, o.cfg)
}

// Refetch fetches the query again, joining a fetch already in flight, and
// waits for the outcome.
func (o *Observer) Refetch(ctx context.Context) (QueryResult, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return o.Result(), ErrClientClosed
	}
	return o.client.fetchAndWait(ctx, o.key, o.fn, o.cfg)
}

// Close ends the subscription. If this observer was the last consumer of an
// in-flight fetch and cancel-on-unsubscribe is enabled, the fetch is aborted
// and its result is never stored.
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	call := o.call
	o.call = nil
	o.mu.Unlock()

	o.client.removeObserver(o)
	o.unsubscribe()
	if call != nil {
		o.client.store.releaseFlight(o.key, call, o.client.cancelOnUnsubscribe)
	}
}

// fetchInBackground starts or joins the key's fetch and holds a reference on
// it until it finishes or the observer closes.
//
// acquireFlight notifies listeners synchronously, and a listener may close
// or refetch this observer, so o.mu is never held across it.
func (o *Observer) fetchInBackground() {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}

	c := o.client
	call, started := c.store.acquireFlight(o.key, o.cfg.defaults(), true, func() *singleflight.Call {
		return c.newCall(o.key, o.fn, o.cfg)
	})
	if !started {
		c.metrics.RecordDeduplicationHit()
	}

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		c.store.releaseFlight(o.key, call, c.cancelOnUnsubscribe)
		return
	case o.call == call:
		// Already holding a reference on this call.
		o.mu.Unlock()
		c.store.releaseFlight(o.key, call, false)
		return
	}
	prev := o.call
	o.call = call
	o.mu.Unlock()

	if prev != nil {
		c.store.releaseFlight(o.key, prev, false)
	}
	go o.await(call)
}

func (o *Observer) await(call *singleflight.Call) {
	<-call.Done()

	o.mu.Lock()
	if o.call != call {
		o.mu.Unlock()
		return
	}
	o.call = nil
	o.mu.Unlock()

	o.client.store.releaseFlight(o.key, call, false)
}

func (o *Observer) onChange(entry CacheEntry) {
	if o.listener == nil {
		return
	}
	now := o.client.now()
	o.listener(resultOf(entry, now, o.cfg.staleTimeFor(entry)))
}

func (c *Client) addObserver(o *Observer) {
	hash := o.key.Hash()
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if c.observers[hash] == nil {
		c.observers[hash] = make(map[*Observer]struct{})
	}
	c.observers[hash][o] = struct{}{}
}

func (c *Client) removeObserver(o *Observer) {
	hash := o.key.Hash()
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if set := c.observers[hash]; set != nil {
		delete(set, o)
		if len(set) == 0 {
			delete(c.observers, hash)
		}
	}
}

// activeObserver returns an enabled, open observer of key, if any.
func (c *Client) activeObserver(key CacheKey) *Observer {
	hash := key.Hash()
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for o := range c.observers[hash] {
		if o.cfg.enabled {
			return o
		}
	}
	return nil
}
