// Package singleflight provides a reference-counted in-flight call shared by
// every consumer interested in the same cache key.
package singleflight

import (
	"context"
	"sync"
	"sync/atomic"
)

// Func is the unit of work executed by a Call.
type Func func(ctx context.Context) (interface{}, error)

// Call is a single execution of a Func that any number of consumers may
// attach to. The call is cancelled only by an explicit Cancel, which owners
// issue once the last attached consumer has released it.
type Call struct {
	ctx    context.Context
	cancel context.CancelFunc
	fn     Func

	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	onComplete func(interface{}, error)

	mu        sync.Mutex
	refs      int
	val       interface{}
	err       error
	cancelled bool
	finished  bool
}

// NewCall prepares a call bound to parent. The function does not run until Run.
func NewCall(parent context.Context, fn Func) *Call {
	ctx, cancel := context.WithCancel(parent)
	return &Call{
		ctx:    ctx,
		cancel: cancel,
		fn:     fn,
		done:   make(chan struct{}),
	}
}

// OnComplete registers a hook that receives the result after it is recorded
// and before waiters are released. It must be set before Run.
func (c *Call) OnComplete(fn func(val interface{}, err error)) {
	c.onComplete = fn
}

// Run executes the function once and releases all waiters. Subsequent calls
// return the recorded result without running the function again.
func (c *Call) Run() (interface{}, error) {
	c.once.Do(func() {
		val, err := c.fn(c.ctx)

		c.mu.Lock()
		if c.cancelled {
			val, err = nil, ErrCancelled
		}
		c.val = val
		c.err = err
		c.finished = true
		c.mu.Unlock()

		if c.onComplete != nil {
			c.onComplete(val, err)
		}
		c.cancel()
		close(c.done)
	})
	return c.Result()
}

// Start runs the call on a new goroutine unless it was already started. It
// reports whether this invocation started it.
func (c *Call) Start() bool {
	if !c.started.CompareAndSwap(false, true) {
		return false
	}
	go c.Run()
	return true
}

// Join attaches one more consumer.
func (c *Call) Join() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// Release detaches one consumer and returns how many remain attached.
func (c *Call) Release() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
	return c.refs
}

// Waiters reports the number of attached consumers.
func (c *Call) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Cancel aborts the call's context. A cancelled call always resolves with
// ErrCancelled, even if its function ignores the context and returns a value.
func (c *Call) Cancel() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.mu.Unlock()
	c.cancel()
}

// Cancelled reports whether Cancel was issued before the call finished.
func (c *Call) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Finished reports whether the function has returned.
func (c *Call) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Done is closed once the call has a result.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the recorded result. It is only meaningful after Done is closed.
func (c *Call) Result() (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.err
}

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
