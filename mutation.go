package kueri

import (
	"context"

	"github.com/google/uuid"
)

// MutationFunc performs a write and returns its result.
type MutationFunc func(ctx context.Context) (any, error)

// MutationOption tunes a single mutation.
type MutationOption func(*mutationConfig)

type optimisticUpdate struct {
	key    CacheKey
	update func(current any) any
}

type conditionalInvalidation struct {
	cond func(result any) bool
	reqs []InvalidationRequest
}

type mutationConfig struct {
	invalidate  []InvalidationRequest
	conditional []conditionalInvalidation
	hints       bool
	optimistic  []optimisticUpdate
	onSuccess   []func(result any)
	onError     []func(err error)
	onSettled   []func(result any, err error)
	retry       int
}

// WithInvalidateKeys invalidates the given keys after a successful mutation.
func WithInvalidateKeys(keys ...CacheKey) MutationOption {
	return func(m *mutationConfig) {
		for _, key := range keys {
			m.invalidate = append(m.invalidate, ExactKey(key))
		}
	}
}

// WithInvalidatePrefixes invalidates every key starting with one of prefixes.
func WithInvalidatePrefixes(prefixes ...CacheKey) MutationOption {
	return func(m *mutationConfig) {
		for _, prefix := range prefixes {
			m.invalidate = append(m.invalidate, KeyPrefix(prefix))
		}
	}
}

// WithInvalidateTags invalidates every query carrying one of tags.
func WithInvalidateTags(tags ...string) MutationOption {
	return func(m *mutationConfig) {
		for _, tag := range tags {
			m.invalidate = append(m.invalidate, Tag(tag))
		}
	}
}

// WithInvalidateWhere invalidates every query matching predicate.
func WithInvalidateWhere(predicate func(CacheEntry) bool) MutationOption {
	return func(m *mutationConfig) {
		m.invalidate = append(m.invalidate, Where(predicate))
	}
}

// WithInvalidateIf applies reqs only when cond accepts the mutation result.
func WithInvalidateIf(cond func(result any) bool, reqs ...InvalidationRequest) MutationOption {
	return func(m *mutationConfig) {
		m.conditional = append(m.conditional, conditionalInvalidation{cond: cond, reqs: reqs})
	}
}

// WithInvalidationHints reads invalidation hints (triggerInvalidation,
// invalidationTarget, invalidationTags) from the mutation result.
func WithInvalidationHints() MutationOption {
	return func(m *mutationConfig) {
		m.hints = true
	}
}

// WithOptimisticUpdate writes update(current) to key before the mutation
// runs. The previous state is restored if the mutation fails.
func WithOptimisticUpdate(key CacheKey, update func(current any) any) MutationOption {
	return func(m *mutationConfig) {
		m.optimistic = append(m.optimistic, optimisticUpdate{key: key.Clone(), update: update})
	}
}

// WithOnSuccess registers a callback for a successful mutation.
func WithOnSuccess(fn func(result any)) MutationOption {
	return func(m *mutationConfig) {
		m.onSuccess = append(m.onSuccess, fn)
	}
}

// WithOnError registers a callback for a failed mutation.
func WithOnError(fn func(err error)) MutationOption {
	return func(m *mutationConfig) {
		m.onError = append(m.onError, fn)
	}
}

// WithOnSettled registers a callback run after success or failure.
func WithOnSettled(fn func(result any, err error)) MutationOption {
	return func(m *mutationConfig) {
		m.onSettled = append(m.onSettled, fn)
	}
}

// WithMutationRetry retries transient failures n times. Mutations are not
// retried by default.
func WithMutationRetry(n int) MutationOption {
	return func(m *mutationConfig) {
		m.retry = n
	}
}

type snapshot struct {
	key     CacheKey
	entry   CacheEntry
	existed bool
}

// Mutate runs fn. Optimistic updates are applied first, after cancelling
// fetches in flight for their keys so a late response cannot overwrite them.
// On failure they are rolled back; on success the configured invalidations
// run and observed queries refetch in the background.
func (c *Client) Mutate(ctx context.Context, fn MutationFunc, opts ...MutationOption) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if fn == nil {
		return nil, ErrNilQueryFunc
	}

	var cfg mutationConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	for _, u := range cfg.optimistic {
		if err := u.key.Validate(); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	c.logger.Debug("Mutation started", "mutationID", id, "optimistic", len(cfg.optimistic))

	snapshots := c.applyOptimistic(cfg.optimistic)

	r := c.retrier(cfg.retry, c.retryCondition)
	result, err := r.do(ctx, "mutation "+id, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	if err != nil {
		c.rollback(snapshots)
		c.metrics.RecordMutation("error")
		c.logger.Warn("Mutation failed", "mutationID", id, "error", err, "rolledBack", len(snapshots))
		for _, cb := range cfg.onError {
			cb(err)
		}
		for _, cb := range cfg.onSettled {
			cb(nil, err)
		}
		return nil, err
	}

	reqs := append([]InvalidationRequest(nil), cfg.invalidate...)
	for _, ci := range cfg.conditional {
		if ci.cond != nil && ci.cond(result) {
			reqs = append(reqs, ci.reqs...)
		}
	}
	if cfg.hints {
		reqs = append(reqs, HintsFrom(result)...)
	}
	invalidated := c.Invalidate(reqs...)

	c.metrics.RecordMutation("success")
	c.logger.Debug("Mutation succeeded", "mutationID", id, "invalidated", len(invalidated))
	for _, cb := range cfg.onSuccess {
		cb(result)
	}
	for _, cb := range cfg.onSettled {
		cb(result, nil)
	}
	return result, nil
}

func (c *Client) applyOptimistic(updates []optimisticUpdate) []snapshot {
	snapshots := make([]snapshot, 0, len(updates))
	for _, u := range updates {
		c.CancelQueries(ExactKey(u.key))

		prev, existed := c.store.Get(u.key)
		snapshots = append(snapshots, snapshot{key: u.key, entry: prev, existed: existed})

		now := c.now()
		c.store.Set(u.key, func(e *CacheEntry) {
			e.Data = u.update(e.Data)
			e.Err = nil
			e.Status = StatusSuccess
			if e.FetchedAt.IsZero() {
				e.FetchedAt = now
			}
		})
	}
	return snapshots
}

// rollback restores snapshots newest first so repeated keys end at their
// original state.
func (c *Client) rollback(snapshots []snapshot) {
	for i := len(snapshots) - 1; i >= 0; i-- {
		s := snapshots[i]
		if !s.existed {
			c.store.Remove(s.key)
			continue
		}
		c.store.Set(s.key, func(e *CacheEntry) {
			e.Data = s.entry.Data
			e.Err = s.entry.Err
			e.FetchedAt = s.entry.FetchedAt
			e.ErrorAt = s.entry.ErrorAt
			e.Status = s.entry.Status
			e.Invalidated = s.entry.Invalidated
		})
	}
}
