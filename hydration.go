package kueri

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DehydratedQuery is the serialized form of one successful query.
type DehydratedQuery struct {
	Key       CacheKey        `json:"queryKey"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetchedAt"`
	// StaleTime in milliseconds; zero means the client default applies and
	// -1 means the data never goes stale.
	StaleTime int64    `json:"staleTime,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// DehydratedState is a plain JSON snapshot of cached queries, produced on a
// server and hydrated into another client.
type DehydratedState struct {
	Queries []DehydratedQuery `json:"queries"`
}

// Len returns the number of queries in the state.
func (s *DehydratedState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Queries)
}

// PrefetchItem is one query to prefetch.
type PrefetchItem struct {
	Key     CacheKey
	Fn      QueryFunc
	Options []QueryOption
}

// PrefetchQuery builds a PrefetchItem.
func PrefetchQuery(key CacheKey, fn QueryFunc, opts ...QueryOption) PrefetchItem {
	return PrefetchItem{Key: key, Fn: fn, Options: opts}
}

// Prefetch fetches every item once, in parallel, stores the results and
// returns them dehydrated and ordered by key. Failed items are logged and
// left out of the state; only a closed client or a finished ctx fail the
// whole call.
func (c *Client) Prefetch(ctx context.Context, items ...PrefetchItem) (*DehydratedState, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	var (
		mu      sync.Mutex
		queries []DehydratedQuery
	)

	g := new(errgroup.Group)
	g.SetLimit(c.prefetchConcurrency)
	for _, item := range items {
		g.Go(func() error {
			res, err := c.FetchQuery(ctx, item.Key, item.Fn, item.Options...)
			if err != nil {
				c.logger.Warn("Prefetch failed", "key", item.Key.String(), "error", err)
				return nil
			}

			cfg := c.queryConfig(item.Options)
			q, err := dehydrateQuery(item.Key, res.Data, res.FetchedAt, cfg.staleTimeFor(CacheEntry{}), cfg.tags)
			if err != nil {
				c.logger.Warn("Prefetch result is not serializable", "key", item.Key.String(), "error", err)
				return nil
			}
			mu.Lock()
			queries = append(queries, q)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, ctxError(ctx)
	}

	sortQueries(queries)
	if c.debug != nil && c.debug.Enabled && c.debug.LogHydration {
		c.logger.Debug("Prefetch complete", "requested", len(items), "dehydrated", len(queries))
	}
	return &DehydratedState{Queries: queries}, nil
}

// Dehydrate snapshots every successful query accepted by filter (nil
// accepts all).
func (c *Client) Dehydrate(filter func(CacheEntry) bool) (*DehydratedState, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	entries := c.store.Find(func(e CacheEntry) bool {
		return e.HasData() && e.Status == StatusSuccess && (filter == nil || filter(e))
	})

	state := &DehydratedState{Queries: make([]DehydratedQuery, 0, len(entries))}
	for _, e := range entries {
		q, err := dehydrateQuery(e.Key, e.Data, e.FetchedAt, e.StaleTime, e.Tags)
		if err != nil {
			return nil, fmt.Errorf("dehydrate %s: %w", e.Key, err)
		}
		state.Queries = append(state.Queries, q)
	}
	sortQueries(state.Queries)
	return state, nil
}

// Hydrate merges state into the cache as if each query had been fetched at
// its FetchedAt. Keys whose local data is as new or newer are skipped.
// Invalid queries are reported together after every valid one is applied.
func (c *Client) Hydrate(state *DehydratedState) (applied int, err error) {
	if c.closed.Load() {
		return 0, ErrClientClosed
	}
	if state == nil {
		return 0, nil
	}

	var errs []error
	skipped := 0
	for _, q := range state.Queries {
		if err := q.Key.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		data, err := decodeRaw(q.Data)
		if err != nil {
			errs = append(errs, newError(ErrorTypeValidation, fmt.Sprintf("hydrate %s", q.Key), err))
			continue
		}

		fetchedAt := q.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = c.now()
		}
		defaults := entryDefaults{
			staleTime: staleTimeFromMillis(q.StaleTime),
			cacheTime: c.cacheTime,
			tags:      q.Tags,
		}
		if c.store.hydrate(q.Key, data, fetchedAt, defaults, q.Tags) {
			applied++
		} else {
			skipped++
		}
	}

	c.metrics.RecordHydration(applied, skipped)
	c.metrics.RecordCacheSize(c.store.Len())
	if c.debug != nil && c.debug.Enabled && c.debug.LogHydration {
		c.logger.Debug("Hydrated queries", "applied", applied, "skipped", skipped, "invalid", len(errs))
	}
	return applied, errors.Join(errs...)
}

// EncodeState serializes state to JSON that is safe to embed in HTML.
func EncodeState(state *DehydratedState) ([]byte, error) {
	if state == nil {
		state = &DehydratedState{}
	}
	if state.Queries == nil {
		state = &DehydratedState{Queries: []DehydratedQuery{}}
	}
	// json.Marshal escapes <, > and & so the output cannot close a script tag.
	return json.Marshal(state)
}

// DecodeState parses JSON produced by EncodeState.
func DecodeState(data []byte) (*DehydratedState, error) {
	var state DehydratedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, newError(ErrorTypeValidation, "invalid dehydrated state", err)
	}
	return &state, nil
}

func dehydrateQuery(key CacheKey, data any, fetchedAt time.Time, staleTime time.Duration, tags []string) (DehydratedQuery, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return DehydratedQuery{}, err
	}
	q := DehydratedQuery{
		Key:       key.Clone(),
		Data:      raw,
		FetchedAt: fetchedAt,
		Tags:      append([]string(nil), tags...),
	}
	switch {
	case staleTime == Infinity:
		q.StaleTime = -1
	case staleTime > 0:
		q.StaleTime = staleTime.Milliseconds()
	}
	return q, nil
}

// staleTimeFromMillis maps a dehydrated staleTime to a Duration. Negative
// values and values past the Duration range mean Infinity.
func staleTimeFromMillis(ms int64) time.Duration {
	if ms < 0 || ms > math.MaxInt64/int64(time.Millisecond) {
		return Infinity
	}
	return time.Duration(ms) * time.Millisecond
}

func decodeRaw(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func sortQueries(queries []DehydratedQuery) {
	sort.Slice(queries, func(i, j int) bool {
		return queries[i].Key.Hash() < queries[j].Key.Hash()
	})
}
