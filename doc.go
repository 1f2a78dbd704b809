// Package kueri is a query cache and request coordination engine for Go
// services that talk to HTTP APIs:
//
//   - Cache keyed by ordered primitive segments (CacheKey)
//   - Request de-duplication: one fetch per key however many callers wait
//   - Stale-while-revalidate with per-query stale and cache times
//   - Invalidation by exact key, key prefix, tag or predicate
//   - Mutations with optimistic updates, rollback and targeted invalidation
//   - Request, response and error interceptors sharing per-request metadata
//   - Server side prefetch, dehydration to plain JSON and client hydration
//   - Prometheus metrics and structured debug logging (zap or logrus)
//
// Typical usage:
//
//	client, err := kueri.New(
//	    kueri.WithBaseURL("https://api.example.com"),
//	    kueri.WithStaleTime(30*time.Second),
//	    kueri.WithMaxQueries(500),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	res, err := client.Query(ctx, kueri.Key("user", 1), client.GetFunc("/users/1"))
//
// Observers stand in for mounted UI hooks: Subscribe counts as a subscriber
// of the key and Close releases it, aborting the fetch when it was the last
// consumer (see WithCancelOnUnsubscribe).
package kueri
