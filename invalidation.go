package kueri

import "fmt"

type invalidationKind int

const (
	invalidateExact invalidationKind = iota
	invalidatePrefix
	invalidateTag
	invalidatePredicate
	invalidateAll
)

// InvalidationRequest selects the cache entries an invalidation applies to.
// Build one with ExactKey, KeyPrefix, Tag, Where or AllQueries.
type InvalidationRequest struct {
	kind      invalidationKind
	key       CacheKey
	tag       string
	predicate func(CacheEntry) bool
}

// ExactKey matches the entry whose key equals key.
func ExactKey(key CacheKey) InvalidationRequest {
	return InvalidationRequest{kind: invalidateExact, key: key.Clone()}
}

// KeyPrefix matches every entry whose key starts with prefix.
func KeyPrefix(prefix CacheKey) InvalidationRequest {
	return InvalidationRequest{kind: invalidatePrefix, key: prefix.Clone()}
}

// Tag matches every entry carrying tag.
func Tag(tag string) InvalidationRequest {
	return InvalidationRequest{kind: invalidateTag, tag: tag}
}

// Where matches every entry for which predicate returns true.
func Where(predicate func(CacheEntry) bool) InvalidationRequest {
	return InvalidationRequest{kind: invalidatePredicate, predicate: predicate}
}

// AllQueries matches every entry.
func AllQueries() InvalidationRequest {
	return InvalidationRequest{kind: invalidateAll}
}

// Matches reports whether entry is selected by the request.
func (r InvalidationRequest) Matches(entry CacheEntry) bool {
	switch r.kind {
	case invalidateExact:
		return entry.Key.Equal(r.key)
	case invalidatePrefix:
		return entry.Key.HasPrefix(r.key)
	case invalidateTag:
		return entry.HasTag(r.tag)
	case invalidatePredicate:
		return r.predicate != nil && r.predicate(entry)
	case invalidateAll:
		return true
	default:
		return false
	}
}

// Kind returns a short label used for metrics and logs.
func (r InvalidationRequest) Kind() string {
	switch r.kind {
	case invalidateExact:
		return "key"
	case invalidatePrefix:
		return "prefix"
	case invalidateTag:
		return "tag"
	case invalidatePredicate:
		return "predicate"
	case invalidateAll:
		return "all"
	default:
		return "unknown"
	}
}

// String implements fmt.Stringer.
func (r InvalidationRequest) String() string {
	switch r.kind {
	case invalidateExact, invalidatePrefix:
		return fmt.Sprintf("%s:%s", r.Kind(), r.key.Hash())
	case invalidateTag:
		return "tag:" + r.tag
	default:
		return r.Kind()
	}
}

// exactHash returns the key hash for exact requests so the store can skip a scan.
func (r InvalidationRequest) exactHash() (string, bool) {
	if r.kind != invalidateExact {
		return "", false
	}
	return r.key.Hash(), true
}
