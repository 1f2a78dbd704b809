package kueri

import (
	"math"
	"time"

	"github.com/ambiyansyah-risyal/kueri/internal/singleflight"
)

// Infinity disables time based staleness or eviction when used as a stale
// or cache time.
const Infinity = time.Duration(math.MaxInt64)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// CacheEntry is a snapshot of everything the Store knows about one key.
// Entries handed out by the Store are copies; mutate them through Store.Set.
type CacheEntry struct {
	Key         CacheKey
	Data        any
	Err         error
	FetchedAt   time.Time
	ErrorAt     time.Time
	StaleTime   time.Duration
	CacheTime   time.Duration
	Status      Status
	Invalidated bool
	Subscribers int
	Tags        []string
	Generation  uint64

	hash        string
	inFlight    *singleflight.Call
	priorStatus Status
}

// HasData reports whether a successful payload was ever stored.
func (e CacheEntry) HasData() bool {
	return !e.FetchedAt.IsZero()
}

// IsFetching reports whether a request for this key is in flight.
func (e CacheEntry) IsFetching() bool {
	return e.inFlight != nil
}

// IsStaleAt reports whether the entry must be refetched at now given
// staleTime. Entries without data, invalidated entries and entries older
// than staleTime are stale.
func (e CacheEntry) IsStaleAt(now time.Time, staleTime time.Duration) bool {
	if !e.HasData() || e.Invalidated {
		return true
	}
	if staleTime == Infinity {
		return false
	}
	return now.Sub(e.FetchedAt) >= staleTime
}

// HasTag reports whether the entry carries tag.
func (e CacheEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e *CacheEntry) snapshot() CacheEntry {
	out := *e
	out.Key = e.Key.Clone()
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	return out
}

func (e *CacheEntry) addTags(tags ...string) {
	for _, tag := range tags {
		if tag != "" && !e.HasTag(tag) {
			e.Tags = append(e.Tags, tag)
		}
	}
}
