package kueri

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ambiyansyah-risyal/kueri/internal/singleflight"
)

// Listener receives a snapshot of an entry after every change to it.
type Listener func(CacheEntry)

// EvictReason tells why an entry left the Store.
type EvictReason string

const (
	EvictExpired EvictReason = "expired"
	EvictLRU     EvictReason = "lru"
	EvictRemoved EvictReason = "removed"
	EvictReset   EvictReason = "reset"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// MaxQueries bounds the number of entries. Zero means unbounded.
	MaxQueries int
	// CacheTime is how long an entry without subscribers is kept.
	CacheTime time.Duration
	// Now is the clock used for FetchedAt. Defaults to time.Now.
	Now func() time.Time
	// OnEvict is called outside the store lock for every dropped entry.
	OnEvict func(key CacheKey, reason EvictReason)
}

type notification struct {
	entry     CacheEntry
	listeners []Listener
}

type eviction struct {
	key    CacheKey
	reason EvictReason
}

// Store keeps every CacheEntry of a Client together with its subscribers and
// its in-flight call. All methods are safe for concurrent use; listeners run
// on the writer's goroutine after the lock is released.
type Store struct {
	mu sync.Mutex

	entries      map[string]*CacheEntry
	listeners    map[string]map[uint64]Listener
	timers       map[string]*time.Timer
	idle         *simplelru.LRU[string, struct{}]
	nextListener uint64
	generation   uint64

	maxQueries int
	cacheTime  time.Duration
	now        func() time.Time
	onEvict    func(CacheKey, EvictReason)

	pending []eviction
	closed  bool
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		entries:    make(map[string]*CacheEntry),
		listeners:  make(map[string]map[uint64]Listener),
		timers:     make(map[string]*time.Timer),
		maxQueries: cfg.MaxQueries,
		cacheTime:  cfg.CacheTime,
		now:        cfg.Now,
		onEvict:    cfg.OnEvict,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.cacheTime <= 0 {
		s.cacheTime = DefaultCacheTime
	}
	if cfg.MaxQueries > 0 {
		// Only entries without subscribers are tracked, so the LRU can never
		// push out a mounted query.
		if lru, err := simplelru.NewLRU[string, struct{}](cfg.MaxQueries, s.onIdleEvicted); err == nil {
			s.idle = lru
		}
	}
	return s
}

// Get returns a copy of the entry for key. A hit counts as use for the LRU.
func (s *Store) Get(key CacheKey) (CacheEntry, bool) {
	hash := key.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[hash]
	if !ok {
		return CacheEntry{}, false
	}
	if s.idle != nil {
		s.idle.Get(hash)
	}
	return e.snapshot(), true
}

// Set applies mutate to the entry for key, creating it when missing, and
// notifies the key's listeners with the result.
func (s *Store) Set(key CacheKey, mutate func(*CacheEntry)) CacheEntry {
	hash := key.Hash()

	s.mu.Lock()
	e := s.ensureLocked(hash, key)
	if mutate != nil {
		mutate(e)
	}
	e.Key = key.Clone()
	e.hash = hash
	if e.Subscribers < 0 {
		e.Subscribers = 0
	}
	n := s.notificationLocked(hash, e)
	s.evictOverflowLocked()
	evicted := s.drainLocked()
	s.mu.Unlock()

	s.dispatch(evicted, n)
	return n.entry
}

// SetData stores data as a successful, freshly fetched result.
func (s *Store) SetData(key CacheKey, data any) CacheEntry {
	now := s.now()
	return s.Set(key, func(e *CacheEntry) {
		e.Data = data
		e.Err = nil
		e.FetchedAt = now
		e.Status = StatusSuccess
		e.Invalidated = false
	})
}

// Subscribe registers listener for key and counts one subscriber. The entry
// is created idle when missing. The returned function undoes the
// subscription; calling it more than once is a no-op.
func (s *Store) Subscribe(key CacheKey, listener Listener) (unsubscribe func()) {
	hash := key.Hash()

	s.mu.Lock()
	e := s.ensureLocked(hash, key)
	e.Subscribers++
	s.stopTimerLocked(hash)
	if s.idle != nil {
		s.idle.Remove(hash)
	}

	s.nextListener++
	id := s.nextListener
	if listener != nil {
		if s.listeners[hash] == nil {
			s.listeners[hash] = make(map[uint64]Listener)
		}
		s.listeners[hash][id] = listener
	}
	s.evictOverflowLocked()
	evicted := s.drainLocked()
	s.mu.Unlock()
	s.dispatch(evicted)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(hash, id) })
	}
}

func (s *Store) unsubscribe(hash string, id uint64) {
	s.mu.Lock()
	if ls := s.listeners[hash]; ls != nil {
		delete(ls, id)
		if len(ls) == 0 {
			delete(s.listeners, hash)
		}
	}
	e, ok := s.entries[hash]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.Subscribers > 0 {
		e.Subscribers--
	}
	if e.Subscribers == 0 {
		s.markIdleLocked(hash, e)
	}
	s.evictOverflowLocked()
	evicted := s.drainLocked()
	s.mu.Unlock()
	s.dispatch(evicted)
}

// EvictIfUnused drops the entry for key when it has no subscribers and no
// in-flight call. It reports whether the entry was dropped.
func (s *Store) EvictIfUnused(key CacheKey) bool {
	hash := key.Hash()

	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok || e.Subscribers > 0 || e.inFlight != nil {
		s.mu.Unlock()
		return false
	}
	s.dropLocked(hash, EvictExpired)
	evicted := s.drainLocked()
	s.mu.Unlock()
	s.dispatch(evicted)
	return true
}

// Invalidate marks every matching entry stale without touching its data and
// returns the matched keys.
func (s *Store) Invalidate(req InvalidationRequest) []CacheKey {
	s.mu.Lock()
	var (
		keys  []CacheKey
		notes []notification
	)
	for _, hash := range s.matchLocked(req) {
		e := s.entries[hash]
		e.Invalidated = true
		keys = append(keys, e.Key.Clone())
		notes = append(notes, s.notificationLocked(hash, e))
	}
	s.mu.Unlock()

	s.dispatch(nil, notes...)
	return keys
}

// Remove drops the entry for key, cancelling its in-flight call. Keys that
// still have subscribers keep an empty idle entry.
func (s *Store) Remove(key CacheKey) bool {
	return len(s.RemoveWhere(ExactKey(key))) > 0
}

// RemoveWhere drops every matching entry and returns the removed keys.
func (s *Store) RemoveWhere(req InvalidationRequest) []CacheKey {
	s.mu.Lock()
	var (
		keys  []CacheKey
		notes []notification
	)
	for _, hash := range s.matchLocked(req) {
		e := s.entries[hash]
		keys = append(keys, e.Key.Clone())
		if n, kept := s.resetEntryLocked(hash, e, EvictRemoved); kept {
			notes = append(notes, n)
		}
	}
	evicted := s.drainLocked()
	s.mu.Unlock()

	s.dispatch(evicted, notes...)
	return keys
}

// Reset drops every entry and cancels every in-flight call. Subscribed keys
// keep an empty idle entry and their listeners are notified.
func (s *Store) Reset() {
	s.mu.Lock()
	var notes []notification
	for hash, e := range s.entries {
		if n, kept := s.resetEntryLocked(hash, e, EvictReset); kept {
			notes = append(notes, n)
		}
	}
	evicted := s.drainLocked()
	s.mu.Unlock()

	s.dispatch(evicted, notes...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns every key, ordered by hash.
func (s *Store) Keys() []CacheKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.sortedHashesLocked()
	keys := make([]CacheKey, 0, len(hashes))
	for _, hash := range hashes {
		keys = append(keys, s.entries[hash].Key.Clone())
	}
	return keys
}

// Find returns copies of the entries for which match returns true, ordered
// by key hash. A nil match selects every entry.
func (s *Store) Find(match func(CacheEntry) bool) []CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CacheEntry
	for _, hash := range s.sortedHashesLocked() {
		snap := s.entries[hash].snapshot()
		if match == nil || match(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// Close stops every eviction timer and drops all entries.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	for hash, t := range s.timers {
		t.Stop()
		delete(s.timers, hash)
	}
	for _, e := range s.entries {
		if e.inFlight != nil {
			e.inFlight.Cancel()
		}
	}
	s.entries = make(map[string]*CacheEntry)
	s.listeners = make(map[string]map[uint64]Listener)
	if s.idle != nil {
		s.idle.Purge()
	}
	s.pending = nil
	s.mu.Unlock()
}

// acquireFlight returns the call in flight for key, installing the one built
// by start when there is none and starting it once listeners have seen the
// loading state. When join is set the caller holds one reference on the
// returned call and must hand it back via releaseFlight.
func (s *Store) acquireFlight(key CacheKey, defaults entryDefaults, join bool, start func() *singleflight.Call) (call *singleflight.Call, started bool) {
	hash := key.Hash()

	s.mu.Lock()
	e := s.ensureLocked(hash, key)
	defaults.apply(e)

	var n notification
	if e.inFlight != nil {
		call = e.inFlight
	} else {
		call = start()
		started = true
		e.inFlight = call
		e.priorStatus = e.Status
		if !e.HasData() {
			e.Status = StatusLoading
		}
		n = s.notificationLocked(hash, e)
	}
	if join {
		call.Join()
	}
	evicted := s.drainLocked()
	s.mu.Unlock()

	if started {
		s.dispatch(evicted, n)
		call.Start()
	} else {
		s.dispatch(evicted)
	}
	return call, started
}

// releaseFlight drops one reference on call. When it was the last one and
// cancel is set, the call is detached from its entry and cancelled so no new
// consumer can join it and its result is never stored.
func (s *Store) releaseFlight(key CacheKey, call *singleflight.Call, cancel bool) (cancelled bool) {
	hash := key.Hash()

	s.mu.Lock()
	remaining := call.Release()
	if remaining > 0 || !cancel || call.Finished() {
		s.mu.Unlock()
		return false
	}

	var notes []notification
	if e, ok := s.entries[hash]; ok && e.inFlight == call {
		e.inFlight = nil
		e.Status = e.priorStatus
		notes = append(notes, s.notificationLocked(hash, e))
		if e.Subscribers == 0 {
			s.markIdleLocked(hash, e)
		}
	}
	call.Cancel()
	s.mu.Unlock()

	s.dispatch(nil, notes...)
	return true
}

// cancelFlight cancels and detaches the call in flight for key regardless of
// how many consumers are attached.
func (s *Store) cancelFlight(key CacheKey) bool {
	hash := key.Hash()

	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok || e.inFlight == nil || e.inFlight.Finished() {
		s.mu.Unlock()
		return false
	}
	call := e.inFlight
	e.inFlight = nil
	e.Status = e.priorStatus
	n := s.notificationLocked(hash, e)
	if e.Subscribers == 0 {
		s.markIdleLocked(hash, e)
	}
	call.Cancel()
	s.mu.Unlock()

	s.dispatch(nil, n)
	return true
}

// finishFetch commits the outcome of call. The result is discarded when the
// entry is gone or was replaced since the call started, or when the call no
// longer belongs to it.
func (s *Store) finishFetch(key CacheKey, call *singleflight.Call, val any, err error) (committed bool) {
	hash := key.Hash()

	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok || e.inFlight != call || call.Cancelled() {
		s.mu.Unlock()
		return false
	}

	e.inFlight = nil
	now := s.now()
	if err != nil {
		e.Err = err
		e.ErrorAt = now
		e.Status = StatusError
	} else {
		e.Data = val
		e.Err = nil
		e.FetchedAt = now
		e.Status = StatusSuccess
		e.Invalidated = false
	}
	n := s.notificationLocked(hash, e)
	if e.Subscribers == 0 {
		s.markIdleLocked(hash, e)
	}
	s.evictOverflowLocked()
	evicted := s.drainLocked()
	s.mu.Unlock()

	s.dispatch(evicted, n)
	return true
}

// hydrate installs a dehydrated result unless the local entry is at least as
// new. It reports whether the entry was written.
func (s *Store) hydrate(key CacheKey, data any, fetchedAt time.Time, defaults entryDefaults, tags []string) bool {
	hash := key.Hash()

	s.mu.Lock()
	if e, ok := s.entries[hash]; ok && e.HasData() && !e.FetchedAt.Before(fetchedAt) {
		s.mu.Unlock()
		return false
	}
	e := s.ensureLocked(hash, key)
	defaults.apply(e)
	e.addTags(tags...)
	e.Data = data
	e.Err = nil
	e.FetchedAt = fetchedAt
	e.Status = StatusSuccess
	e.Invalidated = false
	n := s.notificationLocked(hash, e)
	s.evictOverflowLocked()
	evicted := s.drainLocked()
	s.mu.Unlock()

	s.dispatch(evicted, n)
	return true
}

// ensureLocked returns the entry for hash, creating an idle one if needed.
func (s *Store) ensureLocked(hash string, key CacheKey) *CacheEntry {
	if e, ok := s.entries[hash]; ok {
		return e
	}
	s.generation++
	e := &CacheEntry{
		Key:        key.Clone(),
		Status:     StatusIdle,
		CacheTime:  s.cacheTime,
		Generation: s.generation,
		hash:       hash,
	}
	s.entries[hash] = e
	s.markIdleLocked(hash, e)
	return e
}

// markIdleLocked tracks an unsubscribed entry for LRU eviction and arms its
// cacheTime timer.
func (s *Store) markIdleLocked(hash string, e *CacheEntry) {
	if s.closed {
		return
	}
	if s.idle != nil {
		s.idle.Add(hash, struct{}{})
	}

	s.stopTimerLocked(hash)
	if e.CacheTime == Infinity {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(e.CacheTime, func() { s.collect(hash, t) })
	s.timers[hash] = t
}

func (s *Store) stopTimerLocked(hash string) {
	if t, ok := s.timers[hash]; ok {
		t.Stop()
		delete(s.timers, hash)
	}
}

// collect runs when an entry's cacheTime timer fires.
func (s *Store) collect(hash string, t *time.Timer) {
	s.mu.Lock()
	if s.timers[hash] != t {
		s.mu.Unlock()
		return
	}
	delete(s.timers, hash)

	e, ok := s.entries[hash]
	switch {
	case !ok || e.Subscribers > 0:
	case e.inFlight != nil:
		s.markIdleLocked(hash, e)
	default:
		s.dropLocked(hash, EvictExpired)
	}
	evicted := s.drainLocked()
	s.mu.Unlock()
	s.dispatch(evicted)
}

// onIdleEvicted is the LRU callback. It fires for explicit removals too, so
// it only drops entries that are still present and unsubscribed.
func (s *Store) onIdleEvicted(hash string, _ struct{}) {
	e, ok := s.entries[hash]
	if !ok || e.Subscribers > 0 {
		return
	}
	s.dropLocked(hash, EvictLRU)
}

func (s *Store) evictOverflowLocked() {
	if s.idle == nil {
		return
	}
	for len(s.entries) > s.maxQueries {
		if _, _, ok := s.idle.RemoveOldest(); !ok {
			return
		}
	}
}

// dropLocked deletes the entry and queues the eviction for OnEvict.
func (s *Store) dropLocked(hash string, reason EvictReason) {
	e, ok := s.entries[hash]
	if !ok {
		return
	}
	delete(s.entries, hash)
	s.stopTimerLocked(hash)
	if s.idle != nil {
		s.idle.Remove(hash)
	}
	if e.inFlight != nil && e.inFlight.Waiters() == 0 {
		e.inFlight.Cancel()
	}
	s.pending = append(s.pending, eviction{key: e.Key.Clone(), reason: reason})
}

// resetEntryLocked drops the entry's state. Subscribed entries are replaced
// by an empty one with a new generation and reported as kept.
func (s *Store) resetEntryLocked(hash string, e *CacheEntry, reason EvictReason) (notification, bool) {
	if e.inFlight != nil {
		e.inFlight.Cancel()
		e.inFlight = nil
	}
	if e.Subscribers == 0 {
		s.dropLocked(hash, reason)
		return notification{}, false
	}

	s.generation++
	fresh := &CacheEntry{
		Key:         e.Key,
		Status:      StatusIdle,
		StaleTime:   e.StaleTime,
		CacheTime:   e.CacheTime,
		Subscribers: e.Subscribers,
		Tags:        e.Tags,
		Generation:  s.generation,
		hash:        hash,
	}
	s.entries[hash] = fresh
	s.pending = append(s.pending, eviction{key: e.Key.Clone(), reason: reason})
	return s.notificationLocked(hash, fresh), true
}

func (s *Store) matchLocked(req InvalidationRequest) []string {
	if hash, ok := req.exactHash(); ok {
		if _, exists := s.entries[hash]; exists {
			return []string{hash}
		}
		return nil
	}
	var out []string
	for _, hash := range s.sortedHashesLocked() {
		if req.Matches(s.entries[hash].snapshot()) {
			out = append(out, hash)
		}
	}
	return out
}

func (s *Store) sortedHashesLocked() []string {
	hashes := make([]string, 0, len(s.entries))
	for hash := range s.entries {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

func (s *Store) notificationLocked(hash string, e *CacheEntry) notification {
	n := notification{entry: e.snapshot()}
	for _, l := range s.listeners[hash] {
		n.listeners = append(n.listeners, l)
	}
	return n
}

func (s *Store) drainLocked() []eviction {
	out := s.pending
	s.pending = nil
	return out
}

func (s *Store) dispatch(evicted []eviction, notes ...notification) {
	if s.onEvict != nil {
		for _, ev := range evicted {
			s.onEvict(ev.key, ev.reason)
		}
	}
	for _, n := range notes {
		for _, l := range n.listeners {
			l(n.entry)
		}
	}
}

// entryDefaults carries per-query settings applied when an entry is touched
// by a query.
type entryDefaults struct {
	staleTime time.Duration
	cacheTime time.Duration
	tags      []string
}

func (d entryDefaults) apply(e *CacheEntry) {
	if d.staleTime > 0 {
		e.StaleTime = d.staleTime
	}
	// The longest cacheTime requested for a key wins.
	if d.cacheTime > e.CacheTime {
		e.CacheTime = d.cacheTime
	}
	e.addTags(d.tags...)
}
