package kueri

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type evictLog struct {
	mu     sync.Mutex
	events []string
}

func (l *evictLog) record(key CacheKey, reason EvictReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, key.String()+":"+string(reason))
}

func (l *evictLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestStoreSetGet(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	data := map[string]any{"id": 1}
	store.SetData(Key("user", 1), data)

	entry, ok := store.Get(Key("user", 1))
	if !ok {
		t.Fatal("Expected entry after SetData")
	}
	if diff := cmp.Diff(data, entry.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if entry.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", entry.Status)
	}
	if !entry.HasData() {
		t.Error("Expected HasData")
	}
	if entry.Generation == 0 {
		t.Error("Expected a generation")
	}

	if _, ok := store.Get(Key("user", 2)); ok {
		t.Error("Expected miss for unknown key")
	}
}

func TestStoreSetMutate(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	store.Set(Key("counter"), func(e *CacheEntry) {
		e.Data = 1
		e.Tags = []string{"numbers"}
	})
	got := store.Set(Key("counter"), func(e *CacheEntry) {
		e.Data = e.Data.(int) + 1
	})

	if got.Data != 2 {
		t.Errorf("Data = %v, want 2", got.Data)
	}
	if !got.HasTag("numbers") {
		t.Error("Expected tag to survive")
	}
}

func TestStoreEntriesAreCopies(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	store.Set(Key("k"), func(e *CacheEntry) { e.Tags = []string{"a"} })
	entry, _ := store.Get(Key("k"))
	entry.Tags[0] = "changed"
	entry.Key[0] = "changed"

	again, _ := store.Get(Key("k"))
	if again.Tags[0] != "a" || again.Key[0] != "k" {
		t.Errorf("store entry was modified through a copy: %+v", again)
	}
}

func TestStoreLRUEviction(t *testing.T) {
	var log evictLog
	store := NewStore(StoreConfig{MaxQueries: 2, OnEvict: log.record})
	defer store.Close()

	store.SetData(Key("A"), "a")
	store.SetData(Key("B"), "b")
	store.SetData(Key("C"), "c")

	if _, ok := store.Get(Key("A")); ok {
		t.Error("Expected A to be evicted")
	}
	for _, k := range []string{"B", "C"} {
		if _, ok := store.Get(Key(k)); !ok {
			t.Errorf("Expected %s to remain", k)
		}
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
	if diff := cmp.Diff([]string{`["A"]:lru`}, log.all()); diff != "" {
		t.Errorf("evictions mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreLRURespectsRecentUse(t *testing.T) {
	store := NewStore(StoreConfig{MaxQueries: 2})
	defer store.Close()

	store.SetData(Key("A"), "a")
	store.SetData(Key("B"), "b")
	store.Get(Key("A"))
	store.SetData(Key("C"), "c")

	if _, ok := store.Get(Key("B")); ok {
		t.Error("Expected B to be evicted after A was read")
	}
	if _, ok := store.Get(Key("A")); !ok {
		t.Error("Expected A to remain")
	}
}

func TestStoreNeverEvictsSubscribed(t *testing.T) {
	store := NewStore(StoreConfig{MaxQueries: 1})
	defer store.Close()

	unsubscribe := store.Subscribe(Key("A"), nil)
	store.SetData(Key("A"), "a")
	store.SetData(Key("B"), "b")
	store.SetData(Key("C"), "c")

	if _, ok := store.Get(Key("A")); !ok {
		t.Fatal("subscribed entry was evicted")
	}
	if _, ok := store.Get(Key("B")); ok {
		t.Error("Expected B to be evicted")
	}

	unsubscribe()
	store.SetData(Key("D"), "d")
	if _, ok := store.Get(Key("A")); ok {
		t.Error("Expected A to become evictable after unsubscribe")
	}
}

func TestStoreSubscribeNotifies(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	var (
		mu   sync.Mutex
		seen []any
	)
	unsubscribe := store.Subscribe(Key("k"), func(e CacheEntry) {
		mu.Lock()
		seen = append(seen, e.Data)
		mu.Unlock()
	})

	entry, _ := store.Get(Key("k"))
	if entry.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", entry.Subscribers)
	}
	if entry.Status != StatusIdle {
		t.Errorf("Status = %v, want idle", entry.Status)
	}

	store.SetData(Key("k"), 1)
	store.SetData(Key("other"), 99)
	unsubscribe()
	unsubscribe()
	store.SetData(Key("k"), 2)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]any{1}, seen); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	entry, _ = store.Get(Key("k"))
	if entry.Subscribers != 0 {
		t.Errorf("Subscribers = %d after double unsubscribe, want 0", entry.Subscribers)
	}
}

func TestStoreInvalidateKeepsData(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	store.SetData(Key("posts", 1), "p1")
	store.SetData(Key("posts", 2), "p2")
	store.SetData(Key("users", 1), "u1")

	keys := store.Invalidate(KeyPrefix(Key("posts")))
	if len(keys) != 2 {
		t.Fatalf("Invalidate() matched %d keys, want 2", len(keys))
	}

	entry, _ := store.Get(Key("posts", 1))
	if !entry.Invalidated {
		t.Error("Expected posts/1 to be invalidated")
	}
	if entry.Data != "p1" {
		t.Errorf("Data = %v, want p1", entry.Data)
	}
	if !entry.IsStaleAt(time.Now(), Infinity) {
		t.Error("invalidated entries are stale regardless of staleTime")
	}

	users, _ := store.Get(Key("users", 1))
	if users.Invalidated {
		t.Error("users/1 should not be invalidated")
	}

	store.SetData(Key("posts", 1), "p1b")
	entry, _ = store.Get(Key("posts", 1))
	if entry.Invalidated {
		t.Error("a fresh write clears the invalidated flag")
	}
}

func TestStoreInvalidateByTagAndPredicate(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	store.Set(Key("a"), func(e *CacheEntry) { e.Tags = []string{"feed"} })
	store.Set(Key("b"), func(e *CacheEntry) { e.Data = 10 })
	store.Set(Key("c"), nil)

	if keys := store.Invalidate(Tag("feed")); len(keys) != 1 || !keys[0].Equal(Key("a")) {
		t.Errorf("tag invalidation matched %v", keys)
	}
	if keys := store.Invalidate(Where(func(e CacheEntry) bool { return e.Data == 10 })); len(keys) != 1 || !keys[0].Equal(Key("b")) {
		t.Errorf("predicate invalidation matched %v", keys)
	}
	if keys := store.Invalidate(AllQueries()); len(keys) != 3 {
		t.Errorf("AllQueries matched %d, want 3", len(keys))
	}
	if keys := store.Invalidate(ExactKey(Key("missing"))); len(keys) != 0 {
		t.Errorf("exact invalidation of a missing key matched %v", keys)
	}
}

func TestStoreRemove(t *testing.T) {
	var log evictLog
	store := NewStore(StoreConfig{OnEvict: log.record})
	defer store.Close()

	store.SetData(Key("a"), 1)
	if !store.Remove(Key("a")) {
		t.Error("Remove() = false, want true")
	}
	if store.Remove(Key("a")) {
		t.Error("second Remove() = true, want false")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
	if diff := cmp.Diff([]string{`["a"]:removed`}, log.all()); diff != "" {
		t.Errorf("evictions mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreRemoveSubscribedKeepsIdleEntry(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	var last CacheEntry
	store.Subscribe(Key("a"), func(e CacheEntry) { last = e })
	store.SetData(Key("a"), 1)
	before, _ := store.Get(Key("a"))

	store.Remove(Key("a"))

	entry, ok := store.Get(Key("a"))
	if !ok {
		t.Fatal("subscribed entry should be kept")
	}
	if entry.HasData() || entry.Status != StatusIdle {
		t.Errorf("Expected an empty idle entry, got %+v", entry)
	}
	if entry.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", entry.Subscribers)
	}
	if entry.Generation == before.Generation {
		t.Error("Expected a new generation after removal")
	}
	if last.HasData() {
		t.Error("listener should see the reset entry")
	}
}

func TestStoreReset(t *testing.T) {
	var log evictLog
	store := NewStore(StoreConfig{OnEvict: log.record})
	defer store.Close()

	store.SetData(Key("a"), 1)
	store.SetData(Key("b"), 2)
	store.Subscribe(Key("b"), nil)

	store.Reset()

	if _, ok := store.Get(Key("a")); ok {
		t.Error("Expected a to be dropped")
	}
	b, ok := store.Get(Key("b"))
	if !ok || b.HasData() {
		t.Errorf("Expected b to be kept empty, got %+v (ok=%v)", b, ok)
	}
	if len(log.all()) != 2 {
		t.Errorf("Expected 2 reset events, got %v", log.all())
	}
}

func TestStoreEvictIfUnused(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	store.SetData(Key("a"), 1)
	unsubscribe := store.Subscribe(Key("b"), nil)

	if !store.EvictIfUnused(Key("a")) {
		t.Error("Expected unused entry to be evicted")
	}
	if store.EvictIfUnused(Key("b")) {
		t.Error("Subscribed entry must not be evicted")
	}
	unsubscribe()
	if !store.EvictIfUnused(Key("b")) {
		t.Error("Expected entry to be evicted after unsubscribe")
	}
}

func TestStoreCacheTimeExpiry(t *testing.T) {
	var log evictLog
	store := NewStore(StoreConfig{CacheTime: 20 * time.Millisecond, OnEvict: log.record})
	defer store.Close()

	store.SetData(Key("a"), 1)
	store.Subscribe(Key("b"), nil)

	waitFor(t, time.Second, func() bool {
		_, ok := store.Get(Key("a"))
		return !ok
	})
	time.Sleep(40 * time.Millisecond)
	if _, ok := store.Get(Key("b")); !ok {
		t.Error("subscribed entry must not expire")
	}
	if diff := cmp.Diff([]string{`["a"]:expired`}, log.all()); diff != "" {
		t.Errorf("evictions mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreInfiniteCacheTime(t *testing.T) {
	store := NewStore(StoreConfig{CacheTime: Infinity})
	defer store.Close()

	store.SetData(Key("a"), 1)
	store.mu.Lock()
	timers := len(store.timers)
	store.mu.Unlock()

	if timers != 0 {
		t.Errorf("Expected no eviction timer, got %d", timers)
	}
}

func TestStoreKeysAndFind(t *testing.T) {
	store := NewStore(StoreConfig{})
	defer store.Close()

	store.SetData(Key("b"), 2)
	store.SetData(Key("a"), 1)
	store.Set(Key("c"), nil)

	if diff := cmp.Diff([]CacheKey{Key("a"), Key("b"), Key("c")}, store.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}

	withData := store.Find(func(e CacheEntry) bool { return e.HasData() })
	if len(withData) != 2 {
		t.Errorf("Find() returned %d entries, want 2", len(withData))
	}
	if len(store.Find(nil)) != 3 {
		t.Error("Find(nil) should return every entry")
	}
}

func TestStoreHydrateKeepsNewer(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(StoreConfig{Now: func() time.Time { return now }})
	defer store.Close()

	store.SetData(Key("a"), "local")

	if store.hydrate(Key("a"), "older", now.Add(-time.Minute), entryDefaults{}, nil) {
		t.Error("older hydrated data must not replace newer local data")
	}
	if store.hydrate(Key("a"), "same", now, entryDefaults{}, nil) {
		t.Error("ties keep the local data")
	}
	if !store.hydrate(Key("a"), "newer", now.Add(time.Minute), entryDefaults{}, []string{"t"}) {
		t.Error("newer hydrated data should be applied")
	}

	entry, _ := store.Get(Key("a"))
	if entry.Data != "newer" || !entry.HasTag("t") {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestStoreClose(t *testing.T) {
	store := NewStore(StoreConfig{CacheTime: time.Hour})
	store.SetData(Key("a"), 1)
	store.Close()

	if store.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", store.Len())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.timers) != 0 {
		t.Errorf("timers left after Close: %d", len(store.timers))
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusIdle:    "idle",
		StatusLoading: "loading",
		StatusSuccess: "success",
		StatusError:   "error",
		Status(9):     "unknown",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
