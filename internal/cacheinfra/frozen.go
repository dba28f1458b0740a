package cacheinfra

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-storedcall/cache"
)

// FrozenView is one published snapshot of the frozen tier. It is never
// modified after publication.
type FrozenView struct {
	entries map[string]any
	version uint64
}

// Get returns the value stored under key in this view.
func (v *FrozenView) Get(key string) (any, bool) {
	value, ok := v.entries[key]
	return value, ok
}

// Len returns the number of entries in this view.
func (v *FrozenView) Len() int { return len(v.entries) }

// Version increases by one with every publication.
func (v *FrozenView) Version() uint64 { return v.version }

// Keys returns the sorted keys of this view.
func (v *FrozenView) Keys() []string {
	return slices.Sorted(maps.Keys(v.entries))
}

// FrozenTier is a read-optimized tier. Readers load the current view without
// locking; writers copy it, apply their change and publish a new view with an
// atomic pointer swap while holding the write lock. Each write costs
// O(entries), so it fits data that is written rarely and read often. TTLs are
// ignored: entries never expire.
type FrozenTier struct {
	mu      sync.Mutex
	current atomic.Pointer[FrozenView]
}

var _ cache.Store = (*FrozenTier)(nil)

// NewFrozenTier creates an empty frozen tier.
func NewFrozenTier() *FrozenTier {
	t := &FrozenTier{}
	t.current.Store(&FrozenView{entries: map[string]any{}})
	return t
}

// View returns the currently published snapshot.
func (t *FrozenTier) View() *FrozenView {
	return t.current.Load()
}

// Lookup implements cache.Store.
func (t *FrozenTier) Lookup(_ context.Context, key string, dst any) cache.Result {
	value, ok := t.View().Get(key)
	if !ok {
		return cache.Miss()
	}
	if err := cache.Assign(dst, value); err != nil {
		return cache.Failed(err)
	}
	return cache.Hit()
}

// Save implements cache.Store. ttl is ignored.
func (t *FrozenTier) Save(_ context.Context, key string, value any, _ time.Duration) cache.Result {
	t.SaveAll(map[string]any{key: value})
	return cache.Stored()
}

// SaveAll publishes all entries in a single new snapshot. Readers observe
// either none or all of them.
func (t *FrozenTier) SaveAll(entries map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.current.Load()
	next := make(map[string]any, len(prev.entries)+len(entries))
	maps.Copy(next, prev.entries)
	maps.Copy(next, entries)
	t.current.Store(&FrozenView{entries: next, version: prev.version + 1})
}

// Remove implements cache.Store. Removing an absent key does not publish a
// new snapshot.
func (t *FrozenTier) Remove(_ context.Context, key string) cache.Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.current.Load()
	if _, ok := prev.entries[key]; !ok {
		return cache.Removed()
	}
	next := maps.Clone(prev.entries)
	delete(next, key)
	t.current.Store(&FrozenView{entries: next, version: prev.version + 1})
	return cache.Removed()
}
