package cacheinfra

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"

	"github.com/goliatone/go-storedcall/cache"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// MemoryTier is the in-memory cache tier. sturdyc provides sharding, capacity
// bounds and eviction; every entry additionally carries its own expiry which
// is checked on read.
type MemoryTier struct {
	client *sturdyc.Client[memoryEntry]
	cfg    MemoryConfig
	now    func() time.Time
}

var _ cache.Store = (*MemoryTier)(nil)

// NewMemoryTier validates cfg and creates the tier.
func NewMemoryTier(cfg MemoryConfig) (*MemoryTier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[memoryEntry](
		cfg.Capacity,
		cfg.NumShards,
		cfg.MaxTTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &MemoryTier{client: client, cfg: cfg, now: time.Now}, nil
}

// Lookup implements cache.Store. Expired entries are reported as a miss and
// left for sturdyc to evict.
func (t *MemoryTier) Lookup(_ context.Context, key string, dst any) cache.Result {
	entry, ok := t.client.Get(key)
	if !ok {
		return cache.Miss()
	}
	if !t.now().Before(entry.expiresAt) {
		return cache.Miss()
	}
	if err := cache.Assign(dst, entry.value); err != nil {
		return cache.Failed(err)
	}
	return cache.Hit()
}

// Save implements cache.Store. A zero ttl uses DefaultTTL and a ttl above
// MaxTTL is clamped. Concurrent saves to one key: last write wins.
func (t *MemoryTier) Save(_ context.Context, key string, value any, ttl time.Duration) cache.Result {
	t.client.Set(key, memoryEntry{value: value, expiresAt: t.now().Add(t.effectiveTTL(ttl))})
	return cache.Stored()
}

// Remove implements cache.Store.
func (t *MemoryTier) Remove(_ context.Context, key string) cache.Result {
	t.client.Delete(key)
	return cache.Removed()
}

// Len returns the number of entries held, including expired entries that
// sturdyc has not evicted yet.
func (t *MemoryTier) Len() int {
	return t.client.Size()
}

func (t *MemoryTier) effectiveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return t.cfg.DefaultTTL
	case ttl > t.cfg.MaxTTL:
		return t.cfg.MaxTTL
	}
	return ttl
}
