package datastore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HotCache is a Store decorator which shadows another Store with a bounded
// in-process tier.
//
// Reads populate the hot tier, writes populate it with the written entry and
// deletes or conflicting writes invalidate it. Scans always go to the underlying Store.
// A hot entry lives for at most the hot ttl, and never beyond its own ExpiresAt.
type HotCache struct {
	Store

	hot *expirable.LRU[string, Entry]
	now func() time.Time
}

// WithHotCache wraps store in a hot tier holding at most size entries for at most ttl each.
func WithHotCache(store Store, size int, ttl time.Duration) *HotCache {
	return &HotCache{
		Store: store,
		hot:   expirable.NewLRU[string, Entry](size, nil, ttl),
		now:   time.Now,
	}
}

// Get serves key from the hot tier when possible.
func (cache *HotCache) Get(ctx context.Context, key string) (Entry, error) {
	if entry, ok := cache.hot.Get(key); ok {
		if !Expired(entry.ExpiresAt, cache.now()) {
			return entry, nil
		}

		cache.hot.Remove(key)
	}

	entry, err := cache.Store.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}

	cache.hot.Add(key, entry)
	return entry, nil
}

// Set writes through to the underlying Store.
func (cache *HotCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	entry, err := cache.Store.Set(ctx, key, value, ttl)
	if err != nil {
		cache.hot.Remove(key)
		return Entry{}, err
	}

	cache.hot.Add(key, entry)
	return entry, nil
}

// Batch writes through to the underlying Store.
func (cache *HotCache) Batch(ctx context.Context, writes []Write) ([]Entry, error) {
	entries, err := cache.Store.Batch(ctx, writes)
	if err != nil {
		for _, w := range writes {
			cache.hot.Remove(w.Key)
		}
		return nil, err
	}

	for _, entry := range entries {
		cache.hot.Add(entry.Key, entry)
	}

	return entries, nil
}

// Delete removes key from both tiers.
func (cache *HotCache) Delete(ctx context.Context, key string) error {
	cache.hot.Remove(key)
	return cache.Store.Delete(ctx, key)
}

// CompareAndSwap always consults the underlying Store.
func (cache *HotCache) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (Entry, error) {
	entry, err := cache.Store.CompareAndSwap(ctx, key, version, value, ttl)
	if err != nil {
		cache.hot.Remove(key)
		return Entry{}, err
	}

	cache.hot.Add(key, entry)
	return entry, nil
}

// CompareAndDelete always consults the underlying Store.
func (cache *HotCache) CompareAndDelete(ctx context.Context, key string, version int64) error {
	cache.hot.Remove(key)
	return cache.Store.CompareAndDelete(ctx, key, version)
}

// Purge empties the hot tier.
func (cache *HotCache) Purge() {
	cache.hot.Purge()
}
