// Package memory provides an in-process implementation of a drivecache Store.
// Nothing survives a restart, which makes it fit for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	ds "github.com/m-rots/drivecache/datastore"
)

// Option configures the memory Store.
type Option func(*Datastore)

// WithClock sets the clock used to evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(store *Datastore) {
		store.now = now
	}
}

// New returns an empty memory Store.
func New(opts ...Option) *Datastore {
	store := &Datastore{
		entries: make(map[string]ds.Entry),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Datastore is a map guarded by a mutex
// and implements the drivecache Store interface.
type Datastore struct {
	mu      sync.Mutex
	entries map[string]ds.Entry
	seq     int64
	now     func() time.Time
}

// live returns the entry of key when it exists and has not expired.
// The caller must hold the lock.
func (store *Datastore) live(key string) (ds.Entry, bool) {
	entry, ok := store.entries[key]
	if !ok {
		return ds.Entry{}, false
	}

	if ds.Expired(entry.ExpiresAt, store.now()) {
		delete(store.entries, key)
		return ds.Entry{}, false
	}

	return entry, true
}

// put writes the value with a fresh version. The caller must hold the lock.
func (store *Datastore) put(key string, value []byte, ttl time.Duration) ds.Entry {
	store.seq++

	entry := ds.Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   store.seq,
		ExpiresAt: ds.Expiry(store.now(), ttl),
	}

	store.entries[key] = entry
	return entry
}

// Get returns the live entry of key.
func (store *Datastore) Get(ctx context.Context, key string) (ds.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.live(key)
	if !ok {
		return ds.Entry{}, ds.ErrNotFound
	}

	return entry, nil
}

// Set unconditionally writes the value.
func (store *Datastore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ds.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.put(key, value, ttl), nil
}

// Batch writes all values while holding the lock.
func (store *Datastore) Batch(ctx context.Context, writes []ds.Write) ([]ds.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entries := make([]ds.Entry, 0, len(writes))
	for _, w := range writes {
		entries = append(entries, store.put(w.Key, w.Value, w.TTL))
	}

	return entries, nil
}

// Delete removes key.
func (store *Datastore) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.entries, key)
	return nil
}

// CompareAndSwap writes the value when the live version of key matches version.
func (store *Datastore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (ds.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.live(key)
	switch {
	case version == 0 && ok:
		return ds.Entry{}, ds.ErrConflict
	case version != 0 && (!ok || entry.Version != version):
		return ds.Entry{}, ds.ErrConflict
	}

	return store.put(key, value, ttl), nil
}

// CompareAndDelete removes key when its live version matches version.
func (store *Datastore) CompareAndDelete(ctx context.Context, key string, version int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.live(key)
	if !ok || entry.Version != version {
		return ds.ErrConflict
	}

	delete(store.entries, key)
	return nil
}

// Scan returns the live entries with the given prefix in key order.
func (store *Datastore) Scan(ctx context.Context, prefix string) ([]ds.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var entries []ds.Entry
	for key := range store.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		if entry, ok := store.live(key); ok {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	return entries, nil
}

// Close is a no-op.
func (store *Datastore) Close() error {
	return nil
}
