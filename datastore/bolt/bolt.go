// Package bolt provides a drivecache Store on top of an embedded bbolt database.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ds "github.com/m-rots/drivecache/datastore"
	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Option configures the bbolt Store.
type Option func(*Datastore)

// WithClock sets the clock used to evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(store *Datastore) {
		store.now = now
	}
}

// New opens (or creates) the bbolt database at path.
func New(path string, opts ...Option) (*Datastore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open: %w", ds.ErrDatabase)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bucket: %w", ds.ErrDatabase)
	}

	store := &Datastore{
		DB:  db,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// Datastore holds the bbolt database
// and implements the drivecache Store interface.
type Datastore struct {
	DB  *bbolt.DB
	now func() time.Time
}

// record is the on-disk representation of an entry.
type record struct {
	Value   []byte `json:"v"`
	Version int64  `json:"ver"`
	Expires int64  `json:"exp,omitempty"`
}

func (r record) entry(key string) ds.Entry {
	entry := ds.Entry{
		Key:     key,
		Value:   r.Value,
		Version: r.Version,
	}

	if r.Expires != 0 {
		entry.ExpiresAt = time.Unix(0, r.Expires)
	}

	return entry
}

func (r record) live(now time.Time) bool {
	return r.Expires == 0 || r.Expires > now.UnixNano()
}

// load decodes the record of key. ok is false when the key is absent or expired.
func (store *Datastore) load(b *bbolt.Bucket, key string) (record, bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return record{}, false, nil
	}

	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return record{}, false, fmt.Errorf("decode %v: %w", key, ds.ErrDatabase)
	}

	return r, r.live(store.now()), nil
}

// put writes the value with the next sequence of the bucket.
func (store *Datastore) put(b *bbolt.Bucket, key string, value []byte, ttl time.Duration) (ds.Entry, error) {
	version, err := b.NextSequence()
	if err != nil {
		return ds.Entry{}, fmt.Errorf("sequence: %w", ds.ErrDatabase)
	}

	r := record{
		Value:   value,
		Version: int64(version),
	}

	if at := ds.Expiry(store.now(), ttl); !at.IsZero() {
		r.Expires = at.UnixNano()
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return ds.Entry{}, fmt.Errorf("encode %v: %w", key, ds.ErrDatabase)
	}

	if err := b.Put([]byte(key), raw); err != nil {
		return ds.Entry{}, fmt.Errorf("%v: %w", key, ds.ErrDatabase)
	}

	return r.entry(key), nil
}

// Get returns the live entry of key.
func (store *Datastore) Get(ctx context.Context, key string) (ds.Entry, error) {
	var entry ds.Entry

	err := store.DB.View(func(tx *bbolt.Tx) error {
		r, ok, err := store.load(tx.Bucket(bucketEntries), key)
		if err != nil {
			return err
		}

		if !ok {
			return ds.ErrNotFound
		}

		entry = r.entry(key)
		return nil
	})

	return entry, err
}

// Set unconditionally writes the value.
func (store *Datastore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ds.Entry, error) {
	var entry ds.Entry

	err := store.DB.Update(func(tx *bbolt.Tx) (err error) {
		entry, err = store.put(tx.Bucket(bucketEntries), key, value, ttl)
		return err
	})

	return entry, err
}

// Batch writes all values within one transaction.
func (store *Datastore) Batch(ctx context.Context, writes []ds.Write) ([]ds.Entry, error) {
	var entries []ds.Entry

	err := store.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		for _, w := range writes {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("batch: %w", ds.ErrDatabase)
			}

			entry, err := store.put(b, w.Key, w.Value, w.TTL)
			if err != nil {
				return err
			}

			entries = append(entries, entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Delete removes key.
func (store *Datastore) Delete(ctx context.Context, key string) error {
	return store.DB.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Delete([]byte(key)); err != nil {
			return fmt.Errorf("%v: %w", key, ds.ErrDatabase)
		}

		return nil
	})
}

// CompareAndSwap writes the value when the live version of key matches version.
func (store *Datastore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (ds.Entry, error) {
	var entry ds.Entry

	err := store.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		r, ok, err := store.load(b, key)
		if err != nil {
			return err
		}

		var current int64
		if ok {
			current = r.Version
		}

		if current != version {
			return ds.ErrConflict
		}

		entry, err = store.put(b, key, value, ttl)
		return err
	})

	return entry, err
}

// CompareAndDelete removes key when its live version matches version.
func (store *Datastore) CompareAndDelete(ctx context.Context, key string, version int64) error {
	return store.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		r, ok, err := store.load(b, key)
		if err != nil {
			return err
		}

		if !ok || r.Version != version {
			return ds.ErrConflict
		}

		if err := b.Delete([]byte(key)); err != nil {
			return fmt.Errorf("%v: %w", key, ds.ErrDatabase)
		}

		return nil
	})
}

// Scan returns the live entries with the given prefix in key order.
func (store *Datastore) Scan(ctx context.Context, prefix string) ([]ds.Entry, error) {
	var entries []ds.Entry
	now := store.now()

	err := store.DB.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s: %w", k, ds.ErrDatabase)
			}

			if r.live(now) {
				entries = append(entries, r.entry(string(k)))
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Purge removes all expired entries and returns how many were removed.
func (store *Datastore) Purge(ctx context.Context) (int64, error) {
	var purged int64
	now := store.now()

	err := store.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil || !r.live(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("purge: %w", ds.ErrDatabase)
			}
			purged++
		}

		return nil
	})

	return purged, err
}

// Close closes the database.
func (store *Datastore) Close() error {
	if err := store.DB.Close(); err != nil && !errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return err
	}

	return nil
}
