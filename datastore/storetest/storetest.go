// Package storetest provides the behavioural test suite every drivecache Store must pass.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	ds "github.com/m-rots/drivecache/datastore"
)

// Factory returns a fresh, empty Store together with a function advancing its clock.
type Factory func(t *testing.T) (ds.Store, func(time.Duration))

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("get missing", func(t *testing.T) { testGetMissing(t, newStore) })
	t.Run("set and get", func(t *testing.T) { testSetGet(t, newStore) })
	t.Run("expiry", func(t *testing.T) { testExpiry(t, newStore) })
	t.Run("compare and swap", func(t *testing.T) { testCompareAndSwap(t, newStore) })
	t.Run("compare and delete", func(t *testing.T) { testCompareAndDelete(t, newStore) })
	t.Run("versions are never reused", func(t *testing.T) { testVersionReuse(t, newStore) })
	t.Run("batch", func(t *testing.T) { testBatch(t, newStore) })
	t.Run("scan", func(t *testing.T) { testScan(t, newStore) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore) })
}

func testGetMissing(t *testing.T, newStore Factory) {
	store, _ := newStore(t)
	defer store.Close()

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ds.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSetGet(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	set, err := store.Set(ctx, "item/A", []byte(`{"id":"A"}`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "item/A")
	if err != nil {
		t.Fatal(err)
	}

	if string(got.Value) != `{"id":"A"}` || got.Version != set.Version || got.Key != "item/A" {
		t.Log(got)
		t.Log(set)
		t.Errorf("entry does not match the written entry")
	}

	if set.Version == 0 {
		t.Errorf("version must not be zero")
	}
}

func testExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, advance := newStore(t)
	defer store.Close()

	if _, err := store.Set(ctx, "short", []byte("1"), time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Set(ctx, "forever", []byte("2"), 0); err != nil {
		t.Fatal(err)
	}

	advance(2 * time.Minute)

	if _, err := store.Get(ctx, "short"); !errors.Is(err, ds.ErrNotFound) {
		t.Errorf("expired entry is still readable: %v", err)
	}

	if _, err := store.Get(ctx, "forever"); err != nil {
		t.Errorf("entry without ttl expired: %v", err)
	}

	entries, err := store.Scan(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 || entries[0].Key != "forever" {
		t.Log(entries)
		t.Errorf("scan returned expired entries")
	}

	// An expired key behaves like an absent key for version 0 inserts.
	if _, err := store.CompareAndSwap(ctx, "short", 0, []byte("3"), 0); err != nil {
		t.Errorf("insert over expired key failed: %v", err)
	}
}

func testCompareAndSwap(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	first, err := store.CompareAndSwap(ctx, "key", 0, []byte("1"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.CompareAndSwap(ctx, "key", 0, []byte("x"), 0); !errors.Is(err, ds.ErrConflict) {
		t.Errorf("insert over existing key: expected ErrConflict, got %v", err)
	}

	second, err := store.CompareAndSwap(ctx, "key", first.Version, []byte("2"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if second.Version == first.Version {
		t.Errorf("version did not change after a write")
	}

	if _, err := store.CompareAndSwap(ctx, "key", first.Version, []byte("x"), 0); !errors.Is(err, ds.ErrConflict) {
		t.Errorf("stale version: expected ErrConflict, got %v", err)
	}

	if _, err := store.CompareAndSwap(ctx, "absent", 42, []byte("x"), 0); !errors.Is(err, ds.ErrConflict) {
		t.Errorf("absent key with version: expected ErrConflict, got %v", err)
	}

	got, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}

	if string(got.Value) != "2" {
		t.Errorf("expected value 2, got %s", got.Value)
	}
}

func testCompareAndDelete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	entry, err := store.Set(ctx, "key", []byte("1"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.CompareAndDelete(ctx, "key", entry.Version+1000); !errors.Is(err, ds.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	if err := store.CompareAndDelete(ctx, "key", entry.Version); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, "key"); !errors.Is(err, ds.ErrNotFound) {
		t.Errorf("key survived CompareAndDelete")
	}

	if err := store.CompareAndDelete(ctx, "key", entry.Version); !errors.Is(err, ds.ErrConflict) {
		t.Errorf("delete of absent key: expected ErrConflict, got %v", err)
	}
}

func testVersionReuse(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	first, err := store.Set(ctx, "key", []byte("1"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatal(err)
	}

	second, err := store.Set(ctx, "key", []byte("1"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if first.Version == second.Version {
		t.Fatalf("version %d reused after delete", first.Version)
	}

	if _, err := store.CompareAndSwap(ctx, "key", first.Version, []byte("2"), 0); !errors.Is(err, ds.ErrConflict) {
		t.Errorf("version of deleted key was accepted")
	}
}

func testBatch(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	writes := []ds.Write{
		{Key: "item/A", Value: []byte("A"), TTL: time.Minute},
		{Key: "item/B", Value: []byte("B"), TTL: time.Minute},
		{Key: "children/Z", Value: []byte(`["A","B"]`), TTL: time.Minute},
	}

	entries, err := store.Batch(ctx, writes)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != len(writes) {
		t.Fatalf("expected %d entries, got %d", len(writes), len(entries))
	}

	for i, w := range writes {
		got, err := store.Get(ctx, w.Key)
		if err != nil {
			t.Fatalf("%v: %v", w.Key, err)
		}

		if !reflect.DeepEqual(got, entries[i]) {
			t.Log(got)
			t.Log(entries[i])
			t.Errorf("%v: stored entry does not match the returned entry", w.Key)
		}
	}
}

func testScan(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	for _, key := range []string{"queue/a/3", "queue/a/1", "queue/b/1", "queue/a/2", "item/A"} {
		if _, err := store.Set(ctx, key, []byte(key), 0); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.Scan(ctx, "queue/a/")
	if err != nil {
		t.Fatal(err)
	}

	var keys []string
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}

	expected := []string{"queue/a/1", "queue/a/2", "queue/a/3"}
	if !reflect.DeepEqual(keys, expected) {
		t.Log(keys)
		t.Log(expected)
		t.Errorf("scan keys do not match")
	}
}

func testDelete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)
	defer store.Close()

	if err := store.Delete(ctx, "absent"); err != nil {
		t.Errorf("deleting an absent key: %v", err)
	}

	if _, err := store.Set(ctx, "key", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, "key"); !errors.Is(err, ds.ErrNotFound) {
		t.Errorf("key survived Delete")
	}
}
