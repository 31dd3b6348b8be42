package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
	"go.uber.org/zap"
)

func TestOpenStore(t *testing.T) {
	type test struct {
		backend string
		purges  bool
	}

	var testCases = []test{
		{backend: "memory", purges: false},
		{backend: "sqlite", purges: true},
		{backend: "bolt", purges: true},
	}

	for _, tc := range testCases {
		t.Run(tc.backend, func(t *testing.T) {
			store, err := openStore(StoreConfig{
				Backend: tc.backend,
				Path:    filepath.Join(t.TempDir(), "store.db"),
			})
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()

			if _, ok := store.(purger); ok != tc.purges {
				t.Errorf("expected purger %v, got %v", tc.purges, ok)
			}

			if _, err := store.Get(context.Background(), "missing"); err == nil {
				t.Errorf("expected an error for a missing key")
			}
		})
	}

	if _, err := openStore(StoreConfig{Backend: "redis"}); err == nil {
		t.Errorf("expected an error for an unknown backend")
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := every(ctx, time.Millisecond, func(ctx context.Context) {
		calls++
		if calls == 3 {
			cancel()
		}
	})

	if err != nil {
		t.Fatal(err)
	}

	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	// disabled
	if err := every(context.Background(), 0, func(ctx context.Context) {
		t.Errorf("disabled job ran")
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRecordChanges(t *testing.T) {
	hook := recordChanges(zap.NewNop())

	diff := drivecache.Difference{
		Added: []ds.Item{{ID: "A"}},
	}

	if err := hook("folder", diff); err != nil {
		t.Errorf("hook should never fail: %v", err)
	}
}
