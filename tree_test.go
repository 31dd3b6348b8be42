package drivecache_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
)

func TestGetChildrenCache(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.drive.AddFile("A", "a.txt", sourceRoot)

	type step struct {
		name    string
		advance time.Duration
		refresh bool
		calls   int
	}

	var steps = []step{
		{name: "miss", calls: 1},
		{name: "hit", calls: 1},
		{name: "refresh", refresh: true, calls: 2},
		{name: "hit after refresh", advance: 39 * time.Minute, calls: 2},
		{name: "expired", advance: 2 * time.Minute, calls: 3},
	}

	for _, s := range steps {
		f.clock.Advance(s.advance)

		items, err := f.cache.GetChildren(ctx, sourceRoot, s.refresh)
		if err != nil {
			t.Fatalf("%v: %v", s.name, err)
		}

		if !reflect.DeepEqual(ids(items), []string{"A"}) {
			t.Errorf("%v: unexpected children %v", s.name, ids(items))
		}

		if calls := f.drive.Calls("ListChildren"); calls != s.calls {
			t.Errorf("%v: expected %d remote listings, got %d", s.name, s.calls, calls)
		}
	}
}

func TestGetChildrenOrder(t *testing.T) {
	f := setupTest(t)

	f.drive.AddFile("f-cherry", "cherry", sourceRoot)
	f.drive.AddFile("f-banana", "Banana", sourceRoot)
	f.drive.AddFolder("d-zeta", "zeta", sourceRoot)
	f.drive.AddFile("f-apple", "apple", sourceRoot)
	f.drive.AddFile("f-dup-2", "dup", sourceRoot)
	f.drive.AddFolder("d-alpha", "alpha", sourceRoot)
	f.drive.AddFile("f-dup-1", "dup", sourceRoot)

	expected := []string{"d-alpha", "d-zeta", "f-apple", "f-banana", "f-cherry", "f-dup-1", "f-dup-2"}

	for _, refresh := range []bool{true, false} {
		items, err := f.cache.GetChildren(context.Background(), sourceRoot, refresh)
		if err != nil {
			t.Fatal(err)
		}

		if !reflect.DeepEqual(ids(items), expected) {
			t.Log(ids(items))
			t.Log(expected)
			t.Errorf("order does not match (refresh: %v)", refresh)
		}
	}
}

func TestGetChildrenPartialCache(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.drive.AddFile("A", "a.txt", sourceRoot)
	f.drive.AddFile("B", "b.txt", sourceRoot)

	if _, err := f.cache.GetChildren(ctx, sourceRoot, false); err != nil {
		t.Fatal(err)
	}

	// An index pointing at a missing item is a miss.
	if err := f.store.Delete(ctx, "item/B"); err != nil {
		t.Fatal(err)
	}

	items, err := f.cache.GetChildren(ctx, sourceRoot, false)
	if err != nil {
		t.Fatal(err)
	}

	if len(items) != 2 {
		t.Errorf("expected 2 children, got %v", ids(items))
	}

	if calls := f.drive.Calls("ListChildren"); calls != 2 {
		t.Errorf("expected the partial listing to be refetched, got %d listings", calls)
	}
}

func TestGetChildrenRemoteError(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.drive.AddFile("A", "a.txt", sourceRoot)

	if _, err := f.cache.GetChildren(ctx, sourceRoot, false); err != nil {
		t.Fatal(err)
	}

	f.drive.AddFile("B", "b.txt", sourceRoot)
	f.drive.FailNext("ListChildren", fmt.Errorf("boom: %w", drivecache.ErrNetwork))

	if _, err := f.cache.GetChildren(ctx, sourceRoot, true); !errors.Is(err, drivecache.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}

	// The failed refresh left the cache untouched.
	items, err := f.cache.GetChildren(ctx, sourceRoot, false)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(ids(items), []string{"A"}) {
		t.Errorf("cache was modified by a failed refresh: %v", ids(items))
	}
}

func TestGetChildrenSharedRefresh(t *testing.T) {
	f := setupTest(t)
	f.drive.Latency = 100 * time.Millisecond
	f.drive.AddFile("A", "a.txt", sourceRoot)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			items, err := f.cache.GetChildren(context.Background(), sourceRoot, true)
			if err != nil {
				t.Error(err)
				return
			}

			// Every caller owns its result.
			items[0].Name = "mutated"
		}()
	}
	wg.Wait()

	if calls := f.drive.Calls("ListChildren"); calls != 1 {
		t.Errorf("expected a single shared listing, got %d", calls)
	}

	items, err := f.cache.GetChildren(context.Background(), sourceRoot, false)
	if err != nil {
		t.Fatal(err)
	}

	if items[0].Name != "a.txt" {
		t.Errorf("cached item was mutated by a caller")
	}
}

func TestGetChildrenCancelledCaller(t *testing.T) {
	g, wrap := gate(sourceRoot)
	f := setupRemote(t, wrap)
	f.drive.AddFile("A", "a.txt", sourceRoot)

	ctx, cancel := context.WithCancel(context.Background())

	first := make(chan error)
	go func() {
		_, err := f.cache.GetChildren(ctx, sourceRoot, true)
		first <- err
	}()
	<-g.listed

	second := make(chan []ds.Item)
	go func() {
		items, err := f.cache.GetChildren(context.Background(), sourceRoot, true)
		if err != nil {
			t.Error(err)
		}
		second <- items
	}()

	// Give the second caller time to join the held listing.
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancelled caller to stop waiting, got %v", err)
	}

	close(g.release)
	if items := <-second; !reflect.DeepEqual(ids(items), []string{"A"}) {
		t.Errorf("unexpected listing: %v", ids(items))
	}

	listings := f.drive.Calls("ListChildren")
	if _, err := f.cache.GetChildren(context.Background(), sourceRoot, false); err != nil {
		t.Fatal(err)
	}

	if calls := f.drive.Calls("ListChildren"); calls != listings {
		t.Errorf("shared listing was not cached")
	}
}

func TestGetTree(t *testing.T) {
	f := setupTest(t, drivecache.WithConcurrency(2))
	f.drive.Latency = 10 * time.Millisecond

	f.drive.AddFolder("A", "a", sourceRoot)
	f.drive.AddFolder("B", "b", sourceRoot)
	f.drive.AddFile("Z", "z", sourceRoot)
	f.drive.AddFolder("AA", "aa", "A")
	f.drive.AddFile("AZ", "az", "A")
	f.drive.AddFile("AAZ", "aaz", "AA")
	f.drive.AddFolder("BA", "ba", "B")
	f.drive.AddFolder("BB", "bb", "B")
	f.drive.AddFolder("BC", "bc", "B")

	items, err := f.cache.GetTree(context.Background(), sourceRoot)
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"A", "B", "Z", "AA", "AZ", "AAZ", "BA", "BB", "BC"}
	if !reflect.DeepEqual(ids(items), expected) {
		t.Log(ids(items))
		t.Log(expected)
		t.Errorf("tree does not match")
	}

	if inflight := f.drive.MaxInflight(); inflight > 2 {
		t.Errorf("expected at most 2 concurrent listings, got %d", inflight)
	}
}

func TestAncestors(t *testing.T) {
	type test struct {
		name   string
		folder string
		chain  []string
	}

	var testCases = []test{
		{name: "leaf", folder: "L3", chain: []string{"L1", "L2", "L3"}},
		{name: "middle", folder: "L2", chain: []string{"L1", "L2"}},
		{name: "source root", folder: sourceRoot, chain: nil},
		{name: "too deep", folder: "L5", chain: []string{"L2", "L3", "L4", "L5"}},
		{name: "outside", folder: "X", chain: []string{"X"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupTest(t)
			f.hierarchy()
			f.drive.AddFolder("L4", "deeper", "L3")
			f.drive.AddFolder("L5", "deepest", "L4")
			f.drive.AddFolder("X", "outside", "")

			chain, err := f.cache.Ancestors(context.Background(), tc.folder)
			if err != nil {
				t.Fatal(err)
			}

			if !reflect.DeepEqual(ids(chain), tc.chain) {
				t.Log(ids(chain))
				t.Log(tc.chain)
				t.Errorf("chain does not match")
			}
		})
	}
}

func TestAncestorsCached(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.hierarchy()

	if _, err := f.cache.Ancestors(ctx, "L3"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.cache.Ancestors(ctx, "L3"); err != nil {
		t.Fatal(err)
	}

	if calls := f.drive.Calls("GetItem"); calls != 3 {
		t.Errorf("expected 3 remote lookups, got %d", calls)
	}
}

func TestHooks(t *testing.T) {
	ctx := context.Background()

	var folders []string
	var diffs []drivecache.Difference

	hook := func(folderID string, diff drivecache.Difference) error {
		folders = append(folders, folderID)
		diffs = append(diffs, diff)
		return nil
	}

	f := setupTest(t, drivecache.WithHooks(hook))
	a := f.drive.AddFile("A", "a.txt", sourceRoot)
	b := f.drive.AddFile("B", "b.txt", sourceRoot)

	if _, err := f.cache.GetChildren(ctx, sourceRoot, false); err != nil {
		t.Fatal(err)
	}

	f.drive.Rename("A", "renamed.txt")
	f.drive.Remove("B")
	c := f.drive.AddFile("C", "c.txt", sourceRoot)

	if _, err := f.cache.GetChildren(ctx, sourceRoot, true); err != nil {
		t.Fatal(err)
	}

	renamed := a
	renamed.Name = "renamed.txt"

	expected := []drivecache.Difference{
		{Added: []ds.Item{a, b}},
		{Added: []ds.Item{c}, Changed: []ds.Item{renamed}, Removed: []ds.Item{b}},
	}

	if !reflect.DeepEqual(diffs, expected) {
		t.Log(diffs)
		t.Log(expected)
		t.Errorf("differences do not match")
	}

	if !reflect.DeepEqual(folders, []string{sourceRoot, sourceRoot}) {
		t.Errorf("unexpected folders: %v", folders)
	}
}

func TestHookAbortsRefresh(t *testing.T) {
	ctx := context.Background()
	errHook := errors.New("hook failed")

	f := setupTest(t, drivecache.WithHooks(func(string, drivecache.Difference) error {
		return errHook
	}))
	f.drive.AddFile("A", "a.txt", sourceRoot)

	if _, err := f.cache.GetChildren(ctx, sourceRoot, false); !errors.Is(err, errHook) {
		t.Fatalf("expected the hook error, got %v", err)
	}

	if _, err := f.store.Get(ctx, "children/"+sourceRoot); !errors.Is(err, ds.ErrNotFound) {
		t.Errorf("aborted refresh was cached")
	}
}
