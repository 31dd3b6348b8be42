package drivecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// maxAncestorHops bounds the walk up the folder hierarchy.
const maxAncestorHops = 4

// GetChildren returns the children of a folder.
//
// The cached listing is returned unless refresh is set or the listing is no longer
// (completely) cached, in which case the folder is listed remotely and cached.
// Concurrent refreshes of the same folder share a single remote call.
func (cache *Cache) GetChildren(ctx context.Context, folderID string, refresh bool) ([]ds.Item, error) {
	if !refresh {
		items, ok, err := cache.cachedChildren(ctx, folderID)
		if err != nil {
			return nil, err
		}

		metrics.RecordCacheLookup(ok)
		if ok {
			return items, nil
		}
	}

	return cache.refresh(ctx, folderID)
}

// cachedChildren reads the children index and all of its items.
// ok is false when the index or any of its items is missing.
func (cache *Cache) cachedChildren(ctx context.Context, folderID string) ([]ds.Item, bool, error) {
	var ids []string

	err := ds.GetJSON(ctx, cache.store, childrenKey(folderID), &ids)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	items := make([]ds.Item, 0, len(ids))
	for _, id := range ids {
		var item ds.Item

		err := ds.GetJSON(ctx, cache.store, itemKey(id), &item)
		if errors.Is(err, ds.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}

		items = append(items, item)
	}

	return items, true, nil
}

// refresh lists the folder remotely and replaces the cached listing.
//
// Concurrent refreshes of a folder share a single listing, which keeps running
// when the caller that started it goes away. A caller stops waiting once its
// own ctx is done.
func (cache *Cache) refresh(ctx context.Context, folderID string) ([]ds.Item, error) {
	ch := cache.listings.DoChan(folderID, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		gen := cache.generation(folderID)

		items, err := cache.remote.ListChildren(ctx, folderID)
		if err != nil {
			return nil, err
		}

		sortItems(items)

		stored, err := cache.storeListing(ctx, folderID, gen, items)
		if err != nil {
			return nil, err
		}

		cache.log.Debug("Refreshed folder",
			zap.String("folder", folderID),
			zap.Int("children", len(items)),
			zap.Bool("stored", stored),
		)

		return items, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		// Every caller receives its own copy of the shared result.
		items := res.Val.([]ds.Item)
		return append([]ds.Item(nil), items...), nil
	}
}

// invalidate refreshes a folder which is known to have changed, either
// through the caller or according to a notification.
//
// It never joins a listing which started before the mutation,
// and such a listing will not overwrite the cache either.
func (cache *Cache) invalidate(ctx context.Context, folderID string) ([]ds.Item, error) {
	cache.mutated(folderID)
	return cache.refresh(ctx, folderID)
}

// mutated marks every listing of folderID which is in flight as stale.
func (cache *Cache) mutated(folderID string) {
	cache.genMu.Lock()
	cache.generations[folderID]++
	cache.genMu.Unlock()

	cache.listings.Forget(folderID)
}

func (cache *Cache) generation(folderID string) uint64 {
	cache.genMu.Lock()
	defer cache.genMu.Unlock()

	return cache.generations[folderID]
}

// storeListing runs the hooks and caches the listing, unless the folder was
// mutated after the listing started. It reports whether the listing was stored.
func (cache *Cache) storeListing(ctx context.Context, folderID string, gen uint64, items []ds.Item) (bool, error) {
	cache.genMu.Lock()
	defer cache.genMu.Unlock()

	if cache.generations[folderID] != gen {
		return false, nil
	}

	if err := cache.runHooks(ctx, folderID, items); err != nil {
		return false, err
	}

	if err := cache.storeChildren(ctx, folderID, items); err != nil {
		return false, err
	}

	return true, nil
}

// storeChildren writes the items and the children index in a single batch.
func (cache *Cache) storeChildren(ctx context.Context, folderID string, items []ds.Item) error {
	writes := make([]ds.Write, 0, len(items)+1)
	ids := make([]string, 0, len(items))

	for _, item := range items {
		value, err := encode(item)
		if err != nil {
			return err
		}

		writes = append(writes, ds.Write{Key: itemKey(item.ID), Value: value, TTL: cache.itemTTL})
		ids = append(ids, item.ID)
	}

	index, err := encode(ids)
	if err != nil {
		return err
	}

	writes = append(writes, ds.Write{Key: childrenKey(folderID), Value: index, TTL: cache.itemTTL})

	_, err = cache.store.Batch(ctx, writes)
	return err
}

func encode(v interface{}) ([]byte, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	return value, nil
}

func (cache *Cache) runHooks(ctx context.Context, folderID string, items []ds.Item) error {
	if len(cache.hooks) == 0 {
		return nil
	}

	old, _, err := cache.cachedChildren(ctx, folderID)
	if err != nil {
		return err
	}

	diff := difference(old, items)
	for _, hk := range cache.hooks {
		if err := hk(folderID, diff); err != nil {
			return err
		}
	}

	return nil
}

// sortItems orders folders before files, then by name and finally by id.
//
// Names are compared with the root locale collation first and by bytes when the
// collation considers them equal, which makes the order total and deterministic.
func sortItems(items []ds.Item) {
	// A Collator is not safe for concurrent use.
	col := collate.New(language.Und)

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]

		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}

		if c := col.CompareString(a.Name, b.Name); c != 0 {
			return c < 0
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.ID < b.ID
	})
}

// GetTree returns every descendant of a folder, depth-first:
// the children of the folder followed by the subtree of each child folder in order.
func (cache *Cache) GetTree(ctx context.Context, folderID string) ([]ds.Item, error) {
	sem := semaphore.NewWeighted(int64(cache.concurrency))
	return cache.tree(ctx, sem, folderID)
}

func (cache *Cache) tree(ctx context.Context, sem *semaphore.Weighted, folderID string) ([]ds.Item, error) {
	// Only the listing holds the semaphore, the recursion must not.
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	children, err := cache.GetChildren(ctx, folderID, false)
	sem.Release(1)

	if err != nil {
		return nil, err
	}

	subtrees := make([][]ds.Item, len(children))
	g, gctx := errgroup.WithContext(ctx)

	for i, child := range children {
		if !child.IsFolder() {
			continue
		}

		i, child := i, child
		g.Go(func() error {
			subtree, err := cache.tree(gctx, sem, child.ID)
			if err != nil {
				return err
			}

			subtrees[i] = subtree
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := append([]ds.Item(nil), children...)
	for _, subtree := range subtrees {
		items = append(items, subtree...)
	}

	return items, nil
}

// Item returns a single file or folder, from the cache when possible.
func (cache *Cache) Item(ctx context.Context, id string) (ds.Item, error) {
	var item ds.Item

	err := ds.GetJSON(ctx, cache.store, itemKey(id), &item)
	if err == nil {
		return item, nil
	}

	if !errors.Is(err, ds.ErrNotFound) {
		return ds.Item{}, err
	}

	item, err = cache.remote.GetItem(ctx, id)
	if err != nil {
		return ds.Item{}, err
	}

	if err := ds.SetJSON(ctx, cache.store, itemKey(id), item, cache.itemTTL); err != nil {
		return ds.Item{}, err
	}

	return item, nil
}

// Ancestors returns the ancestor chain of a folder, outermost first.
//
// The chain starts at the folder itself and walks up until the source root,
// which is not part of the chain. At most four folders are walked, so a folder
// deeper than that yields a chain which does not start below the source root.
func (cache *Cache) Ancestors(ctx context.Context, folderID string) ([]ds.Item, error) {
	var chain []ds.Item

	id := folderID
	for hop := 0; hop < maxAncestorHops; hop++ {
		if id == "" || id == cache.sourceRoot {
			break
		}

		item, err := cache.Item(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ancestor %v: %w", id, err)
		}

		chain = append([]ds.Item{item}, chain...)
		id = item.Parent()
	}

	return chain, nil
}

// Update refreshes a folder and reconciles it.
//
// When the folder is a leaf of the source hierarchy, its files are moved
// into the destination hierarchy. The number of moved files is returned.
func (cache *Cache) Update(ctx context.Context, folderID string) (int, error) {
	children, err := cache.invalidate(ctx, folderID)
	if err != nil {
		return 0, err
	}

	if !cache.movesEnabled() {
		return 0, nil
	}

	chain, err := cache.Ancestors(ctx, folderID)
	if err != nil {
		return 0, err
	}

	return cache.DoMove(ctx, children, chain)
}
