package drivecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// hierarchyDepth is the number of folder levels below the source root
// which are mirrored into the destination root.
const hierarchyDepth = 3

func (cache *Cache) movesEnabled() bool {
	return cache.sourceRoot != "" && cache.destinationRoot != ""
}

// inScope reports whether chain is a complete ancestor chain below the source root.
func (cache *Cache) inScope(chain []ds.Item) bool {
	return cache.movesEnabled() && len(chain) == hierarchyDepth && chain[0].Parent() == cache.sourceRoot
}

// DoMove moves the files of the innermost folder of chain into the destination hierarchy.
//
// The chain is mirrored below the destination root, after which every file is renamed
// to carry the names of the chain (L1-L2-L3-name) and moved into the mirrored leaf.
// Calls with a chain outside of the source hierarchy are a no-op. Folders are never moved.
//
// The listings of both leaves are refreshed afterwards, also when a move failed.
// The number of moved files is returned.
func (cache *Cache) DoMove(ctx context.Context, items []ds.Item, chain []ds.Item) (int, error) {
	if !cache.inScope(chain) {
		return 0, nil
	}

	var files []ds.Item
	for _, item := range items {
		if !item.IsFolder() {
			files = append(files, item)
		}
	}

	if len(files) == 0 {
		return 0, nil
	}

	// The destination chain must exist before anything is moved.
	parentID := cache.destinationRoot
	names := make([]string, 0, len(chain))
	var target ds.Item

	for _, level := range chain {
		folder, err := cache.GetOrCreateFolder(ctx, parentID, level.Name)
		if err != nil {
			return 0, err
		}

		target = folder
		parentID = folder.ID
		names = append(names, level.Name)
	}

	source := chain[len(chain)-1]
	prefix := strings.Join(names, "-") + "-"

	var moved int64
	var g errgroup.Group
	g.SetLimit(cache.concurrency)

	for _, file := range files {
		file := file
		g.Go(func() error {
			name := prefix + file.Name

			if _, err := cache.remote.MoveAndRename(ctx, file.ID, source.ID, target.ID, name); err != nil {
				return fmt.Errorf("move %v: %w", file.ID, err)
			}

			atomic.AddInt64(&moved, 1)
			cache.log.Info("Moved file",
				zap.String("file", file.ID),
				zap.String("name", name),
				zap.String("from", source.ID),
				zap.String("to", target.ID),
			)

			return nil
		})
	}

	moveErr := g.Wait()

	_, sourceErr := cache.invalidate(ctx, source.ID)
	_, targetErr := cache.invalidate(ctx, target.ID)

	metrics.RecordFilesMoved(int(moved))
	return int(moved), errors.Join(moveErr, sourceErr, targetErr)
}

// GetOrCreateFolder returns the folder called name within the parent, creating it when needed.
//
// The cached listing is consulted first, then a fresh listing, and only then the folder
// is created. Concurrent calls for the same folder share a single execution, which
// keeps running when the caller that started it goes away.
func (cache *Cache) GetOrCreateFolder(ctx context.Context, parentID string, name string) (ds.Item, error) {
	ch := cache.folders.DoChan(parentID+"\x00"+name, func() (interface{}, error) {
		return cache.getOrCreateFolder(context.WithoutCancel(ctx), parentID, name)
	})

	select {
	case <-ctx.Done():
		return ds.Item{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ds.Item{}, res.Err
		}

		return res.Val.(ds.Item), nil
	}
}

func (cache *Cache) getOrCreateFolder(ctx context.Context, parentID string, name string) (ds.Item, error) {
	for _, refresh := range []bool{false, true} {
		children, err := cache.GetChildren(ctx, parentID, refresh)
		if err != nil {
			return ds.Item{}, err
		}

		if folder, ok := findFolder(children, name); ok {
			return folder, nil
		}
	}

	folder, err := cache.remote.CreateFolder(ctx, parentID, name)
	if err != nil {
		return ds.Item{}, err
	}

	// A listing of the parent which started before the creation would drop the folder.
	cache.mutated(parentID)

	if err := ds.SetJSON(ctx, cache.store, itemKey(folder.ID), folder, cache.itemTTL); err != nil {
		return ds.Item{}, err
	}

	_, err = ds.UpdateJSON(ctx, cache.store, childrenKey(parentID), cache.itemTTL, func(ids []string, exists bool) ([]string, error) {
		// Without a listing there is nothing to append to.
		if !exists {
			return nil, ds.ErrSkip
		}

		for _, id := range ids {
			if id == folder.ID {
				return nil, ds.ErrSkip
			}
		}

		return append(ids, folder.ID), nil
	})
	if err != nil {
		return ds.Item{}, err
	}

	cache.log.Info("Created folder",
		zap.String("folder", folder.ID),
		zap.String("name", name),
		zap.String("parent", parentID),
	)

	return folder, nil
}

func findFolder(items []ds.Item, name string) (ds.Item, bool) {
	for _, item := range items {
		if item.IsFolder() && item.Name == name {
			return item, true
		}
	}

	return ds.Item{}, false
}

func folders(items []ds.Item) []ds.Item {
	var out []ds.Item
	for _, item := range items {
		if item.IsFolder() {
			out = append(out, item)
		}
	}

	return out
}

// Sweep walks the complete source hierarchy and moves the files of every leaf folder.
//
// The first level is processed concurrently, deeper levels sequentially.
// The number of moved files is returned.
func (cache *Cache) Sweep(ctx context.Context) (int, error) {
	if !cache.movesEnabled() {
		return 0, nil
	}

	children, err := cache.GetChildren(ctx, cache.sourceRoot, true)
	if err != nil {
		return 0, err
	}

	var moved int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cache.concurrency)

	for _, l1 := range folders(children) {
		l1 := l1
		g.Go(func() error {
			n, err := cache.sweep(gctx, []ds.Item{l1})
			atomic.AddInt64(&moved, int64(n))
			return err
		})
	}

	err = g.Wait()
	cache.log.Info("Swept source hierarchy", zap.Int64("moved", moved), zap.Error(err))

	return int(moved), err
}

// sweep descends into the last folder of chain until the chain is complete.
func (cache *Cache) sweep(ctx context.Context, chain []ds.Item) (int, error) {
	leaf := chain[len(chain)-1]

	children, err := cache.GetChildren(ctx, leaf.ID, true)
	if err != nil {
		return 0, err
	}

	if len(chain) == hierarchyDepth {
		return cache.DoMove(ctx, children, chain)
	}

	var moved int
	for _, folder := range folders(children) {
		next := append(append([]ds.Item(nil), chain...), folder)

		n, err := cache.sweep(ctx, next)
		moved += n
		if err != nil {
			return moved, err
		}
	}

	return moved, nil
}
