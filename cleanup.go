package drivecache

import (
	"context"
	"errors"
	"sync/atomic"

	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// RemoveEmptyFolders trashes every folder below rootID which contains nothing but
// (recursively) empty folders. The root itself is never trashed.
//
// Listings are always fetched fresh, as trashing a folder trashes its content.
// A folder which no longer exists counts as trashed. The number of trashed folders is returned.
func (cache *Cache) RemoveEmptyFolders(ctx context.Context, rootID string) (int, error) {
	children, err := cache.GetChildren(ctx, rootID, true)
	if err != nil {
		return 0, err
	}

	sem := semaphore.NewWeighted(int64(cache.concurrency))

	var trashed int
	for _, folder := range folders(children) {
		n, _, err := cache.removeEmpty(ctx, sem, folder.ID)
		trashed += n
		if err != nil {
			metrics.RecordFoldersTrashed(trashed)
			return trashed, err
		}
	}

	if trashed > 0 {
		if _, err := cache.invalidate(ctx, rootID); err != nil {
			return trashed, err
		}
	}

	metrics.RecordFoldersTrashed(trashed)
	cache.log.Info("Removed empty folders", zap.String("root", rootID), zap.Int("trashed", trashed))

	return trashed, nil
}

// removeEmpty returns the number of trashed folders within (and including) folderID,
// and whether folderID itself is gone.
func (cache *Cache) removeEmpty(ctx context.Context, sem *semaphore.Weighted, folderID string) (int, bool, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, false, err
	}

	children, err := cache.GetChildren(ctx, folderID, true)
	sem.Release(1)

	if err != nil {
		return 0, false, err
	}

	var trashed, gone int64
	g, gctx := errgroup.WithContext(ctx)

	for _, folder := range folders(children) {
		folder := folder
		g.Go(func() error {
			n, removed, err := cache.removeEmpty(gctx, sem, folder.ID)
			atomic.AddInt64(&trashed, int64(n))
			if removed {
				atomic.AddInt64(&gone, 1)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return int(trashed), false, err
	}

	if int(gone) != len(children) {
		// The folder stays, but its listing lost the trashed folders.
		if gone > 0 {
			if _, err := cache.invalidate(ctx, folderID); err != nil {
				return int(trashed), false, err
			}
		}

		return int(trashed), false, nil
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return int(trashed), false, err
	}

	err = cache.remote.Trash(ctx, folderID)
	sem.Release(1)

	switch {
	case err == nil:
		trashed++
	case errors.Is(err, ErrNotFound):
	default:
		return int(trashed), false, err
	}

	cache.log.Debug("Trashed empty folder", zap.String("folder", folderID))
	cache.mutated(folderID)

	if err := cache.store.Delete(ctx, childrenKey(folderID)); err != nil {
		return int(trashed), true, err
	}

	if err := cache.store.Delete(ctx, itemKey(folderID)); err != nil {
		return int(trashed), true, err
	}

	return int(trashed), true, nil
}

// TrashedFolder is a trashed folder which still holds live files.
type TrashedFolder struct {
	Folder    ds.Item `json:"folder"`
	FileCount int     `json:"fileCount"`
}

// NonEmptyTrashedFolders returns the trashed folders which still contain files
// that are not trashed themselves, together with the recursive number of those files.
//
// Trashed folders are never cached, so every listing goes straight to the remote.
func (cache *Cache) NonEmptyTrashedFolders(ctx context.Context) ([]TrashedFolder, error) {
	trashed, err := cache.remote.ListTrashedFolders(ctx)
	if err != nil {
		return nil, err
	}

	sortItems(trashed)

	sem := semaphore.NewWeighted(int64(cache.concurrency))
	counts := make([]int, len(trashed))

	g, gctx := errgroup.WithContext(ctx)
	for i, folder := range trashed {
		i, folder := i, folder
		g.Go(func() error {
			n, err := cache.countFiles(gctx, sem, folder.ID)
			counts[i] = n
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var result []TrashedFolder
	for i, folder := range trashed {
		if counts[i] > 0 {
			result = append(result, TrashedFolder{Folder: folder, FileCount: counts[i]})
		}
	}

	cache.log.Debug("Listed trashed folders",
		zap.Int("trashed", len(trashed)),
		zap.Int("nonEmpty", len(result)),
	)

	return result, nil
}

// countFiles returns the number of live files within folderID and its subfolders.
// A folder which vanished in the meantime holds no files.
func (cache *Cache) countFiles(ctx context.Context, sem *semaphore.Weighted, folderID string) (int, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	children, err := cache.remote.ListChildren(ctx, folderID)
	sem.Release(1)

	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}

	var count int64
	g, gctx := errgroup.WithContext(ctx)

	for _, child := range children {
		if !child.IsFolder() {
			atomic.AddInt64(&count, 1)
			continue
		}

		child := child
		g.Go(func() error {
			n, err := cache.countFiles(gctx, sem, child.ID)
			atomic.AddInt64(&count, int64(n))
			return err
		})
	}

	err = g.Wait()
	return int(count), err
}
