package drivecache

import (
	"context"
	"errors"

	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
)

// pageToken retrieves the change log position the cache currently reflects.
// The position is bootstrapped from Google when none is stored yet.
func (cache *Cache) pageToken(ctx context.Context) (string, error) {
	var token string

	err := ds.GetJSON(ctx, cache.store, keyPageToken, &token)
	if err == nil && token != "" {
		return token, nil
	}

	if err != nil && !errors.Is(err, ds.ErrNotFound) {
		return "", err
	}

	token, err = cache.remote.GetStartPageToken(ctx)
	if err != nil {
		return "", err
	}

	if err := ds.SetJSON(ctx, cache.store, keyPageToken, token, 0); err != nil {
		return "", err
	}

	cache.log.Info("Bootstrapped change log position", zap.String("pageToken", token))
	return token, nil
}

// ProcessChangeNotification reconciles all changes since the stored page token.
//
// Every changed file is grouped by its parent folder and each group is handed to
// DoMove together with the ancestor chain of the parent. The new page token is only
// stored once every change was processed, so a failure processes the same changes again.
// The number of moved files is returned.
func (cache *Cache) ProcessChangeNotification(ctx context.Context) (int, error) {
	token, err := cache.pageToken(ctx)
	if err != nil {
		return 0, err
	}

	var changes []Change

	next := token
	for {
		page, err := cache.remote.ListChanges(ctx, next)
		if err != nil {
			return 0, err
		}

		changes = append(changes, page.Changes...)

		if page.NextPageToken == "" {
			if page.NewStartPageToken != "" {
				next = page.NewStartPageToken
			}
			break
		}

		next = page.NextPageToken
	}

	groups, parents, err := cache.groupChanges(ctx, changes)
	if err != nil {
		return 0, err
	}

	var moved int
	if cache.movesEnabled() {
		for _, parentID := range parents {
			chain, err := cache.Ancestors(ctx, parentID)
			if err != nil {
				return moved, err
			}

			n, err := cache.DoMove(ctx, groups[parentID], chain)
			moved += n
			if err != nil {
				return moved, err
			}
		}
	}

	if next != token {
		if err := ds.SetJSON(ctx, cache.store, keyPageToken, next, 0); err != nil {
			return moved, err
		}
	}

	metrics.RecordChangesProcessed(len(changes))
	cache.log.Debug("Processed changes",
		zap.Int("changes", len(changes)),
		zap.Int("parents", len(parents)),
		zap.Int("moved", moved),
		zap.String("pageToken", next),
	)

	return moved, nil
}

// groupChanges groups the changed files by their parent, in order of first appearance.
//
// Removals, folders and changes of other drives are skipped. When a file changed
// more than once, its last change counts.
func (cache *Cache) groupChanges(ctx context.Context, changes []Change) (map[string][]ds.Item, []string, error) {
	latest := make(map[string]Change)
	var order []string

	for _, change := range changes {
		if change.FileID == "" {
			continue
		}

		if _, ok := latest[change.FileID]; !ok {
			order = append(order, change.FileID)
		}

		latest[change.FileID] = change
	}

	groups := make(map[string][]ds.Item)
	var parents []string

	for _, fileID := range order {
		change := latest[fileID]

		if change.Removed {
			continue
		}

		if cache.driveID != "" && change.DriveID != "" && change.DriveID != cache.driveID {
			continue
		}

		item, err := cache.changedItem(ctx, change)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if item.IsFolder() || item.Parent() == "" {
			continue
		}

		parentID := item.Parent()
		if _, ok := groups[parentID]; !ok {
			parents = append(parents, parentID)
		}

		groups[parentID] = append(groups[parentID], item)
	}

	return groups, parents, nil
}

// changedItem prefers the state delivered with the change over the cached state.
func (cache *Cache) changedItem(ctx context.Context, change Change) (ds.Item, error) {
	if change.Item != nil && change.Item.Parent() != "" {
		return *change.Item, nil
	}

	cached, err := cache.Item(ctx, change.FileID)
	if err != nil {
		return ds.Item{}, err
	}

	if change.Item == nil {
		return cached, nil
	}

	item := *change.Item
	item.Parents = cached.Parents
	return item, nil
}
