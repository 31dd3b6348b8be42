package drivecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"go.uber.org/zap"
)

// minChannelTTL is the shortest time a watch channel record is kept.
const minChannelTTL = time.Minute

// Resource state Google sends right after a watch channel was created.
const resourceStateSync = "sync"

// Notification is a push notification as delivered to a webhook.
//
// FolderID is taken from the webhook URL and is empty for the changes channel.
type Notification struct {
	FolderID      string
	ChannelID     string
	ResourceState string
}

// EnsureWatchChannel makes sure the folder will have a live watch channel.
//
// When the current channel is missing or expires within the expiration buffer,
// the stale channel is stopped and the creation of a new channel is enqueued.
// Google only delivers notifications to https, so a plain http webhook is a no-op.
func (cache *Cache) EnsureWatchChannel(ctx context.Context, webhookURL string, folderID string) error {
	if strings.HasPrefix(webhookURL, "http://") {
		cache.log.Debug("Skipping watch channel for http webhook",
			zap.String("folder", folderID),
			zap.String("webhook", webhookURL),
		)
		return nil
	}

	live, err := cache.liveChannel(ctx, watchKey(folderID))
	if err != nil || live {
		return err
	}

	return cache.Enqueue(ctx, CreateWatchChannelTask(folderID, webhookURL))
}

// CreateAndCacheWatchChannel subscribes to the folder and stores the channel.
//
// It returns early when a live channel already exists,
// which makes it safe to execute more than once.
func (cache *Cache) CreateAndCacheWatchChannel(ctx context.Context, folderID string, webhookURL string) error {
	return cache.createChannel(ctx, watchKey(folderID), folderID, func(channelID string) (WatchResult, error) {
		return cache.remote.CreateWatch(ctx, folderID, channelID, webhookURL)
	})
}

// StopWatchChannel stops the watch channel of a folder and forgets about it.
func (cache *Cache) StopWatchChannel(ctx context.Context, folderID string) error {
	return cache.stopChannel(ctx, watchKey(folderID))
}

// EnsureChangesWatchChannel makes sure the change log will have a live watch channel.
func (cache *Cache) EnsureChangesWatchChannel(ctx context.Context, webhookURL string) error {
	if strings.HasPrefix(webhookURL, "http://") {
		cache.log.Debug("Skipping changes channel for http webhook", zap.String("webhook", webhookURL))
		return nil
	}

	live, err := cache.liveChannel(ctx, keyWatchChanges)
	if err != nil || live {
		return err
	}

	return cache.Enqueue(ctx, CreateChangesWatchChannelTask(webhookURL))
}

// CreateAndCacheChangesWatchChannel subscribes to the change log and stores the channel.
func (cache *Cache) CreateAndCacheChangesWatchChannel(ctx context.Context, webhookURL string) error {
	return cache.createChannel(ctx, keyWatchChanges, "", func(channelID string) (WatchResult, error) {
		pageToken, err := cache.pageToken(ctx)
		if err != nil {
			return WatchResult{}, err
		}

		return cache.remote.WatchChanges(ctx, pageToken, channelID, webhookURL)
	})
}

// StopChangesWatchChannel stops the change log watch channel and forgets about it.
func (cache *Cache) StopChangesWatchChannel(ctx context.Context) error {
	return cache.stopChannel(ctx, keyWatchChanges)
}

// HandleNotification processes a push notification of a folder watch channel.
//
// The notification must belong to the channel currently stored for the folder,
// otherwise ErrUnknownChannel is returned. The folder is then refreshed and reconciled.
func (cache *Cache) HandleNotification(ctx context.Context, n Notification) error {
	if n.ResourceState == resourceStateSync {
		return nil
	}

	if n.ChannelID == "" || n.FolderID == "" {
		metrics.RecordNotification("folder", false)
		return ErrBadNotification
	}

	var folderID string
	err := ds.GetJSON(ctx, cache.store, watchIDKey(n.ChannelID), &folderID)
	if errors.Is(err, ds.ErrNotFound) || (err == nil && folderID != n.FolderID) {
		metrics.RecordNotification("folder", false)
		return fmt.Errorf("%v: %w", n.ChannelID, ErrUnknownChannel)
	}
	if err != nil {
		return err
	}

	if err := cache.matchChannel(ctx, watchKey(folderID), n.ChannelID); err != nil {
		metrics.RecordNotification("folder", false)
		return err
	}

	metrics.RecordNotification("folder", true)

	moved, err := cache.Update(ctx, folderID)
	if err != nil {
		return err
	}

	cache.log.Info("Processed folder notification",
		zap.String("folder", folderID),
		zap.String("state", n.ResourceState),
		zap.Int("moved", moved),
	)

	return nil
}

// HandleChangesNotification processes a push notification of the change log channel.
func (cache *Cache) HandleChangesNotification(ctx context.Context, n Notification) error {
	if n.ResourceState == resourceStateSync {
		return nil
	}

	if n.ChannelID == "" {
		metrics.RecordNotification("changes", false)
		return ErrBadNotification
	}

	if err := cache.matchChannel(ctx, keyWatchChanges, n.ChannelID); err != nil {
		metrics.RecordNotification("changes", false)
		return err
	}

	metrics.RecordNotification("changes", true)

	moved, err := cache.ProcessChangeNotification(ctx)
	if err != nil {
		return err
	}

	cache.log.Info("Processed change notification", zap.Int("moved", moved))
	return nil
}

// matchChannel checks whether channelID is the channel stored at key.
func (cache *Cache) matchChannel(ctx context.Context, key string, channelID string) error {
	var channel ds.Channel

	err := ds.GetJSON(ctx, cache.store, key, &channel)
	if errors.Is(err, ds.ErrNotFound) || (err == nil && channel.ID != channelID) {
		return fmt.Errorf("%v: %w", channelID, ErrUnknownChannel)
	}

	return err
}

// liveChannel reports whether the channel at key outlives the expiration buffer.
// A stale channel is stopped and removed.
func (cache *Cache) liveChannel(ctx context.Context, key string) (bool, error) {
	entry, channel, err := cache.channel(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if channel.Expiration.After(cache.now().Add(cache.buffer)) {
		return true, nil
	}

	return false, cache.discardChannel(ctx, entry, channel)
}

func (cache *Cache) channel(ctx context.Context, key string) (ds.Entry, ds.Channel, error) {
	var channel ds.Channel

	entry, err := cache.store.Get(ctx, key)
	if err != nil {
		return ds.Entry{}, channel, err
	}

	if err := json.Unmarshal(entry.Value, &channel); err != nil {
		return ds.Entry{}, channel, fmt.Errorf("decode %v: %w", key, ds.ErrDatabase)
	}

	return entry, channel, nil
}

// discardChannel stops the channel and deletes its records.
// A failure to stop is logged, the records are removed regardless.
func (cache *Cache) discardChannel(ctx context.Context, entry ds.Entry, channel ds.Channel) error {
	if err := cache.remote.StopWatch(ctx, channel); err != nil {
		cache.log.Warn("Failed to stop watch channel",
			zap.String("channel", channel.ID),
			zap.String("folder", channel.FolderID),
			zap.Error(err),
		)
	} else {
		metrics.RecordWatchChannel("stop")
	}

	// Another process already replaced the channel.
	err := cache.store.CompareAndDelete(ctx, entry.Key, entry.Version)
	if err != nil && !errors.Is(err, ds.ErrConflict) {
		return err
	}

	return cache.store.Delete(ctx, watchIDKey(channel.ID))
}

// createChannel subscribes through subscribe and stores the resulting channel at key.
func (cache *Cache) createChannel(ctx context.Context, key string, folderID string, subscribe func(channelID string) (WatchResult, error)) error {
	entry, channel, err := cache.channel(ctx, key)
	switch {
	case errors.Is(err, ds.ErrNotFound):
	case err != nil:
		return err
	case channel.Expiration.After(cache.now().Add(cache.buffer)):
		return nil
	default:
		if err := cache.discardChannel(ctx, entry, channel); err != nil {
			return err
		}
		entry = ds.Entry{}
	}

	channelID := uuid.NewString()

	res, err := subscribe(channelID)
	if err != nil {
		return err
	}

	channel = ds.Channel{
		ID:         channelID,
		ResourceID: res.ResourceID,
		Expiration: res.Expiration,
		FolderID:   folderID,
	}

	ttl := res.Expiration.Sub(cache.now()) - cache.buffer
	if ttl < minChannelTTL {
		cache.log.Warn("Watch channel expires within the expiration buffer",
			zap.String("channel", channelID),
			zap.Time("expiration", res.Expiration),
			zap.Duration("buffer", cache.buffer),
		)
		ttl = minChannelTTL
	}

	if err := ds.SetJSON(ctx, cache.store, watchIDKey(channelID), folderID, ttl); err != nil {
		return err
	}

	value, err := encode(channel)
	if err != nil {
		return err
	}

	_, err = cache.store.CompareAndSwap(ctx, key, entry.Version, value, ttl)
	if errors.Is(err, ds.ErrConflict) {
		// A concurrent creation won, the new channel is redundant.
		cache.log.Debug("Dropping redundant watch channel", zap.String("channel", channelID))

		if err := cache.remote.StopWatch(ctx, channel); err != nil {
			cache.log.Warn("Failed to stop watch channel", zap.String("channel", channelID), zap.Error(err))
		}

		return cache.store.Delete(ctx, watchIDKey(channelID))
	}
	if err != nil {
		return err
	}

	metrics.RecordWatchChannel("create")
	cache.log.Info("Created watch channel",
		zap.String("folder", folderID),
		zap.String("channel", channelID),
		zap.Time("expiration", res.Expiration),
	)

	return nil
}

// stopChannel stops the channel at key and deletes its records.
func (cache *Cache) stopChannel(ctx context.Context, key string) error {
	entry, channel, err := cache.channel(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	stopErr := cache.remote.StopWatch(ctx, channel)
	if stopErr != nil && !errors.Is(stopErr, ErrNotFound) {
		return stopErr
	}

	metrics.RecordWatchChannel("stop")

	if err := cache.store.CompareAndDelete(ctx, entry.Key, entry.Version); err != nil && !errors.Is(err, ds.ErrConflict) {
		return err
	}

	return cache.store.Delete(ctx, watchIDKey(channel.ID))
}
