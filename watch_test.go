package drivecache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
)

const webhook = "https://drivecache.example/api/watch/"

func storedChannel(t *testing.T, f *fixture, key string) (ds.Channel, bool) {
	t.Helper()

	var channel ds.Channel
	err := ds.GetJSON(context.Background(), f.store, key, &channel)
	if errors.Is(err, ds.ErrNotFound) {
		return channel, false
	}
	if err != nil {
		t.Fatal(err)
	}

	return channel, true
}

func TestEnsureWatchChannel(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)

	// Plain http never subscribes.
	if err := f.cache.EnsureWatchChannel(ctx, "http://localhost/api/watch/src", sourceRoot); err != nil {
		t.Fatal(err)
	}

	if n := f.queued(t); n != 0 {
		t.Fatalf("http webhook enqueued %d tasks", n)
	}

	// The read path only enqueues.
	if err := f.cache.EnsureWatchChannel(ctx, webhook+sourceRoot, sourceRoot); err != nil {
		t.Fatal(err)
	}

	if calls := f.drive.Calls("CreateWatch"); calls != 0 {
		t.Fatalf("watch channel was created synchronously")
	}

	stats, err := f.cache.RunQueue(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if stats.Executed != 1 {
		t.Fatalf("expected 1 executed task, got %+v", stats)
	}

	channel, ok := storedChannel(t, f, "watch/"+sourceRoot)
	if !ok {
		t.Fatal("channel was not stored")
	}

	var folderID string
	if err := ds.GetJSON(ctx, f.store, "watch-id/"+channel.ID, &folderID); err != nil || folderID != sourceRoot {
		t.Errorf("reverse lookup does not point at the folder: %q, %v", folderID, err)
	}

	// A live channel needs nothing.
	if err := f.cache.EnsureWatchChannel(ctx, webhook+sourceRoot, sourceRoot); err != nil {
		t.Fatal(err)
	}

	if n := f.queued(t); n != 0 {
		t.Errorf("live channel enqueued %d tasks", n)
	}
}

func TestEnsureWatchChannelStale(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)

	// Channels which expire within the buffer are replaced.
	f.drive.WatchTTL = 30 * time.Minute

	if err := f.cache.CreateAndCacheWatchChannel(ctx, sourceRoot, webhook+sourceRoot); err != nil {
		t.Fatal(err)
	}

	old, ok := storedChannel(t, f, "watch/"+sourceRoot)
	if !ok {
		t.Fatal("channel was not stored")
	}

	if err := f.cache.EnsureWatchChannel(ctx, webhook+sourceRoot, sourceRoot); err != nil {
		t.Fatal(err)
	}

	if calls := f.drive.Calls("StopWatch"); calls != 1 {
		t.Errorf("stale channel was not stopped")
	}

	if _, ok := storedChannel(t, f, "watch/"+sourceRoot); ok {
		t.Errorf("stale channel is still stored")
	}

	if _, err := f.store.Get(ctx, "watch-id/"+old.ID); !errors.Is(err, ds.ErrNotFound) {
		t.Errorf("stale reverse lookup is still stored")
	}

	if n := f.queued(t); n != 1 {
		t.Errorf("expected 1 queued entry, got %d", n)
	}
}

func TestEnsureWatchChannelStopFailure(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.drive.WatchTTL = 30 * time.Minute

	if err := f.cache.CreateAndCacheWatchChannel(ctx, sourceRoot, webhook+sourceRoot); err != nil {
		t.Fatal(err)
	}

	f.drive.FailNext("StopWatch", drivecache.ErrNetwork)

	// A failure to stop does not block the replacement.
	if err := f.cache.EnsureWatchChannel(ctx, webhook+sourceRoot, sourceRoot); err != nil {
		t.Fatal(err)
	}

	if n := f.queued(t); n != 1 {
		t.Errorf("expected 1 queued entry, got %d", n)
	}
}

func TestCreateAndCacheWatchChannel(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)

	for i := 0; i < 3; i++ {
		if err := f.cache.CreateAndCacheWatchChannel(ctx, sourceRoot, webhook+sourceRoot); err != nil {
			t.Fatal(err)
		}
	}

	if calls := f.drive.Calls("CreateWatch"); calls != 1 {
		t.Errorf("expected a single subscription, got %d", calls)
	}

	channel, ok := storedChannel(t, f, "watch/"+sourceRoot)
	if !ok {
		t.Fatal("channel was not stored")
	}

	if !channel.Expiration.Equal(f.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("unexpected expiration: %v", channel.Expiration)
	}

	// The record expires one buffer before the channel does.
	f.clock.Advance(23*time.Hour - time.Second)
	if _, ok := storedChannel(t, f, "watch/"+sourceRoot); !ok {
		t.Errorf("channel record expired too early")
	}

	f.clock.Advance(2 * time.Second)
	if _, ok := storedChannel(t, f, "watch/"+sourceRoot); ok {
		t.Errorf("channel record outlived the expiration buffer")
	}
}

func TestCreateAndCacheWatchChannelMinimumTTL(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.drive.WatchTTL = 10 * time.Minute

	if err := f.cache.CreateAndCacheWatchChannel(ctx, sourceRoot, webhook+sourceRoot); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(59 * time.Second)
	if _, ok := storedChannel(t, f, "watch/"+sourceRoot); !ok {
		t.Errorf("channel record expired before the minimum ttl")
	}
}

func TestStopWatchChannel(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)

	if err := f.cache.CreateAndCacheWatchChannel(ctx, sourceRoot, webhook+sourceRoot); err != nil {
		t.Fatal(err)
	}

	if err := f.cache.StopWatchChannel(ctx, sourceRoot); err != nil {
		t.Fatal(err)
	}

	if channels := f.drive.Channels(); len(channels) != 0 {
		t.Errorf("channel is still active: %v", channels)
	}

	if _, ok := storedChannel(t, f, "watch/"+sourceRoot); ok {
		t.Errorf("channel is still stored")
	}

	// Stopping twice is fine.
	if err := f.cache.StopWatchChannel(ctx, sourceRoot); err != nil {
		t.Fatal(err)
	}
}

func TestHandleNotification(t *testing.T) {
	type test struct {
		name         string
		notification func(channel ds.Channel) drivecache.Notification
		err          error
		listings     int
	}

	var testCases = []test{
		{
			name: "sync is ignored",
			notification: func(channel ds.Channel) drivecache.Notification {
				return drivecache.Notification{FolderID: sourceRoot, ChannelID: channel.ID, ResourceState: "sync"}
			},
		},
		{
			name: "missing channel id",
			notification: func(channel ds.Channel) drivecache.Notification {
				return drivecache.Notification{FolderID: sourceRoot, ResourceState: "update"}
			},
			err: drivecache.ErrBadNotification,
		},
		{
			name: "unknown channel",
			notification: func(channel ds.Channel) drivecache.Notification {
				return drivecache.Notification{FolderID: sourceRoot, ChannelID: "unknown", ResourceState: "update"}
			},
			err: drivecache.ErrUnknownChannel,
		},
		{
			name: "channel of another folder",
			notification: func(channel ds.Channel) drivecache.Notification {
				return drivecache.Notification{FolderID: destinationRoot, ChannelID: channel.ID, ResourceState: "update"}
			},
			err: drivecache.ErrUnknownChannel,
		},
		{
			name: "update",
			notification: func(channel ds.Channel) drivecache.Notification {
				return drivecache.Notification{FolderID: sourceRoot, ChannelID: channel.ID, ResourceState: "update"}
			},
			listings: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := setupTest(t)

			if err := f.cache.CreateAndCacheWatchChannel(ctx, sourceRoot, webhook+sourceRoot); err != nil {
				t.Fatal(err)
			}

			channel, _ := storedChannel(t, f, "watch/"+sourceRoot)

			err := f.cache.HandleNotification(ctx, tc.notification(channel))
			if !errors.Is(err, tc.err) {
				t.Fatalf("unexpected error: %v", err)
			}

			if calls := f.drive.Calls("ListChildren"); calls != tc.listings {
				t.Errorf("expected %d listings, got %d", tc.listings, calls)
			}
		})
	}
}

func TestNotificationMovesFiles(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.hierarchy()

	if err := f.cache.CreateAndCacheWatchChannel(ctx, "L3", webhook+"L3"); err != nil {
		t.Fatal(err)
	}

	channel, _ := storedChannel(t, f, "watch/L3")
	f.drive.AddFile("F", "report.pdf", "L3")

	n := drivecache.Notification{FolderID: "L3", ChannelID: channel.ID, ResourceState: "add"}
	if err := f.cache.HandleNotification(ctx, n); err != nil {
		t.Fatal(err)
	}

	item, _ := f.drive.Get("F")
	if item.Name != "2024-Q1-Acme-report.pdf" {
		t.Errorf("file was not moved: %+v", item)
	}
}

func TestChangesWatchChannel(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)

	if err := f.cache.EnsureChangesWatchChannel(ctx, "https://drivecache.example/api/changes"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.cache.RunQueue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}

	channel, ok := storedChannel(t, f, "watch-changes")
	if !ok {
		t.Fatal("changes channel was not stored")
	}

	if calls := f.drive.Calls("GetStartPageToken"); calls != 1 {
		t.Errorf("page token was not bootstrapped")
	}

	err := f.cache.HandleChangesNotification(ctx, drivecache.Notification{ChannelID: "other", ResourceState: "change"})
	if !errors.Is(err, drivecache.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}

	// Folder notifications never match the changes channel.
	err = f.cache.HandleNotification(ctx, drivecache.Notification{FolderID: sourceRoot, ChannelID: channel.ID, ResourceState: "update"})
	if !errors.Is(err, drivecache.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}

	err = f.cache.HandleChangesNotification(ctx, drivecache.Notification{ChannelID: channel.ID, ResourceState: "change"})
	if err != nil {
		t.Fatal(err)
	}

	if calls := f.drive.Calls("ListChanges"); calls != 1 {
		t.Errorf("expected the change log to be read once, got %d", calls)
	}

	if err := f.cache.StopChangesWatchChannel(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := storedChannel(t, f, "watch-changes"); ok {
		t.Errorf("changes channel is still stored")
	}
}
