// Package drivecache keeps a server-side mirror of Google Drive folders fresh
// through push notifications instead of polling.
//
// Folder listings are cached in a datastore.Store, every browsed folder is
// subscribed to through a watch channel, and a durable task queue renews the
// subscriptions in the background. Files which appear in a three-level source
// hierarchy are renamed and moved into a mirrored destination hierarchy.
package drivecache

import (
	"context"
	"errors"
	"sync"
	"time"

	ds "github.com/m-rots/drivecache/datastore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Remote is the Google Drive API as used by drivecache.
//
// Implementations must wrap their errors around ErrRateLimited, ErrNotFound,
// ErrInvalidCredentials or ErrNetwork.
type Remote interface {
	ListChildren(ctx context.Context, folderID string) ([]ds.Item, error)
	ListTrashedFolders(ctx context.Context) ([]ds.Item, error)
	GetItem(ctx context.Context, id string) (ds.Item, error)
	CreateFolder(ctx context.Context, parentID string, name string) (ds.Item, error)
	MoveAndRename(ctx context.Context, id string, oldParentID string, newParentID string, newName string) (ds.Item, error)
	Trash(ctx context.Context, id string) error
	CreateWatch(ctx context.Context, folderID string, channelID string, webhookURL string) (WatchResult, error)
	WatchChanges(ctx context.Context, pageToken string, channelID string, webhookURL string) (WatchResult, error)
	StopWatch(ctx context.Context, channel ds.Channel) error
	GetStartPageToken(ctx context.Context) (string, error)
	ListChanges(ctx context.Context, pageToken string) (ChangePage, error)
}

// WatchResult is the subscription Google returns when a watch channel is created.
type WatchResult struct {
	ResourceID string
	Expiration time.Time
}

// Change is a single entry of the change log.
//
// Item is nil when Google did not include the file, which is always the case for removals.
type Change struct {
	FileID  string
	DriveID string
	Removed bool
	Item    *ds.Item
}

// ChangePage is one page of the change log.
//
// NextPageToken is empty on the last page, which instead carries the NewStartPageToken.
type ChangePage struct {
	Changes           []Change
	NextPageToken     string
	NewStartPageToken string
}

// Default values of the Cache options.
const (
	DefaultExpirationBuffer = time.Hour
	DefaultConcurrency      = 4
)

// Cache is the reconciliation engine mirroring Google Drive.
type Cache struct {
	remote Remote
	store  ds.Store
	queue  *ds.Queue
	log    *zap.Logger

	now   func() time.Time
	sleep func(time.Duration)

	sourceRoot      string
	destinationRoot string
	driveID         string

	buffer      time.Duration
	itemTTL     time.Duration
	concurrency int

	hooks    []Hook
	handlers map[string]taskHandler

	listings singleflight.Group
	folders  singleflight.Group

	// generations counts the local mutations of every folder. A listing which
	// started before a mutation is never stored.
	genMu       sync.Mutex
	generations map[string]uint64
}

// An Option can override some of the default Cache values.
type Option func(*Cache)

// WithLogger sets the logger. Nothing is logged by default.
func WithLogger(log *zap.Logger) Option {
	return func(cache *Cache) {
		cache.log = log
	}
}

// WithClock overrides the clock used for channel expiry and the queue budget.
func WithClock(now func() time.Time) Option {
	return func(cache *Cache) {
		cache.now = now
	}
}

// WithSleep overrides the function the queue runner pauses with.
func WithSleep(sleep func(time.Duration)) Option {
	return func(cache *Cache) {
		cache.sleep = sleep
	}
}

// WithSourceRoot sets the folder whose three-level hierarchy is reorganised.
//
// Moves are disabled as long as either the source or destination root is empty.
func WithSourceRoot(folderID string) Option {
	return func(cache *Cache) {
		cache.sourceRoot = folderID
	}
}

// WithDestinationRoot sets the folder the source hierarchy is mirrored into.
func WithDestinationRoot(folderID string) Option {
	return func(cache *Cache) {
		cache.destinationRoot = folderID
	}
}

// WithDriveID ignores changes of any other Shared Drive.
func WithDriveID(driveID string) Option {
	return func(cache *Cache) {
		cache.driveID = driveID
	}
}

// WithExpirationBuffer sets how long before their expiration watch channels are renewed.
//
// The default value is one hour.
func WithExpirationBuffer(buffer time.Duration) Option {
	return func(cache *Cache) {
		cache.buffer = buffer
	}
}

// WithItemTTL sets how long items and children listings stay cached.
func WithItemTTL(ttl time.Duration) Option {
	return func(cache *Cache) {
		cache.itemTTL = ttl
	}
}

// WithConcurrency bounds the number of concurrent remote calls of a single operation.
func WithConcurrency(n int) Option {
	return func(cache *Cache) {
		if n > 0 {
			cache.concurrency = n
		}
	}
}

// WithHooks registers hooks which run whenever a folder listing is refreshed.
func WithHooks(hooks ...Hook) Option {
	return func(cache *Cache) {
		cache.hooks = append(cache.hooks, hooks...)
	}
}

// New creates a new Cache on top of the remote and the store.
func New(remote Remote, store ds.Store, opts ...Option) *Cache {
	cache := &Cache{
		remote:      remote,
		store:       store,
		queue:       ds.NewQueue(store, "tasks"),
		log:         zap.NewNop(),
		now:         time.Now,
		sleep:       time.Sleep,
		buffer:      DefaultExpirationBuffer,
		itemTTL:     ds.ItemTTL,
		concurrency: DefaultConcurrency,
		generations: make(map[string]uint64),
	}

	for _, opt := range opts {
		opt(cache)
	}

	cache.handlers = map[string]taskHandler{
		kindCreateWatchChannel:        cache.runCreateWatchChannel,
		kindCreateChangesWatchChannel: cache.runCreateChangesWatchChannel,
	}

	return cache
}

// Store keys.
const (
	keyWatchChanges = "watch-changes"
	keyPageToken    = "changes/token"
)

func itemKey(id string) string {
	return "item/" + id
}

func childrenKey(folderID string) string {
	return "children/" + folderID
}

func watchKey(folderID string) string {
	return "watch/" + folderID
}

func watchIDKey(channelID string) string {
	return "watch-id/" + channelID
}

// ErrRateLimited indicates Google throttled the request.
// The request may succeed when it is retried later.
var ErrRateLimited = errors.New("drivecache: rate limited")

// ErrInvalidCredentials can occur when the wrong authentication scopes are used,
// the access token does not have access to the specified resource, or the token
// is simply invalid or expired.
var ErrInvalidCredentials = errors.New("drivecache: invalid credentials")

// ErrNotFound occurs when the requested file or folder does not exist
// or is not accessible with the provided credentials.
var ErrNotFound = errors.New("drivecache: not found")

// ErrNetwork is the result of a networking error while contacting the Google Drive API.
var ErrNetwork = errors.New("drivecache: network related error")

// ErrUnknownChannel indicates a push notification for a channel drivecache does not know of.
var ErrUnknownChannel = errors.New("drivecache: unknown watch channel")

// ErrBadNotification indicates a push notification without the required headers.
var ErrBadNotification = errors.New("drivecache: malformed notification")
