// Package datastore provides the item and channel representations used in drivecache.
//
// In addition, it provides the Store interface drivecache interacts with.
// A Store is a key-value store with per-key expiry and optimistic concurrency
// through versions. A SQLite reference store lives in the sqlite sub-package,
// a bbolt store in the bolt sub-package and an in-memory store in the memory
// sub-package. Any Store can be wrapped in a bounded in-process hot tier with
// WithHotCache.
//
// Finally, this package also serves the common errors which may occur
// at the datastore layer.
package datastore

import (
	"context"
	"errors"
	"time"
)

// FolderMimeType is the mimeType Google Drive assigns to folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// Default time-to-live values of the records drivecache persists.
const (
	ItemTTL    = 40 * time.Minute
	ChannelTTL = 24 * time.Hour
)

// Item is a minimal representation of a file or folder within Google Drive.
//
// Only the first entry of Parents is treated as the canonical parent.
type Item struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Parents      []string  `json:"parents,omitempty"`
	Size         int64     `json:"size,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime,omitempty"`
	WebViewLink  string    `json:"webViewLink,omitempty"`
	IconLink     string    `json:"iconLink,omitempty"`
}

// IsFolder reports whether the item is a folder.
func (item Item) IsFolder() bool {
	return item.MimeType == FolderMimeType
}

// Parent returns the canonical parent of the item, or an empty string
// when the item has no parents.
func (item Item) Parent() string {
	if len(item.Parents) == 0 {
		return ""
	}

	return item.Parents[0]
}

// Channel is an active push-notification subscription.
//
// FolderID is empty for the Drive-wide changes channel.
type Channel struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	Expiration time.Time `json:"expiration"`
	FolderID   string    `json:"folderId,omitempty"`
}

// Entry is a single live record within a Store.
//
// Version changes on every write and is never reused by the same Store,
// not even after the key has been deleted and written again.
// A zero ExpiresAt means the entry does not expire.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt time.Time
}

// Write is one element of a Batch.
type Write struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// The Store is the storage engine interface used in drivecache.
//
// A ttl of zero or less means the record never expires.
// Expired records must behave exactly like absent records.
type Store interface {
	// Get returns the live entry of key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Set unconditionally writes the value and returns the new entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error)

	// Batch writes all values in one transaction.
	// Either every write is applied or none is.
	Batch(ctx context.Context, writes []Write) ([]Entry, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap writes the value only when the live version of key equals version.
	// A version of 0 requires the key to be absent.
	// ErrConflict is returned when the versions do not match.
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (Entry, error)

	// CompareAndDelete removes key only when its live version equals version.
	// ErrConflict is returned when the versions do not match.
	CompareAndDelete(ctx context.Context, key string, version int64) error

	// Scan returns all live entries whose key starts with prefix, in ascending key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases the underlying resources.
	Close() error
}

// ErrNotFound indicates the key does not exist or has expired.
var ErrNotFound = errors.New("datastore: key not found")

// ErrConflict indicates an optimistic write lost against a concurrent writer.
//
// The caller should read the key again and retry, or move on to another key.
var ErrConflict = errors.New("datastore: version conflict")

// ErrContention indicates Update gave up after too many conflicting attempts.
var ErrContention = errors.New("datastore: too much contention")

// ErrSkip can be returned by an UpdateFunc to leave the key untouched.
var ErrSkip = errors.New("datastore: skip update")

// ErrDatabase indicates a fatal error within the datastore.
//
// If this error is encountered, the datastore implementation must be looked at.
var ErrDatabase = errors.New("datastore: database related error")

// Expiry returns the absolute expiry of a ttl relative to now.
func Expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}

	return now.Add(ttl)
}

// Expired reports whether an entry with expiresAt is no longer live at now.
func Expired(expiresAt time.Time, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
