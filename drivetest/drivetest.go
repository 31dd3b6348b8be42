// Package drivetest provides an in-memory Google Drive implementing drivecache.Remote.
//
// Every mutation is appended to a change log, so the change log related calls
// behave like the real thing. Errors can be injected per operation with FailNext.
//
// Trashing a folder leaves its content untouched, which is how a trashed
// folder can still hold live files.
package drivetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
)

// Drive is a fake Google Drive.
type Drive struct {
	// ChangesPageSize is the maximum number of changes per page.
	ChangesPageSize int
	// WatchTTL is the lifetime of created watch channels.
	WatchTTL time.Duration
	// Latency is added to every call.
	Latency time.Duration

	mu       sync.Mutex
	now      func() time.Time
	seq      int
	items    map[string]ds.Item
	trashed  map[string]bool
	channels map[string]ds.Channel
	changes  []drivecache.Change
	failures map[string][]error
	calls    map[string]int

	inflight    int
	maxInflight int
}

// New returns an empty Drive.
func New() *Drive {
	return &Drive{
		ChangesPageSize: 100,
		WatchTTL:        24 * time.Hour,
		now:             time.Now,
		items:           make(map[string]ds.Item),
		trashed:         make(map[string]bool),
		channels:        make(map[string]ds.Channel),
		failures:        make(map[string][]error),
		calls:           make(map[string]int),
	}
}

// SetClock overrides the clock used for watch channel expiration.
func (d *Drive) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.now = now
}

// AddFolder adds a folder. An empty parent adds a root folder.
func (d *Drive) AddFolder(id string, name string, parent string) ds.Item {
	return d.add(ds.Item{ID: id, Name: name, MimeType: ds.FolderMimeType}, parent)
}

// AddFile adds a file.
func (d *Drive) AddFile(id string, name string, parent string) ds.Item {
	return d.add(ds.Item{ID: id, Name: name, MimeType: "text/plain", Size: 1}, parent)
}

func (d *Drive) add(item ds.Item, parent string) ds.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	if parent != "" {
		item.Parents = []string{parent}
	}

	d.items[item.ID] = item
	d.record(item.ID)
	return item
}

// Rename changes the name of an item without recording a change,
// which makes the cached state stale.
func (d *Drive) Rename(id string, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item := d.items[id]
	item.Name = name
	d.items[id] = item
}

// Remove permanently deletes an item.
func (d *Drive) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.items, id)
	d.changes = append(d.changes, drivecache.Change{FileID: id, Removed: true})
}

// RecordChange appends an arbitrary change to the change log.
func (d *Drive) RecordChange(change drivecache.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.changes = append(d.changes, change)
}

// Get returns the current state of an item.
func (d *Drive) Get(id string) (ds.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[id]
	return item, ok && !d.trashed[id]
}

// Trashed reports whether an item was trashed.
func (d *Drive) Trashed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.trashed[id]
}

// Children returns the ids of the live children of a folder, in no particular order.
func (d *Drive) Children(folderID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	for _, item := range d.children(folderID) {
		ids = append(ids, item.ID)
	}

	return ids
}

// Channels returns the active watch channels.
func (d *Drive) Channels() []ds.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()

	var channels []ds.Channel
	for _, channel := range d.channels {
		channels = append(channels, channel)
	}

	return channels
}

// FailNext makes the next call of op fail with err.
// Multiple failures are returned in order.
func (d *Drive) FailNext(op string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures[op] = append(d.failures[op], errs...)
}

// Calls returns how often op was called.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[op]
}

// MaxInflight returns the highest number of concurrent calls observed.
func (d *Drive) MaxInflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.maxInflight
}

// begin registers a call of op and returns an injected failure, if any.
func (d *Drive) begin(ctx context.Context, op string) error {
	d.mu.Lock()
	d.calls[op]++
	d.inflight++
	if d.inflight > d.maxInflight {
		d.maxInflight = d.inflight
	}

	var err error
	if queued := d.failures[op]; len(queued) > 0 {
		err = queued[0]
		d.failures[op] = queued[1:]
	}
	d.mu.Unlock()

	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

func (d *Drive) end() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inflight--
}

// record appends the current state of id to the change log. The caller must hold the lock.
func (d *Drive) record(id string) {
	item := d.items[id]
	d.changes = append(d.changes, drivecache.Change{FileID: id, Item: &item})
}

// children returns the live children of a folder. The caller must hold the lock.
func (d *Drive) children(folderID string) []ds.Item {
	var items []ds.Item
	for _, item := range d.items {
		if item.Parent() == folderID && !d.trashed[item.ID] {
			items = append(items, item)
		}
	}

	return items
}

func (d *Drive) lookup(id string) (ds.Item, error) {
	item, ok := d.items[id]
	if !ok || d.trashed[id] {
		return ds.Item{}, fmt.Errorf("%v: %w", id, drivecache.ErrNotFound)
	}

	return item, nil
}

// ListChildren returns the live children of a folder, which may itself be trashed.
func (d *Drive) ListChildren(ctx context.Context, folderID string) ([]ds.Item, error) {
	defer d.end()
	if err := d.begin(ctx, "ListChildren"); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.items[folderID]; !ok {
		return nil, fmt.Errorf("%v: %w", folderID, drivecache.ErrNotFound)
	}

	return d.children(folderID), nil
}

// ListTrashedFolders returns the trashed folders, in no particular order.
func (d *Drive) ListTrashedFolders(ctx context.Context) ([]ds.Item, error) {
	defer d.end()
	if err := d.begin(ctx, "ListTrashedFolders"); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var items []ds.Item
	for id := range d.trashed {
		if item, ok := d.items[id]; ok && item.IsFolder() {
			items = append(items, item)
		}
	}

	return items, nil
}

// GetItem returns a single item.
func (d *Drive) GetItem(ctx context.Context, id string) (ds.Item, error) {
	defer d.end()
	if err := d.begin(ctx, "GetItem"); err != nil {
		return ds.Item{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lookup(id)
}

// CreateFolder creates a folder with a generated id.
func (d *Drive) CreateFolder(ctx context.Context, parentID string, name string) (ds.Item, error) {
	defer d.end()
	if err := d.begin(ctx, "CreateFolder"); err != nil {
		return ds.Item{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup(parentID); err != nil {
		return ds.Item{}, err
	}

	d.seq++
	item := ds.Item{
		ID:       "folder-" + strconv.Itoa(d.seq),
		Name:     name,
		MimeType: ds.FolderMimeType,
		Parents:  []string{parentID},
	}

	d.items[item.ID] = item
	d.record(item.ID)
	return item, nil
}

// MoveAndRename moves an item to a new parent under a new name.
func (d *Drive) MoveAndRename(ctx context.Context, id string, oldParentID string, newParentID string, newName string) (ds.Item, error) {
	defer d.end()
	if err := d.begin(ctx, "MoveAndRename"); err != nil {
		return ds.Item{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	item, err := d.lookup(id)
	if err != nil {
		return ds.Item{}, err
	}

	if _, err := d.lookup(newParentID); err != nil {
		return ds.Item{}, err
	}

	if item.Parent() != oldParentID {
		return ds.Item{}, fmt.Errorf("%v is not a parent of %v: %w", oldParentID, id, drivecache.ErrNetwork)
	}

	item.Name = newName
	item.Parents = []string{newParentID}

	d.items[id] = item
	d.record(id)
	return item, nil
}

// Trash trashes an item.
func (d *Drive) Trash(ctx context.Context, id string) error {
	defer d.end()
	if err := d.begin(ctx, "Trash"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup(id); err != nil {
		return err
	}

	d.trashed[id] = true
	d.record(id)
	return nil
}

func (d *Drive) watch(folderID string, channelID string) drivecache.WatchResult {
	d.seq++

	channel := ds.Channel{
		ID:         channelID,
		ResourceID: "resource-" + strconv.Itoa(d.seq),
		Expiration: d.now().Add(d.WatchTTL),
		FolderID:   folderID,
	}

	d.channels[channelID] = channel
	return drivecache.WatchResult{ResourceID: channel.ResourceID, Expiration: channel.Expiration}
}

// CreateWatch subscribes to the changes of a folder.
func (d *Drive) CreateWatch(ctx context.Context, folderID string, channelID string, webhookURL string) (drivecache.WatchResult, error) {
	defer d.end()
	if err := d.begin(ctx, "CreateWatch"); err != nil {
		return drivecache.WatchResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup(folderID); err != nil {
		return drivecache.WatchResult{}, err
	}

	return d.watch(folderID, channelID), nil
}

// WatchChanges subscribes to the change log.
func (d *Drive) WatchChanges(ctx context.Context, pageToken string, channelID string, webhookURL string) (drivecache.WatchResult, error) {
	defer d.end()
	if err := d.begin(ctx, "WatchChanges"); err != nil {
		return drivecache.WatchResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.watch("", channelID), nil
}

// StopWatch stops a channel.
func (d *Drive) StopWatch(ctx context.Context, channel ds.Channel) error {
	defer d.end()
	if err := d.begin(ctx, "StopWatch"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.channels[channel.ID]; !ok {
		return fmt.Errorf("channel %v: %w", channel.ID, drivecache.ErrNotFound)
	}

	delete(d.channels, channel.ID)
	return nil
}

// GetStartPageToken returns the current end of the change log.
func (d *Drive) GetStartPageToken(ctx context.Context) (string, error) {
	defer d.end()
	if err := d.begin(ctx, "GetStartPageToken"); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return strconv.Itoa(len(d.changes)), nil
}

// ListChanges returns a page of the change log.
func (d *Drive) ListChanges(ctx context.Context, pageToken string) (drivecache.ChangePage, error) {
	defer d.end()
	if err := d.begin(ctx, "ListChanges"); err != nil {
		return drivecache.ChangePage{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start, err := strconv.Atoi(pageToken)
	if err != nil || start < 0 || start > len(d.changes) {
		return drivecache.ChangePage{}, fmt.Errorf("page token %q: %w", pageToken, drivecache.ErrNotFound)
	}

	end := start + d.ChangesPageSize
	if end > len(d.changes) {
		end = len(d.changes)
	}

	page := drivecache.ChangePage{
		Changes: append([]drivecache.Change(nil), d.changes[start:end]...),
	}

	if end < len(d.changes) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		page.NewStartPageToken = strconv.Itoa(end)
	}

	return page, nil
}
