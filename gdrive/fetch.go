package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
	"github.com/m-rots/drivecache/metrics"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	fileFields   = "id,name,mimeType,parents,size,modifiedTime,webViewLink,iconLink,trashed"
	listFields   = "nextPageToken,files(" + fileFields + ")"
	changeFields = "nextPageToken,newStartPageToken,changes(fileId,driveId,removed,file(" + fileFields + "))"
)

const channelType = "web_hook"

// escape quotes a value for use within a Drive query string.
func escape(value string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
}

// classify maps Drive API errors onto the drivecache sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%v: %w", err, drivecache.ErrNetwork)
	}

	message := apiErr.Message
	if message == "" {
		message = http.StatusText(apiErr.Code)
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%v: %w", message, drivecache.ErrRateLimited)
	case http.StatusUnauthorized:
		return fmt.Errorf("%v: %w", message, drivecache.ErrInvalidCredentials)
	case http.StatusNotFound:
		return fmt.Errorf("%v: %w", message, drivecache.ErrNotFound)
	case http.StatusForbidden:
		for _, item := range apiErr.Errors {
			switch item.Reason {
			case "userRateLimitExceeded", "rateLimitExceeded":
				return fmt.Errorf("%v: %w", message, drivecache.ErrRateLimited)
			}
		}
	}

	return fmt.Errorf("%v: %w", message, drivecache.ErrNetwork)
}

// retryable reports whether the request may succeed when sent again.
func retryable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	switch apiErr.Code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}

	return false
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, drivecache.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, drivecache.ErrNotFound):
		return "not_found"
	case errors.Is(err, drivecache.ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}

// call executes do within the rate limit, retrying server errors.
func call[T any](ctx context.Context, fetch *Fetcher, operation string, do func() (T, error)) (T, error) {
	start := time.Now()

	var out T
	err := backoff.Retry(func() error {
		if err := fetch.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		res, err := do()
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		out = res
		return nil
	}, backoff.WithContext(fetch.backoff(), ctx))

	err = classify(err)
	metrics.RecordRemoteCall(operation, time.Since(start), result(err))

	return out, err
}

func convert(file *drive.File) ds.Item {
	item := ds.Item{
		ID:          file.Id,
		Name:        file.Name,
		MimeType:    file.MimeType,
		Parents:     file.Parents,
		Size:        file.Size,
		WebViewLink: file.WebViewLink,
		IconLink:    file.IconLink,
	}

	if modified, err := time.Parse(time.RFC3339, file.ModifiedTime); err == nil {
		item.ModifiedTime = modified
	}

	return item
}

func expiration(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// channel describes a new web_hook channel with an explicit expiration.
func (fetch *Fetcher) channel(channelID string, webhookURL string) *drive.Channel {
	return &drive.Channel{
		Id:         channelID,
		Type:       channelType,
		Address:    webhookURL,
		Expiration: fetch.now().Add(fetch.channelTTL).UnixMilli(),
	}
}

// ListChildren returns the children of a folder which are not trashed.
func (fetch *Fetcher) ListChildren(ctx context.Context, folderID string) ([]ds.Item, error) {
	var items []ds.Item
	var pageToken string

	for {
		req := fetch.service.Files.List().
			Q(fmt.Sprintf("'%v' in parents and trashed=false", escape(folderID))).
			PageSize(fetch.pageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Fields(listFields)

		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		res, err := call(ctx, fetch, "files.list", func() (*drive.FileList, error) {
			return req.Context(ctx).Do()
		})
		if err != nil {
			return nil, fmt.Errorf("list %v: %w", folderID, err)
		}

		for _, file := range res.Files {
			items = append(items, convert(file))
		}

		if res.NextPageToken == "" {
			break
		}

		pageToken = res.NextPageToken
	}

	return items, nil
}

// ListTrashedFolders returns every trashed folder, limited to the Shared Drive when one is set.
func (fetch *Fetcher) ListTrashedFolders(ctx context.Context) ([]ds.Item, error) {
	var items []ds.Item
	var pageToken string

	for {
		req := fetch.service.Files.List().
			Q(fmt.Sprintf("mimeType='%v' and trashed=true", ds.FolderMimeType)).
			PageSize(fetch.pageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Fields(listFields)

		if fetch.driveID != "" {
			req = req.Corpora("drive").DriveId(fetch.driveID)
		}

		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		res, err := call(ctx, fetch, "files.list", func() (*drive.FileList, error) {
			return req.Context(ctx).Do()
		})
		if err != nil {
			return nil, fmt.Errorf("list trashed folders: %w", err)
		}

		for _, file := range res.Files {
			items = append(items, convert(file))
		}

		if res.NextPageToken == "" {
			break
		}

		pageToken = res.NextPageToken
	}

	return items, nil
}

// GetItem returns a single file or folder.
func (fetch *Fetcher) GetItem(ctx context.Context, id string) (ds.Item, error) {
	file, err := call(ctx, fetch, "files.get", func() (*drive.File, error) {
		return fetch.service.Files.Get(id).
			SupportsAllDrives(true).
			Fields(fileFields).
			Context(ctx).Do()
	})
	if err != nil {
		return ds.Item{}, fmt.Errorf("get %v: %w", id, err)
	}

	if file.Trashed {
		return ds.Item{}, fmt.Errorf("%v is trashed: %w", id, drivecache.ErrNotFound)
	}

	return convert(file), nil
}

// CreateFolder creates a folder within the parent.
func (fetch *Fetcher) CreateFolder(ctx context.Context, parentID string, name string) (ds.Item, error) {
	folder := &drive.File{
		Name:     name,
		MimeType: ds.FolderMimeType,
		Parents:  []string{parentID},
	}

	file, err := call(ctx, fetch, "files.create", func() (*drive.File, error) {
		return fetch.service.Files.Create(folder).
			SupportsAllDrives(true).
			Fields(fileFields).
			Context(ctx).Do()
	})
	if err != nil {
		return ds.Item{}, fmt.Errorf("create %v in %v: %w", name, parentID, err)
	}

	return convert(file), nil
}

// MoveAndRename moves a file from its old parent to the new parent under a new name.
func (fetch *Fetcher) MoveAndRename(ctx context.Context, id string, oldParentID string, newParentID string, newName string) (ds.Item, error) {
	file, err := call(ctx, fetch, "files.update", func() (*drive.File, error) {
		return fetch.service.Files.Update(id, &drive.File{Name: newName}).
			AddParents(newParentID).
			RemoveParents(oldParentID).
			SupportsAllDrives(true).
			Fields(fileFields).
			Context(ctx).Do()
	})
	if err != nil {
		return ds.Item{}, fmt.Errorf("move %v: %w", id, err)
	}

	return convert(file), nil
}

// Trash moves a file or folder to the trash.
func (fetch *Fetcher) Trash(ctx context.Context, id string) error {
	_, err := call(ctx, fetch, "files.trash", func() (*drive.File, error) {
		return fetch.service.Files.Update(id, &drive.File{Trashed: true}).
			SupportsAllDrives(true).
			Fields("id").
			Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("trash %v: %w", id, err)
	}

	return nil
}

// CreateWatch subscribes webhookURL to the changes of a folder.
func (fetch *Fetcher) CreateWatch(ctx context.Context, folderID string, channelID string, webhookURL string) (drivecache.WatchResult, error) {
	channel := fetch.channel(channelID, webhookURL)

	res, err := call(ctx, fetch, "files.watch", func() (*drive.Channel, error) {
		return fetch.service.Files.Watch(folderID, channel).
			SupportsAllDrives(true).
			Context(ctx).Do()
	})
	if err != nil {
		return drivecache.WatchResult{}, fmt.Errorf("watch %v: %w", folderID, err)
	}

	return drivecache.WatchResult{
		ResourceID: res.ResourceId,
		Expiration: expiration(res.Expiration),
	}, nil
}

// WatchChanges subscribes webhookURL to the change log, starting at pageToken.
func (fetch *Fetcher) WatchChanges(ctx context.Context, pageToken string, channelID string, webhookURL string) (drivecache.WatchResult, error) {
	channel := fetch.channel(channelID, webhookURL)

	res, err := call(ctx, fetch, "changes.watch", func() (*drive.Channel, error) {
		req := fetch.service.Changes.Watch(pageToken, channel).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true)

		if fetch.driveID != "" {
			req = req.DriveId(fetch.driveID)
		}

		return req.Context(ctx).Do()
	})
	if err != nil {
		return drivecache.WatchResult{}, fmt.Errorf("watch changes: %w", err)
	}

	return drivecache.WatchResult{
		ResourceID: res.ResourceId,
		Expiration: expiration(res.Expiration),
	}, nil
}

// StopWatch stops a watch channel.
func (fetch *Fetcher) StopWatch(ctx context.Context, channel ds.Channel) error {
	_, err := call(ctx, fetch, "channels.stop", func() (struct{}, error) {
		return struct{}{}, fetch.service.Channels.Stop(&drive.Channel{
			Id:         channel.ID,
			ResourceId: channel.ResourceID,
		}).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("stop channel %v: %w", channel.ID, err)
	}

	return nil
}

// GetStartPageToken returns the current end of the change log.
func (fetch *Fetcher) GetStartPageToken(ctx context.Context) (string, error) {
	res, err := call(ctx, fetch, "changes.getStartPageToken", func() (*drive.StartPageToken, error) {
		req := fetch.service.Changes.GetStartPageToken().SupportsAllDrives(true)
		if fetch.driveID != "" {
			req = req.DriveId(fetch.driveID)
		}

		return req.Context(ctx).Do()
	})
	if err != nil {
		return "", fmt.Errorf("start page token: %w", err)
	}

	if res.StartPageToken == "" {
		return "", fmt.Errorf("missing start page token: %w", drivecache.ErrNetwork)
	}

	return res.StartPageToken, nil
}

// ListChanges returns one page of the change log.
// Trashed files are reported as removed.
func (fetch *Fetcher) ListChanges(ctx context.Context, pageToken string) (drivecache.ChangePage, error) {
	res, err := call(ctx, fetch, "changes.list", func() (*drive.ChangeList, error) {
		req := fetch.service.Changes.List(pageToken).
			PageSize(fetch.pageSize).
			IncludeRemoved(true).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Fields(changeFields)

		if fetch.driveID != "" {
			req = req.DriveId(fetch.driveID)
		}

		return req.Context(ctx).Do()
	})
	if err != nil {
		return drivecache.ChangePage{}, fmt.Errorf("list changes: %w", err)
	}

	page := drivecache.ChangePage{
		NextPageToken:     res.NextPageToken,
		NewStartPageToken: res.NewStartPageToken,
	}

	for _, change := range res.Changes {
		c := drivecache.Change{
			FileID:  change.FileId,
			DriveID: change.DriveId,
			Removed: change.Removed,
		}

		if change.File != nil {
			if change.File.Trashed {
				c.Removed = true
			} else {
				item := convert(change.File)
				c.Item = &item
			}
		}

		page.Changes = append(page.Changes, c)
	}

	return page, nil
}

var _ drivecache.Remote = (*Fetcher)(nil)
