package drivecache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-rots/drivecache"
	ds "github.com/m-rots/drivecache/datastore"
)

func storedToken(t *testing.T, f *fixture) string {
	t.Helper()

	var token string
	if err := ds.GetJSON(context.Background(), f.store, "changes/token", &token); err != nil {
		t.Fatal(err)
	}

	return token
}

func TestProcessChangeNotification(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.hierarchy()

	// The first run only bootstraps the position.
	moved, err := f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 0 || f.drive.Calls("GetStartPageToken") != 1 {
		t.Fatalf("unexpected bootstrap: %d moved", moved)
	}

	f.drive.AddFile("F", "report.pdf", "L3")

	moved, err = f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 1 {
		t.Fatalf("expected 1 moved file, got %d", moved)
	}

	item, _ := f.drive.Get("F")
	if item.Name != "2024-Q1-Acme-report.pdf" {
		t.Errorf("unexpected name: %v", item.Name)
	}

	// The moved file now lives outside of the source hierarchy.
	moved, err = f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 0 {
		t.Errorf("destination changes were moved again: %d", moved)
	}

	if calls := f.drive.Calls("GetStartPageToken"); calls != 1 {
		t.Errorf("position was bootstrapped %d times", calls)
	}
}

func TestProcessChangeNotificationFailure(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.hierarchy()

	if _, err := f.cache.ProcessChangeNotification(ctx); err != nil {
		t.Fatal(err)
	}

	before := storedToken(t, f)

	f.drive.AddFile("F", "report.pdf", "L3")
	f.drive.FailNext("MoveAndRename", drivecache.ErrNetwork)

	if _, err := f.cache.ProcessChangeNotification(ctx); !errors.Is(err, drivecache.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}

	if after := storedToken(t, f); after != before {
		t.Fatalf("position advanced past a failure: %v -> %v", before, after)
	}

	// The same changes are processed again.
	moved, err := f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 1 {
		t.Errorf("expected 1 moved file, got %d", moved)
	}

	if after := storedToken(t, f); after == before {
		t.Errorf("position did not advance")
	}
}

func TestProcessChangeNotificationPages(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.hierarchy()
	f.drive.ChangesPageSize = 1

	if _, err := f.cache.ProcessChangeNotification(ctx); err != nil {
		t.Fatal(err)
	}

	listings := f.drive.Calls("ListChanges")

	f.drive.AddFile("A", "a.pdf", "L3")
	f.drive.AddFile("B", "b.pdf", "L3")
	f.drive.AddFile("C", "c.pdf", "L3")

	moved, err := f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 3 {
		t.Errorf("expected 3 moved files, got %d", moved)
	}

	if calls := f.drive.Calls("ListChanges") - listings; calls != 3 {
		t.Errorf("expected 3 pages, got %d", calls)
	}

	// One destination chain serves all files.
	if calls := f.drive.Calls("CreateFolder"); calls != 3 {
		t.Errorf("expected 3 created folders, got %d", calls)
	}
}

func TestProcessChangeNotificationSkips(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t, drivecache.WithDriveID("mine"))
	f.hierarchy()

	if _, err := f.cache.ProcessChangeNotification(ctx); err != nil {
		t.Fatal(err)
	}

	elsewhere := ds.Item{ID: "X", Name: "x.pdf", MimeType: "application/pdf", Parents: []string{"L3"}}

	// Removed after being added.
	f.drive.AddFile("gone", "gone.pdf", "L3")
	f.drive.Remove("gone")
	// A change of another shared drive.
	f.drive.RecordChange(drivecache.Change{FileID: "X", DriveID: "other", Item: &elsewhere})
	// Folders are never moved.
	f.drive.AddFolder("sub", "Sub", "L3")
	// An item which no longer exists.
	f.drive.RecordChange(drivecache.Change{FileID: "ghost"})

	moved, err := f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 0 || f.drive.Calls("MoveAndRename") != 0 {
		t.Errorf("skipped changes were moved: %d", moved)
	}

	if _, ok := f.drive.Get("sub"); !ok {
		t.Errorf("folder was touched")
	}
}

func TestProcessChangeNotificationDuplicates(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t)
	f.hierarchy()

	if _, err := f.cache.ProcessChangeNotification(ctx); err != nil {
		t.Fatal(err)
	}

	item := f.drive.AddFile("F", "report.pdf", "L3")
	f.drive.RecordChange(drivecache.Change{FileID: "F", Item: &item})

	// Without parents, the cached (or fetched) state supplies them.
	withoutParents := ds.Item{ID: "G", Name: "notes.pdf", MimeType: "application/pdf"}
	f.drive.AddFile("G", "notes.pdf", "L3")
	f.drive.RecordChange(drivecache.Change{FileID: "G", Item: &withoutParents})

	moved, err := f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 2 {
		t.Errorf("expected 2 moved files, got %d", moved)
	}

	if calls := f.drive.Calls("MoveAndRename"); calls != 2 {
		t.Errorf("expected 2 moves, got %d", calls)
	}

	item, _ = f.drive.Get("G")
	if item.Name != "2024-Q1-Acme-notes.pdf" {
		t.Errorf("unexpected name: %v", item.Name)
	}
}

func TestProcessChangeNotificationMovesDisabled(t *testing.T) {
	ctx := context.Background()
	f := setupTest(t, drivecache.WithDestinationRoot(""))
	f.hierarchy()

	if _, err := f.cache.ProcessChangeNotification(ctx); err != nil {
		t.Fatal(err)
	}

	before := storedToken(t, f)
	f.drive.AddFile("F", "report.pdf", "L3")

	moved, err := f.cache.ProcessChangeNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if moved != 0 || f.drive.Calls("MoveAndRename") != 0 {
		t.Errorf("files were moved without a destination")
	}

	if storedToken(t, f) == before {
		t.Errorf("position did not advance")
	}
}
