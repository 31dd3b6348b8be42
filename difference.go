package drivecache

import (
	ds "github.com/m-rots/drivecache/datastore"
)

// The Difference contains all added, changed and removed children of a folder
// between the cached listing and a fresh listing.
//
// When the folder was not cached, every child counts as added.
type Difference struct {
	Added   []ds.Item
	Changed []ds.Item
	Removed []ds.Item
}

// Empty reports whether the listings are identical.
func (diff Difference) Empty() bool {
	return len(diff.Added) == 0 && len(diff.Changed) == 0 && len(diff.Removed) == 0
}

// Hook allows the injection of functions between the fetch and datastore operations
// of a folder refresh.
//
// The first hook parameter contains the ID of the refreshed folder.
// The second parameter contains the differences compared to the cached state,
// which could be incomplete when parts of the cached state had already expired.
//
// Returning an error aborts the refresh and leaves the cache untouched.
type Hook = func(folderID string, diff Difference) error

func difference(old []ds.Item, fresh []ds.Item) Difference {
	var diff Difference

	previous := make(map[string]ds.Item, len(old))
	for _, item := range old {
		previous[item.ID] = item
	}

	for _, item := range fresh {
		p, ok := previous[item.ID]
		if !ok {
			// If the item is not in the old state, it must have been added.
			diff.Added = append(diff.Added, item)
			continue
		}

		// If any of the fields do not align between the old and new state,
		// then this item must have been changed.
		if !sameItem(p, item) {
			diff.Changed = append(diff.Changed, item)
		}

		delete(previous, item.ID)
	}

	// Whatever is left of the old state is gone, keep the old order.
	for _, item := range old {
		if _, ok := previous[item.ID]; ok {
			diff.Removed = append(diff.Removed, item)
		}
	}

	return diff
}

func sameItem(a, b ds.Item) bool {
	if a.Name != b.Name || a.MimeType != b.MimeType || a.Size != b.Size || !a.ModifiedTime.Equal(b.ModifiedTime) {
		return false
	}

	if a.WebViewLink != b.WebViewLink || a.IconLink != b.IconLink || len(a.Parents) != len(b.Parents) {
		return false
	}

	for i := range a.Parents {
		if a.Parents[i] != b.Parents[i] {
			return false
		}
	}

	return true
}
