package index

import (
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
)

// ChangeKind classifies what happened to a path between two snapshots.
type ChangeKind int

const (
	// Added paths were not in the previous snapshot.
	Added ChangeKind = iota + 1
	// Removed paths are gone from disk.
	Removed
	// Modified paths have new metadata and new content.
	Modified
	// Touched paths have new metadata but the same content. No storage
	// write is needed for them.
	Touched
	// Moved paths replace a removed path with identical id and size.
	Moved
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	case Touched:
		return "touched"
	case Moved:
		return "moved"
	}
	return "unknown"
}

// Change is the classification of one path.
type Change struct {
	Kind ChangeKind
	Path string
	// From is the previous path of a moved entry.
	From string
	ID   resource.ID
	// Recomputed reports whether the content of Path was read and
	// hashed during the scan.
	Recomputed bool
}

// Changes is the difference between the previous snapshot given to
// Update and the one it returned. Unchanged paths are not listed.
type Changes struct {
	Items []Change // ordered by path
	// Recomputed counts every file hashed during the scan, including
	// touched files.
	Recomputed int
	// Skipped lists files that could not be read. They are absent from
	// the new snapshot.
	Skipped []errs.Skipped
}

// Of returns the changes of the given kind.
func (c *Changes) Of(kind ChangeKind) []Change {
	var out []Change
	for _, ch := range c.Items {
		if ch.Kind == kind {
			out = append(out, ch)
		}
	}
	return out
}

// Lookup returns the change recorded for path.
func (c *Changes) Lookup(path string) (Change, bool) {
	for _, ch := range c.Items {
		if ch.Path == path {
			return ch, true
		}
	}
	return Change{}, false
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.Items) == 0
}
