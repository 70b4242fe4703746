// Package index maps a directory tree onto resource ids.
//
// A FileIndex is an immutable snapshot of every regular file below a
// root, taken by an Indexer. Snapshots are never modified: Update
// produces a new one, and Save persists it as a single atomicfile value
// so readers see either the previous or the new snapshot in full.
//
// Update trusts a cached id without reading the file in two cases: the
// path is unchanged and so are its size and modification time, or the
// path is new and it is the same file (device and inode) as a vanished
// entry, again with size and modification time intact. Filesystems
// that report no file identity, such as afero's MemMapFs, never take
// the second shortcut: a renamed file is read again and still
// recognised as moved by its id.
package index

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/gophersatwork/stash/resource"
)

// Entry is one indexed file.
type Entry struct {
	Path    string // slash-separated, relative to the index root
	ID      resource.ID
	Size    int64
	ModTime time.Time
	// Key is the file's identity when the filesystem reports one.
	Key resource.FileKey
}

// Metadata returns the cached observation of the file, usable as the
// previous value for resource.IDWithCache.
func (e Entry) Metadata() resource.Metadata {
	id := e.ID
	return resource.Metadata{Size: e.Size, ModTime: e.ModTime, Key: e.Key, ID: &id}
}

// Group is a set of paths sharing one id.
type Group struct {
	ID    resource.ID
	Paths []string
}

// FileIndex is a point-in-time snapshot of a directory tree.
type FileIndex struct {
	root    string
	entries map[string]Entry
	groups  map[resource.ID][]string
}

// newFileIndex takes ownership of entries and derives the id groups.
func newFileIndex(root string, entries map[string]Entry) *FileIndex {
	groups := make(map[resource.ID][]string)
	for p, e := range entries {
		groups[e.ID] = append(groups[e.ID], p)
	}
	for _, paths := range groups {
		slices.Sort(paths)
	}
	return &FileIndex{root: root, entries: entries, groups: groups}
}

// Empty returns a snapshot of root with no entries.
func Empty(root string) *FileIndex {
	return newFileIndex(root, make(map[string]Entry))
}

// Root returns the directory the snapshot was taken of.
func (x *FileIndex) Root() string {
	return x.root
}

// Len returns the number of indexed files.
func (x *FileIndex) Len() int {
	return len(x.entries)
}

// Get returns the entry for path.
func (x *FileIndex) Get(path string) (Entry, bool) {
	e, ok := x.entries[path]
	return e, ok
}

// Paths returns all indexed paths in lexical order.
func (x *FileIndex) Paths() []string {
	return slices.Sorted(maps.Keys(x.entries))
}

// Entries returns all entries ordered by path.
func (x *FileIndex) Entries() []Entry {
	out := make([]Entry, 0, len(x.entries))
	for _, p := range x.Paths() {
		out = append(out, x.entries[p])
	}
	return out
}

// PathsOf returns the paths whose content has id, in lexical order.
func (x *FileIndex) PathsOf(id resource.ID) []string {
	return slices.Clone(x.groups[id])
}

// IDs returns every distinct id in the snapshot.
func (x *FileIndex) IDs() []resource.ID {
	ids := slices.Collect(maps.Keys(x.groups))
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Collisions returns the groups with more than one path, that is, the
// duplicated content in the tree, ordered by their first path.
func (x *FileIndex) Collisions() []Group {
	var out []Group
	for id, paths := range x.groups {
		if len(paths) > 1 {
			out = append(out, Group{ID: id, Paths: slices.Clone(paths)})
		}
	}
	slices.SortFunc(out, func(a, b Group) int {
		return cmp.Compare(a.Paths[0], b.Paths[0])
	})
	return out
}

func compareIDs(a, b resource.ID) int {
	if c := cmp.Compare(a.CRC32, b.CRC32); c != 0 {
		return c
	}
	return cmp.Compare(a.Size, b.Size)
}
