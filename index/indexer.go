package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
	"github.com/gophersatwork/stash/storage"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Indexer takes snapshots of one directory tree.
type Indexer struct {
	fs      afero.Fs
	root    string
	workers int
	logger  *slog.Logger
	archive *storage.Store
	skip    SkipFunc
}

// New returns an Indexer for the tree below root.
func New(fsys afero.Fs, root string, options ...Option) *Indexer {
	ix := &Indexer{
		fs:      fsys,
		root:    root,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(ix)
	}
	return ix
}

// Root returns the indexed directory.
func (ix *Indexer) Root() string {
	return ix.root
}

// Build hashes every regular file below the root.
//
// Files that cannot be read are left out, and the returned error is an
// *errs.ScanError listing them next to a usable snapshot. An
// inaccessible root is an errs.ErrIO error and no snapshot. On
// cancellation the context's error is returned and no snapshot.
func (ix *Indexer) Build(ctx context.Context) (*FileIndex, error) {
	idx, changes, err := ix.scan(ctx, Empty(ix.root))
	if idx == nil {
		return nil, err
	}
	ix.logger.Info("index built", "root", ix.root, "files", idx.Len(), "skipped", len(changes.Skipped))
	return idx, err
}

// Update rescans the root against prev, trusting the ids of files whose
// size and modification time are unchanged, and classifies every
// difference. A renamed file keeps its id unread only when it is
// provably the same file. A nil prev behaves like an empty snapshot.
//
// Errors are reported as for Build.
func (ix *Indexer) Update(ctx context.Context, prev *FileIndex) (*FileIndex, *Changes, error) {
	if prev == nil {
		prev = Empty(ix.root)
	}
	idx, changes, err := ix.scan(ctx, prev)
	if idx == nil {
		return nil, nil, err
	}
	ix.logger.Info("index updated",
		"root", ix.root,
		"files", idx.Len(),
		"changes", len(changes.Items),
		"recomputed", changes.Recomputed,
		"skipped", len(changes.Skipped),
	)
	return idx, changes, err
}

// scanned is the outcome of examining one path.
type scanned struct {
	entry      Entry
	recomputed bool
	// from names a vanished path whose cached id was reused because it
	// is the same file, renamed, with size and modification time intact.
	from string
	gone bool
	err  error
}

func (ix *Indexer) scan(ctx context.Context, prev *FileIndex) (*FileIndex, *Changes, error) {
	const op = "index.scan"

	info, err := ix.fs.Stat(ix.root)
	if err != nil {
		return nil, nil, errs.IO(op, ix.root, err)
	}
	if !info.IsDir() {
		return nil, nil, errs.IO(op, ix.root, fmt.Errorf("not a directory"))
	}

	var paths []string
	var skipped []errs.Skipped
	for rel, walkErr := range Walk(ix.fs, ix.root, ix.skip) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if walkErr != nil {
			if rel == "" {
				return nil, nil, walkErr
			}
			ix.logger.Warn("skipping unreadable directory", "path", rel, "error", walkErr)
			skipped = append(skipped, errs.Skipped{Path: rel, Err: walkErr})
			continue
		}
		paths = append(paths, rel)
	}
	slices.Sort(paths)

	present := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		present[p] = struct{}{}
	}
	// Vanished entries, by size, for reusing their ids on renamed files.
	// Entries without a file key can never match and are left out.
	candidates := make(map[int64][]Entry)
	for _, e := range prev.Entries() {
		if _, ok := present[e.Path]; !ok && !e.Key.IsZero() {
			candidates[e.Size] = append(candidates[e.Size], e)
		}
	}

	results := make([]scanned, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, rel := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := ix.examine(rel, prev, candidates)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	idx, changes := ix.merge(prev, paths, results, skipped)
	return idx, changes, errs.NewScanError(changes.Skipped)
}

// examine computes the entry for one path. Per-file failures are
// recorded in the result; only a failing archive store is returned.
func (ix *Indexer) examine(rel string, prev *FileIndex, candidates map[int64][]Entry) (scanned, error) {
	abs := filepath.Join(ix.root, filepath.FromSlash(rel))
	var r scanned

	var previous *resource.Metadata
	old, known := prev.Get(rel)
	if known {
		m := old.Metadata()
		previous = &m
	} else if len(candidates) > 0 {
		current, err := resource.Snapshot(ix.fs, abs)
		if err != nil {
			return ix.failed(rel, err), nil
		}
		for _, c := range candidates[current.Size] {
			m := c.Metadata()
			if m.SameFile(current) && m.Unchanged(current) {
				previous = &m
				r.from = c.Path
				break
			}
		}
	}

	id, meta, recomputed, err := resource.IDWithCache(ix.fs, abs, previous)
	if err != nil {
		return ix.failed(rel, err), nil
	}
	r.entry = Entry{Path: rel, ID: id, Size: meta.Size, ModTime: meta.ModTime, Key: meta.Key}
	r.recomputed = recomputed

	if ix.archive != nil && recomputed && (!known || old.ID != id) {
		if err := ix.store(abs, id); err != nil {
			var fileErr *archiveSourceError
			if errors.As(err, &fileErr) {
				return ix.failed(rel, fileErr.err), nil
			}
			return scanned{}, err
		}
	}
	return r, nil
}

// archiveSourceError marks a store failure caused by the file being
// archived rather than by the archive.
type archiveSourceError struct{ err error }

func (e *archiveSourceError) Error() string { return e.err.Error() }

// trackedFile remembers the first read error of the file being streamed.
type trackedFile struct {
	r   io.Reader
	err error
}

func (t *trackedFile) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// store streams the file at abs into the archive under id.
func (ix *Indexer) store(abs string, id resource.ID) error {
	file, err := ix.fs.Open(abs)
	if err != nil {
		return &archiveSourceError{errs.IO("index.archive", abs, err)}
	}
	defer file.Close()

	src := &trackedFile{r: file}
	err = ix.archive.PutStream(id, src)
	switch {
	case err == nil:
		return nil
	case src.err != nil:
		return &archiveSourceError{errs.IO("index.archive", abs, src.err)}
	case errors.Is(err, errs.ErrChecksumMismatch):
		// The content moved on since it was hashed.
		return &archiveSourceError{errs.IO("index.archive", abs, resource.ErrChangedWhileReading)}
	}
	return err
}

func (ix *Indexer) failed(rel string, err error) scanned {
	if errors.Is(err, fs.ErrNotExist) {
		ix.logger.Debug("file vanished during scan", "path", rel)
		return scanned{gone: true}
	}
	ix.logger.Warn("skipping unreadable file", "path", rel, "error", err)
	return scanned{err: err}
}

// merge assembles the new snapshot and classifies it against prev.
func (ix *Indexer) merge(prev *FileIndex, paths []string, results []scanned, skipped []errs.Skipped) (*FileIndex, *Changes) {
	changes := &Changes{Skipped: skipped}
	entries := make(map[string]Entry, len(results))
	var added []scanned

	for i, r := range results {
		switch {
		case r.gone:
			continue
		case r.err != nil:
			changes.Skipped = append(changes.Skipped, errs.Skipped{Path: paths[i], Err: r.err})
			continue
		}
		if r.recomputed {
			changes.Recomputed++
		}
		entries[r.entry.Path] = r.entry

		old, known := prev.Get(r.entry.Path)
		switch {
		case !known:
			added = append(added, r)
		case !r.recomputed:
		case old.ID == r.entry.ID:
			changes.Items = append(changes.Items, change(Touched, r))
		default:
			changes.Items = append(changes.Items, change(Modified, r))
		}
	}

	// Previous entries that are gone, except those we merely failed to
	// read this time.
	vanished := make(map[string]Entry)
	byID := make(map[resource.ID][]string)
	for _, e := range prev.Entries() {
		if _, ok := entries[e.Path]; ok || isSkipped(e.Path, changes.Skipped) {
			continue
		}
		vanished[e.Path] = e
		byID[e.ID] = append(byID[e.ID], e.Path)
	}

	for _, r := range added {
		from := ""
		if e, ok := vanished[r.from]; ok && e.ID == r.entry.ID {
			from = r.from
		} else {
			for _, p := range byID[r.entry.ID] {
				if e, ok := vanished[p]; ok && e.Size == r.entry.Size {
					from = p
					break
				}
			}
		}
		if from == "" {
			changes.Items = append(changes.Items, change(Added, r))
			continue
		}
		delete(vanished, from)
		c := change(Moved, r)
		c.From = from
		changes.Items = append(changes.Items, c)
	}
	for p, e := range vanished {
		changes.Items = append(changes.Items, Change{Kind: Removed, Path: p, ID: e.ID})
	}

	slices.SortFunc(changes.Items, func(a, b Change) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return newFileIndex(ix.root, entries), changes
}

func change(kind ChangeKind, r scanned) Change {
	return Change{Kind: kind, Path: r.entry.Path, ID: r.entry.ID, Recomputed: r.recomputed}
}

// isSkipped reports whether path is, or lies below, a skipped entry.
func isSkipped(path string, skipped []errs.Skipped) bool {
	for _, s := range skipped {
		if path == s.Path || strings.HasPrefix(path, s.Path+"/") {
			return true
		}
	}
	return false
}
