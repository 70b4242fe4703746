package stash

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/index"
	"github.com/gophersatwork/stash/properties"
	"github.com/gophersatwork/stash/storage"
	"github.com/spf13/afero"
)

// MetaDir is the directory below the root that holds the index, the
// resource store and the property documents. It is never indexed.
const MetaDir = ".stash"

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Repo is an explicit handle on one indexed tree and its store. Every
// operation goes through a Repo; nothing is cached process-wide.
type Repo struct {
	root       string
	fs         afero.Fs
	nowFunc    NowFunc
	logger     *slog.Logger
	workers    int
	archive    bool
	codec      index.Codec
	keep       int
	staleAfter time.Duration

	store *storage.Store
	props *properties.Properties
	slot  *atomicfile.Slot
}

// Open opens the tree at root. The metadata directory is created if it
// doesn't exist; the index itself is only written by Build or Update.
func Open(root string, options ...Option) (*Repo, error) {
	r := &Repo{
		root:       root,
		fs:         afero.NewOsFs(),
		nowFunc:    time.Now,
		logger:     slog.New(slog.DiscardHandler),
		workers:    runtime.GOMAXPROCS(0),
		codec:      index.JSON,
		staleAfter: atomicfile.DefaultStaleAfter,
	}

	for _, option := range options {
		option(r)
	}

	info, err := r.fs.Stat(root)
	if err != nil {
		return nil, errs.IO("stash.open", root, err)
	}
	if !info.IsDir() {
		return nil, errs.IO("stash.open", root, fmt.Errorf("not a directory"))
	}

	r.store, err = storage.Open(r.storageDir(),
		storage.WithFs(r.fs),
		storage.WithNowFunc(storage.NowFunc(r.nowFunc)),
		storage.WithStaleAfter(r.staleAfter),
		storage.WithLogger(r.logger.With("component", "storage")),
	)
	if err != nil {
		return nil, err
	}
	r.props = properties.Open(r.fs, r.metaDir(), properties.WithLogger(r.logger.With("component", "properties")))
	r.slot = atomicfile.Open(r.fs, r.indexPath(),
		atomicfile.WithKeep(r.keep),
		atomicfile.WithStaleAfter(r.staleAfter),
		atomicfile.WithNowFunc(atomicfile.NowFunc(r.nowFunc)),
		atomicfile.WithLogger(r.logger.With("component", "index")),
	)
	return r, nil
}

// OpenTemp creates an in-memory repo rooted at /, for tests and
// experiments.
func OpenTemp(options ...Option) *Repo {
	r, err := Open("/", append([]Option{WithFs(afero.NewMemMapFs())}, options...)...)
	if err != nil {
		panic(fmt.Sprintf("failed to create temp repo: %v", err))
	}
	return r
}

func (r *Repo) metaDir() string {
	return filepath.Join(r.root, MetaDir)
}

func (r *Repo) storageDir() string {
	return filepath.Join(r.metaDir(), "storage")
}

func (r *Repo) indexPath() string {
	return filepath.Join(r.metaDir(), "index")
}

// Root returns the indexed directory.
func (r *Repo) Root() string {
	return r.root
}

// Fs returns the filesystem the repo works on.
func (r *Repo) Fs() afero.Fs {
	return r.fs
}

// Store returns the resource store.
func (r *Repo) Store() *storage.Store {
	return r.store
}

// Properties returns the property documents.
func (r *Repo) Properties() *properties.Properties {
	return r.props
}

// Indexer returns an indexer for the tree that leaves the metadata
// directory out and, when archiving is enabled, fills the store.
func (r *Repo) Indexer() *index.Indexer {
	options := []index.Option{
		index.WithWorkers(r.workers),
		index.WithLogger(r.logger.With("component", "indexer")),
		index.WithSkip(func(rel string, info fs.FileInfo) bool {
			return info.IsDir() && rel == MetaDir
		}),
	}
	if r.archive {
		options = append(options, index.WithArchive(r.store))
	}
	return index.New(r.fs, r.root, options...)
}

// Index returns the last saved snapshot and its version. A tree that was
// never built is errs.ErrNotFound.
func (r *Repo) Index() (*index.FileIndex, uint64, error) {
	return index.Load(r.slot)
}

// Build indexes the whole tree from scratch and saves the result,
// replacing any previous snapshot. A partial scan is saved and its
// *errs.ScanError returned along with the snapshot.
func (r *Repo) Build(ctx context.Context) (*index.FileIndex, error) {
	idx, scanErr := r.Indexer().Build(ctx)
	if idx == nil {
		return nil, scanErr
	}
	if _, err := index.Save(r.slot, idx, nil, r.codec); err != nil {
		return nil, err
	}
	return idx, scanErr
}

// Update rescans the tree against the saved snapshot and saves the
// result. Without a saved snapshot it behaves like Build with every
// file reported as added.
//
// The save only succeeds if nobody saved another snapshot since this
// one was loaded; otherwise errs.ErrVersionConflict is returned and
// nothing is written, and the caller may simply call Update again.
func (r *Repo) Update(ctx context.Context) (*index.FileIndex, *index.Changes, error) {
	prev, version, err := r.Index()
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, nil, err
	}

	idx, changes, scanErr := r.Indexer().Update(ctx, prev)
	if idx == nil {
		return nil, nil, scanErr
	}
	if _, err := index.Save(r.slot, idx, &version, r.codec); err != nil {
		return nil, nil, err
	}
	return idx, changes, scanErr
}

// Status reports what Update would change without saving anything.
func (r *Repo) Status(ctx context.Context) (*index.Changes, error) {
	prev, _, err := r.Index()
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	_, changes, err := r.Indexer().Update(ctx, prev)
	return changes, err
}

// ResetIndex deletes the saved snapshot and its retained versions, so
// the next Build starts over at version 1. It is the way out when the
// snapshot is damaged: Build refuses to overwrite a snapshot it cannot
// verify. Resetting a tree without a snapshot is not an error.
func (r *Repo) ResetIndex() error {
	if err := r.slot.Remove(); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	r.logger.Info("index reset", "root", r.root)
	return nil
}

// Prune drops saved index versions beyond the newest keep.
func (r *Repo) Prune(keep int) error {
	return r.slot.Prune(keep)
}

// IndexVersions lists the retained historical index versions.
func (r *Repo) IndexVersions() ([]uint64, error) {
	return r.slot.Versions()
}

// Clean removes stale leftovers of interrupted writes from the store
// and the index.
func (r *Repo) Clean() (int, error) {
	removed, err := r.store.Clean()
	if err != nil {
		return removed, err
	}
	n, err := r.slot.CleanStale()
	if err != nil {
		return removed, err
	}
	return removed + n, nil
}
