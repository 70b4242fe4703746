package stash

import (
	"log/slog"
	"time"

	"github.com/gophersatwork/stash/index"
	"github.com/spf13/afero"
)

// Option defines a function that configures a Repo.
type Option func(*Repo)

// WithFs sets a custom filesystem for the repo.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	repo, err := stash.Open("/data", stash.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(r *Repo) {
		r.fs = fs
	}
}

// WithNowFunc sets a custom time function for the repo.
// This is primarily useful for testing stale-file cleanup
// deterministically.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(r *Repo) {
		r.nowFunc = nowFunc
	}
}

// WithLogger sets the logger shared by every component of the repo.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repo) {
		r.logger = logger
	}
}

// WithWorkers sets how many files are hashed in parallel during a scan.
func WithWorkers(n int) Option {
	return func(r *Repo) {
		r.workers = n
	}
}

// WithArchive makes Build and Update copy the content of new and
// modified files into the store.
//
// Example:
//
//	repo, err := stash.Open("/data", stash.WithArchive())
func WithArchive() Option {
	return func(r *Repo) {
		r.archive = true
	}
}

// WithCodec sets the encoding used when saving the index. Snapshots in
// either encoding are read regardless of this setting.
func WithCodec(codec index.Codec) Option {
	return func(r *Repo) {
		r.codec = codec
	}
}

// WithKeepVersions sets how many previous index snapshots are retained
// next to the current one.
func WithKeepVersions(n int) Option {
	return func(r *Repo) {
		r.keep = n
	}
}

// WithStaleAfter sets how old the leftovers of an interrupted write
// must be before they are removed.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Repo) {
		r.staleAfter = d
	}
}
