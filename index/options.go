package index

import (
	"log/slog"

	"github.com/gophersatwork/stash/storage"
)

// Option defines a function that configures an Indexer.
type Option func(*Indexer)

// WithWorkers sets how many files are hashed in parallel.
// Values below one are treated as one.
func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n < 1 {
			n = 1
		}
		ix.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Indexer) {
		ix.logger = logger
	}
}

// WithArchive makes every scan store the content of new and modified
// files in store. Touched and moved files are not written again.
func WithArchive(store *storage.Store) Option {
	return func(ix *Indexer) {
		ix.archive = store
	}
}

// WithSkip sets a filter for entries that must not be indexed, such as
// the directory holding the store itself.
func WithSkip(skip SkipFunc) Option {
	return func(ix *Indexer) {
		ix.skip = skip
	}
}
