package storage

import (
	"log/slog"
	"time"

	"github.com/spf13/afero"
)

// Option defines a function that configures a Store.
type Option func(*Store)

// WithFs sets the filesystem implementation for the store.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	store, err := storage.Open("/srv/stash", storage.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithNowFunc sets a custom time function for staleness decisions.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(s *Store) {
		s.nowFunc = nowFunc
	}
}

// WithStaleAfter sets how old leftovers of an interrupted write must be
// before Clean removes them.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		s.staleAfter = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}
