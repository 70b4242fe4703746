package storage

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"path/filepath"

	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
	"github.com/spf13/afero"
)

// Stats represents store statistics.
type Stats struct {
	Records     int   // Number of stored resources
	ContentSize int64 // Sum of resource sizes in bytes
	DiskSize    int64 // Bytes on disk, including headers and leftovers
	Leftovers   int   // Temp and claim files currently present
}

// VerifyReport lists the outcome of re-hashing every record.
type VerifyReport struct {
	Checked int
	Corrupt []resource.ID
}

// All yields the id of every stored record. Reserved names and entries
// that are not ids are skipped. Listing errors are yielded and end the
// sequence.
func (s *Store) All() iter.Seq2[resource.ID, error] {
	return func(yield func(resource.ID, error) bool) {
		s.walkShards(func(shard string, info fs.FileInfo) bool {
			if atomicfile.IsReserved(info.Name()) {
				return true
			}
			id, err := resource.ParseID(info.Name())
			if err != nil || id.Shard(ShardWidth) != shard {
				s.logger.Debug("skipping foreign entry", "shard", shard, "name", info.Name())
				return true
			}
			return yield(id, nil)
		}, func(err error) {
			yield(resource.ID{}, err)
		})
	}
}

// walkShards calls visit for every file in every shard directory.
// visit returns false to stop.
func (s *Store) walkShards(visit func(shard string, info fs.FileInfo) bool, fail func(error)) {
	shards, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		fail(errs.IO("storage.list", s.root, err))
		return
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != ShardWidth {
			continue
		}
		dir := filepath.Join(s.root, shard.Name())
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			fail(errs.IO("storage.list", dir, err))
			return
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if !visit(shard.Name(), entry) {
				return
			}
		}
	}
}

// Stats returns statistics about the store.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	var walkErr error
	s.walkShards(func(shard string, info fs.FileInfo) bool {
		stats.DiskSize += info.Size()
		if atomicfile.IsReserved(info.Name()) {
			stats.Leftovers++
			return true
		}
		if id, err := resource.ParseID(info.Name()); err == nil {
			stats.Records++
			stats.ContentSize += int64(id.Size)
		}
		return true
	}, func(err error) {
		walkErr = err
	})
	if walkErr != nil {
		return Stats{}, walkErr
	}
	return stats, nil
}

// Verify re-hashes every record. Corrupt records are reported, never
// repaired. The context is checked between records.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	for id, err := range s.All() {
		if err != nil {
			return report, err
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		_, getErr := s.Get(id)
		switch {
		case getErr == nil:
		case errors.Is(getErr, errs.ErrChecksumMismatch):
			s.logger.Warn("corrupt resource", "id", id.String(), "error", getErr)
			report.Corrupt = append(report.Corrupt, id)
		case errors.Is(getErr, errs.ErrNotFound):
			// Removed while we were listing.
			report.Checked--
		default:
			return report, getErr
		}
	}
	return report, nil
}

// Clean removes leftovers of interrupted writes that are older than the
// stale window, across all shards. It returns how many files were removed.
func (s *Store) Clean() (int, error) {
	owners := make(map[string]struct{})
	var walkErr error
	s.walkShards(func(shard string, info fs.FileInfo) bool {
		if name, ok := atomicfile.Owner(info.Name()); ok {
			owners[filepath.Join(s.root, shard, name)] = struct{}{}
		}
		return true
	}, func(err error) {
		walkErr = err
	})
	if walkErr != nil {
		return 0, walkErr
	}

	removed := 0
	for path := range owners {
		slot := atomicfile.Open(s.fs, path,
			atomicfile.WithStaleAfter(s.staleAfter),
			atomicfile.WithNowFunc(atomicfile.NowFunc(s.nowFunc)),
			atomicfile.WithLogger(s.logger),
		)
		n, err := slot.CleanStale()
		if err != nil {
			// A corrupt canonical file only blocks its own leftovers.
			s.logger.Warn("failed to clean slot", "path", path, "error", err)
			continue
		}
		removed += n
	}
	if removed > 0 {
		s.logger.Info("cleaned stale leftovers", "removed", removed)
	}
	return removed, nil
}
