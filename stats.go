package stash

import (
	"errors"

	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/storage"
)

// Stats represents repo statistics.
type Stats struct {
	Files        int    // Files in the saved index
	UniqueIDs    int    // Distinct resources among them
	Duplicates   int    // Files whose content also lives at another path
	IndexVersion uint64 // Version of the saved index, 0 if never built
	Storage      storage.Stats
}

// Stats returns statistics about the saved index and the store.
func (r *Repo) Stats() (Stats, error) {
	var stats Stats

	idx, version, err := r.Index()
	switch {
	case err == nil:
		stats.Files = idx.Len()
		stats.UniqueIDs = len(idx.IDs())
		for _, g := range idx.Collisions() {
			stats.Duplicates += len(g.Paths) - 1
		}
		stats.IndexVersion = version
	case errors.Is(err, errs.ErrNotFound):
	default:
		return Stats{}, err
	}

	stats.Storage, err = r.store.Stats()
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}
