package resource

import (
	"errors"
	"time"

	"github.com/gophersatwork/stash/errs"
	"github.com/spf13/afero"
)

// ErrChangedWhileReading is the cause reported when a file's size or
// modification time moved while it was being hashed.
var ErrChangedWhileReading = errors.New("file changed while reading")

// Metadata is what a stat reveals about a file at one point in time,
// plus its id once that has been computed.
type Metadata struct {
	Size    int64
	ModTime time.Time
	Key     FileKey
	ID      *ID
}

// Unchanged reports whether m and other describe the same size and
// modification time. The id is not compared.
func (m Metadata) Unchanged(other Metadata) bool {
	return m.Size == other.Size && m.ModTime.Equal(other.ModTime)
}

// SameFile reports whether m and other were taken of the same file,
// whatever its path. Without an identity on both sides it is false.
func (m Metadata) SameFile(other Metadata) bool {
	return !m.Key.IsZero() && m.Key == other.Key
}

// Snapshot stats path without reading its content.
func Snapshot(fs afero.Fs, path string) (Metadata, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return Metadata{}, errs.IO("resource.snapshot", path, err)
	}
	return Metadata{Size: info.Size(), ModTime: info.ModTime(), Key: KeyOf(info)}, nil
}

// ComputeFile hashes the file at path.
// A file that vanished or cannot be read yields an errs.ErrIO error
// wrapping the OS error, so callers can still test for fs.ErrNotExist.
func ComputeFile(fs afero.Fs, path string) (ID, error) {
	file, err := fs.Open(path)
	if err != nil {
		return ID{}, errs.IO("resource.compute", path, err)
	}
	defer file.Close()

	id, err := Compute(file)
	if err != nil {
		return ID{}, errs.IO("resource.compute", path, err)
	}
	return id, nil
}

// IDWithCache returns the id of the file at path, reusing previous.ID
// when previous has the same size and modification time as the file
// has now. recomputed reports whether the content was read.
//
// A rewrite that keeps the size and lands within the filesystem's
// mtime granularity goes unnoticed. That is the price of not reading
// unchanged files.
func IDWithCache(fs afero.Fs, path string, previous *Metadata) (id ID, current Metadata, recomputed bool, err error) {
	current, err = Snapshot(fs, path)
	if err != nil {
		return ID{}, Metadata{}, false, err
	}

	if previous != nil && previous.ID != nil && previous.Unchanged(current) {
		id = *previous.ID
		current.ID = &id
		return id, current, false, nil
	}

	id, err = ComputeFile(fs, path)
	if err != nil {
		return ID{}, Metadata{}, false, err
	}

	// A writer racing the read leaves an id that matches neither state.
	after, err := Snapshot(fs, path)
	if err != nil {
		return ID{}, Metadata{}, false, err
	}
	if !after.Unchanged(current) || uint64(current.Size) != id.Size {
		return ID{}, Metadata{}, false, errs.IO("resource.compute", path, ErrChangedWhileReading)
	}
	current.ID = &id
	return id, current, true, nil
}
