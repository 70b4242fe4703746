// Package storage keeps resources in a directory tree keyed by their
// content-derived id.
//
// Layout:
//
//	<root>/<shard>/<id>
//
// where <shard> is the first ShardWidth hex characters of the id's
// checksum and <id> is the id's text form. Every record is written
// through an atomicfile.Slot, so readers never see partial content and
// any number of processes may share one root.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
	"github.com/spf13/afero"
)

// ShardWidth is the number of checksum hex characters naming a shard
// directory, which bounds the root to 256 entries.
const ShardWidth = 2

// maxPutAttempts bounds how often Put waits on a concurrent writer of
// the same id before giving up.
const maxPutAttempts = 50

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Store is a content-addressed resource store.
type Store struct {
	root       string
	fs         afero.Fs
	nowFunc    NowFunc
	staleAfter time.Duration
	logger     *slog.Logger
}

// Open returns the store rooted at root, creating the directory if it
// does not exist. A root that cannot be created or is not a directory
// is an errs.ErrIO error.
func Open(root string, options ...Option) (*Store, error) {
	const op = "storage.open"
	s := &Store{
		root:       root,
		fs:         afero.NewOsFs(),
		nowFunc:    time.Now,
		staleAfter: atomicfile.DefaultStaleAfter,
		logger:     slog.New(slog.DiscardHandler),
	}

	for _, option := range options {
		option(s)
	}

	if err := s.fs.MkdirAll(root, 0o755); err != nil {
		return nil, errs.IO(op, root, err)
	}
	info, err := s.fs.Stat(root)
	if err != nil {
		return nil, errs.IO(op, root, err)
	}
	if !info.IsDir() {
		return nil, errs.IO(op, root, fmt.Errorf("not a directory"))
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// shardDir returns the directory holding id.
func (s *Store) shardDir(id resource.ID) string {
	return filepath.Join(s.root, id.Shard(ShardWidth))
}

// recordPath returns the canonical path of id.
func (s *Store) recordPath(id resource.ID) string {
	return filepath.Join(s.shardDir(id), id.String())
}

func (s *Store) slot(id resource.ID) *atomicfile.Slot {
	return atomicfile.Open(s.fs, s.recordPath(id),
		atomicfile.WithSweep(false),
		atomicfile.WithStaleAfter(s.staleAfter),
		atomicfile.WithNowFunc(atomicfile.NowFunc(s.nowFunc)),
		atomicfile.WithLogger(s.logger),
	)
}

// Put stores data under id. Storing an id that already exists is a
// no-op: equal ids imply equal content. Data that does not hash to id
// is refused with errs.ErrChecksumMismatch.
func (s *Store) Put(id resource.ID, data []byte) error {
	if got := resource.ComputeBytes(data); got != id {
		return errs.Mismatch("storage.put", id.String(), id, got)
	}
	return s.put(id, bytes.NewReader(data))
}

// PutStream stores what r yields under id without holding it in memory.
// r is not read at all when the record already exists. Content that
// turns out not to hash to id is refused with errs.ErrChecksumMismatch
// and nothing is stored. Errors from r are returned unwrapped.
func (s *Store) PutStream(id resource.ID, r io.Reader) error {
	return s.put(id, &verifyingReader{r: r, want: id, got: resource.NewHasher()})
}

func (s *Store) put(id resource.ID, r io.Reader) error {
	const op = "storage.put"
	slot := s.slot(id)
	backoff := time.Millisecond
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		// A present record that does not verify is left for Get and
		// Verify to report, not silently overwritten.
		exists, err := slot.Exists()
		if exists {
			return nil
		}
		if err != nil {
			return err
		}

		// A conflict is detected before r is read, so retrying with
		// the same reader is safe.
		_, err = slot.WriteFrom(r, nil)
		if err == nil {
			s.logger.Debug("stored resource", "id", id.String(), "bytes", id.Size)
			return nil
		}
		if !errors.Is(err, errs.ErrVersionConflict) {
			return err
		}

		// Another writer is installing the same id. Wait for it to land
		// so the record is readable once Put returns.
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
	return errs.New(errs.ErrVersionConflict, op, id.String(), fmt.Errorf("gave up after %d attempts", maxPutAttempts))
}

// verifyingReader fails the stream as soon as the content cannot match
// want, and at the end if it does not.
type verifyingReader struct {
	r    io.Reader
	want resource.ID
	got  *resource.Hasher
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.got.Write(p[:n])
	if v.got.Size() > v.want.Size || (err == io.EOF && v.got.ID() != v.want) {
		return n, errs.Mismatch("storage.put", v.want.String(), v.want, v.got.ID())
	}
	return n, err
}

// PutReader stores everything r yields and returns its id. The id is
// only known at the end, so the content is held in memory; PutFile
// and PutStream are not.
func (s *Store) PutReader(r io.Reader) (resource.ID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return resource.ID{}, errs.IO("storage.put", "", err)
	}
	id := resource.ComputeBytes(data)
	return id, s.Put(id, data)
}

// PutFile stores the content of path, read through fsys, and returns
// its id. The file is read twice, once for the id and once to store it,
// and never held in memory. A file that changes between the two reads
// is errs.ErrChecksumMismatch.
func (s *Store) PutFile(fsys afero.Fs, path string) (resource.ID, error) {
	const op = "storage.put"
	id, err := resource.ComputeFile(fsys, path)
	if err != nil {
		return resource.ID{}, err
	}
	file, err := fsys.Open(path)
	if err != nil {
		return resource.ID{}, errs.IO(op, path, err)
	}
	defer file.Close()

	if err := s.PutStream(id, file); err != nil {
		if errs.Kind(err) == nil {
			err = errs.IO(op, path, err)
		}
		return resource.ID{}, err
	}
	return id, nil
}

// Get returns the content stored under id. A missing record is
// errs.ErrNotFound. Content that no longer hashes to id is
// errs.ErrChecksumMismatch and is never repaired here.
func (s *Store) Get(id resource.ID) ([]byte, error) {
	const op = "storage.get"
	data, _, err := s.slot(id).Read()
	if err != nil {
		return nil, err
	}
	if got := resource.ComputeBytes(data); got != id {
		return nil, errs.Mismatch(op, id.String(), id, got)
	}
	return data, nil
}

// Has reports whether a record for id exists, without verifying it.
func (s *Store) Has(id resource.ID) (bool, error) {
	exists, err := s.slot(id).Exists()
	if errors.Is(err, errs.ErrChecksumMismatch) {
		return true, nil
	}
	return exists, err
}

// Remove deletes the record for id. The store does not know whether an
// index still references id; that is the caller's concern.
func (s *Store) Remove(id resource.ID) error {
	if err := s.slot(id).Remove(); err != nil {
		return err
	}
	s.logger.Debug("removed resource", "id", id.String())
	return nil
}
