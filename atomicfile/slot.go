// Package atomicfile replaces the contents of a logical file so that
// readers only ever see a complete value, even across process crashes
// and concurrent writers in separate processes.
//
// A Slot is a canonical path plus a version number stored in the
// file's header. A write goes to a temporary sibling, is synced, and
// is renamed over the canonical path. Concurrent writers are ordered by
// exclusively creating a claim file for the version they are about to
// write; no in-process lock is involved.
//
// Correctness depends on rename being atomic on the underlying
// filesystem. Local POSIX filesystems provide that; some network
// filesystems do not.
package atomicfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gophersatwork/stash/errs"
	"github.com/spf13/afero"
)

// DefaultStaleAfter is how old an abandoned temp or claim file must be
// before another writer may remove it.
const DefaultStaleAfter = time.Minute

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Slot is one versioned logical file.
type Slot struct {
	fs         afero.Fs
	path       string
	dir        string
	name       string
	keep       int
	staleAfter time.Duration
	sweep      bool
	nowFunc    NowFunc
	logger     *slog.Logger
}

// Option defines a function that configures a Slot.
type Option func(*Slot)

// WithKeep sets how many historical versions are retained after each
// write. Zero, the default, keeps none.
func WithKeep(n int) Option {
	return func(s *Slot) {
		if n < 0 {
			n = 0
		}
		s.keep = n
	}
}

// WithStaleAfter sets the age after which leftovers of a crashed writer
// are considered abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Slot) {
		s.staleAfter = d
	}
}

// WithSweep controls whether a successful write also removes stale
// leftovers next to the slot. Enabled by default. Callers owning many
// slots per directory disable it and sweep in bulk instead.
func WithSweep(enabled bool) Option {
	return func(s *Slot) {
		s.sweep = enabled
	}
}

// WithNowFunc sets the clock used for staleness decisions.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(s *Slot) {
		s.nowFunc = nowFunc
	}
}

// WithLogger sets the logger for best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Slot) {
		s.logger = logger
	}
}

// Open returns the slot whose canonical file is path. Nothing is
// touched on disk until the first write.
func Open(fs afero.Fs, path string, options ...Option) *Slot {
	s := &Slot{
		fs:         fs,
		path:       path,
		dir:        filepath.Dir(path),
		name:       filepath.Base(path),
		staleAfter: DefaultStaleAfter,
		sweep:      true,
		nowFunc:    time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Path returns the canonical path.
func (s *Slot) Path() string {
	return s.path
}

// Read returns the current payload and its version. An absent slot is
// errs.ErrNotFound; a file whose header or digest does not verify is
// errs.ErrChecksumMismatch.
func (s *Slot) Read() ([]byte, uint64, error) {
	const op = "atomicfile.read"
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errs.NotFound(op, s.path, err)
		}
		return nil, 0, errs.IO(op, s.path, err)
	}
	payload, version, err := decode(data)
	if err != nil {
		return nil, 0, errs.New(errs.ErrChecksumMismatch, op, s.path, err)
	}
	return payload, version, nil
}

// Version returns the current version without reading the payload.
func (s *Slot) Version() (uint64, error) {
	v, exists, err := s.currentVersion()
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errs.NotFound("atomicfile.version", s.path, nil)
	}
	return v, nil
}

// Exists reports whether the canonical file is present.
func (s *Slot) Exists() (bool, error) {
	_, exists, err := s.currentVersion()
	return exists, err
}

// currentVersion reads only the header. An absent file is version 0.
func (s *Slot) currentVersion() (version uint64, exists bool, err error) {
	const op = "atomicfile.version"
	file, err := s.fs.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, errs.IO(op, s.path, err)
	}
	defer file.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return 0, true, errs.New(errs.ErrChecksumMismatch, op, s.path, fmt.Errorf("short header: %w", err))
	}
	version, _, err = decodeHeader(header)
	if err != nil {
		return 0, true, errs.New(errs.ErrChecksumMismatch, op, s.path, err)
	}
	return version, true, nil
}

// Write makes data the slot's new value and returns its version.
//
// If expected is non-nil and differs from the current version (0 for an
// absent slot) nothing is written and errs.ErrVersionConflict is
// returned. A write racing another writer for the same version also
// fails with errs.ErrVersionConflict; the caller re-reads and retries.
func (s *Slot) Write(data []byte, expected *uint64) (uint64, error) {
	return s.WriteFrom(bytes.NewReader(data), expected)
}

// WriteFrom is Write with the new value streamed from r, so it is never
// held in memory as a whole.
//
// r is only read after the version is claimed: a version conflict
// leaves it unread and the caller may retry with the same reader. An
// error returned by r abandons the write and is returned unwrapped.
func (s *Slot) WriteFrom(r io.Reader, expected *uint64) (uint64, error) {
	const op = "atomicfile.write"

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return 0, errs.IO(op, s.dir, err)
	}

	current, _, err := s.currentVersion()
	if err != nil {
		return 0, err
	}
	if expected != nil && *expected != current {
		return 0, errs.Conflict(op, s.path, *expected, current)
	}

	next := current + 1
	claimPath := filepath.Join(s.dir, historyName(s.name, next))
	claim, err := s.claim(claimPath)
	if err != nil {
		return 0, err
	}
	release := func() {
		claim.Close()
		if err := s.fs.Remove(claimPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to release claim", "path", claimPath, "error", err)
		}
	}

	// A writer that read the same version before our claim existed
	// may have installed it since.
	again, _, err := s.currentVersion()
	if err != nil {
		release()
		return 0, err
	}
	if again != current {
		release()
		return 0, errs.Conflict(op, s.path, current, again)
	}

	tmpPath, size, err := s.stage(next, r)
	if err != nil {
		release()
		return 0, err
	}
	if s.keep > 0 {
		if err := s.copyInto(claim, tmpPath); err != nil {
			s.fs.Remove(tmpPath)
			release()
			return 0, errs.IO(op, claimPath, err)
		}
	}
	if err := claim.Close(); err != nil {
		s.fs.Remove(tmpPath)
		release()
		return 0, errs.IO(op, claimPath, err)
	}

	if err := s.install(tmpPath); err != nil {
		release()
		return 0, err
	}

	s.logger.Debug("slot written", "path", s.path, "version", next, "bytes", size)

	if err := s.Prune(s.keep); err != nil {
		s.logger.Warn("failed to prune slot history", "path", s.path, "error", err)
	}
	if s.sweep {
		if _, err := s.CleanStale(); err != nil {
			s.logger.Warn("failed to sweep slot leftovers", "path", s.path, "error", err)
		}
	}
	return next, nil
}

// claim exclusively creates the claim file. An existing claim means
// another writer is installing that version, unless it is old enough to
// be the leftover of a crashed writer, in which case it is replaced once.
func (s *Slot) claim(claimPath string) (afero.File, error) {
	const op = "atomicfile.claim"
	for attempt := 0; ; attempt++ {
		file, err := s.fs.OpenFile(claimPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, errs.IO(op, claimPath, err)
		}
		if attempt > 0 || !s.isStale(claimPath) {
			return nil, errs.New(errs.ErrVersionConflict, op, s.path, fmt.Errorf("version claimed by another writer: %s", filepath.Base(claimPath)))
		}
		s.logger.Info("removing abandoned claim", "path", claimPath)
		if err := s.fs.Remove(claimPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errs.IO(op, claimPath, err)
		}
	}
}

func (s *Slot) isStale(path string) bool {
	info, err := s.fs.Stat(path)
	if err != nil {
		return false
	}
	return s.nowFunc().Sub(info.ModTime()) > s.staleAfter
}

// stage writes version and the payload from r to a synced temporary
// sibling and returns its path and the payload size. The digest is only
// known once the payload is written, so the header goes in last.
func (s *Slot) stage(version uint64, r io.Reader) (string, int64, error) {
	const op = "atomicfile.stage"
	tmp, err := afero.TempFile(s.fs, s.dir, tempPattern(s.name))
	if err != nil {
		return "", 0, errs.IO(op, s.dir, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, int64, error) {
		tmp.Close()
		s.fs.Remove(tmpPath)
		return "", 0, err
	}

	if _, err := tmp.Write(make([]byte, headerSize)); err != nil {
		return fail(errs.IO(op, tmpPath, err))
	}
	digest := xxhash.New()
	src := &sourceReader{r: r}
	size, err := io.Copy(io.MultiWriter(tmp, digest), src)
	if err != nil {
		if src.err != nil {
			return fail(src.err)
		}
		return fail(errs.IO(op, tmpPath, err))
	}
	if _, err := tmp.WriteAt(header(version, digest.Sum64()), 0); err != nil {
		return fail(errs.IO(op, tmpPath, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(errs.IO(op, tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return "", 0, errs.IO(op, tmpPath, err)
	}
	// TempFile creates 0600 files.
	if err := s.fs.Chmod(tmpPath, 0o644); err != nil {
		s.fs.Remove(tmpPath)
		return "", 0, errs.IO(op, tmpPath, err)
	}
	return tmpPath, size, nil
}

// sourceReader remembers the error its reader returned, so it can be
// told apart from failures writing the temp file.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// copyInto fills the claim with the staged file, as the retained copy
// of its version.
func (s *Slot) copyInto(claim afero.File, tmpPath string) error {
	staged, err := s.fs.Open(tmpPath)
	if err != nil {
		return err
	}
	defer staged.Close()
	if _, err := io.Copy(claim, staged); err != nil {
		return err
	}
	return claim.Sync()
}

// install renames the staged file over the canonical path.
func (s *Slot) install(tmpPath string) error {
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		s.fs.Remove(tmpPath)
		return errs.IO("atomicfile.replace", s.path, err)
	}
	s.syncDir()
	return nil
}

// syncDir persists the rename itself. Not every filesystem supports
// syncing a directory, so failures are only logged.
func (s *Slot) syncDir() {
	dir, err := s.fs.Open(s.dir)
	if err != nil {
		s.logger.Debug("directory sync skipped", "dir", s.dir, "error", err)
		return
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		s.logger.Debug("directory sync failed", "dir", s.dir, "error", err)
	}
}

// ReadVersion returns a retained historical version.
func (s *Slot) ReadVersion(version uint64) ([]byte, error) {
	const op = "atomicfile.read_version"
	path := filepath.Join(s.dir, historyName(s.name, version))
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound(op, path, err)
		}
		return nil, errs.IO(op, path, err)
	}
	if len(data) == 0 {
		// Claim of a write that kept no history, or one still in flight.
		return nil, errs.NotFound(op, path, nil)
	}
	payload, got, err := decode(data)
	if err != nil {
		return nil, errs.New(errs.ErrChecksumMismatch, op, path, err)
	}
	if got != version {
		return nil, errs.Mismatch(op, path, version, got)
	}
	return payload, nil
}

type sibling struct {
	name    string
	temp    bool
	version uint64
	modTime time.Time
}

func (s *Slot) siblings() ([]sibling, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.IO("atomicfile.list", s.dir, err)
	}
	var out []sibling
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		temp, version, ok := parseSibling(s.name, entry.Name())
		if !ok {
			continue
		}
		out = append(out, sibling{name: entry.Name(), temp: temp, version: version, modTime: entry.ModTime()})
	}
	return out, nil
}

// Versions lists the retained historical versions, oldest first.
func (s *Slot) Versions() ([]uint64, error) {
	siblings, err := s.siblings()
	if err != nil {
		return nil, err
	}
	current, _, err := s.currentVersion()
	if err != nil {
		return nil, err
	}
	var versions []uint64
	for _, sib := range siblings {
		if !sib.temp && sib.version <= current {
			versions = append(versions, sib.version)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Prune removes retained versions beyond the newest keep. Claims above
// the current version belong to writers still in flight and are left
// alone. Failing to remove an individual file is logged, not returned.
func (s *Slot) Prune(keep int) error {
	versions, err := s.Versions()
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	if len(versions) <= keep {
		return nil
	}
	for _, v := range versions[:len(versions)-keep] {
		path := filepath.Join(s.dir, historyName(s.name, v))
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to prune version", "path", path, "error", err)
		}
	}
	return nil
}

// CleanStale removes temp files and claims above the current version
// that are older than the stale window. It returns how many files it
// removed.
func (s *Slot) CleanStale() (int, error) {
	siblings, err := s.siblings()
	if err != nil {
		return 0, err
	}
	current, _, err := s.currentVersion()
	if err != nil {
		return 0, err
	}
	removed := 0
	now := s.nowFunc()
	for _, sib := range siblings {
		if !sib.temp && sib.version <= current {
			continue
		}
		if now.Sub(sib.modTime) <= s.staleAfter {
			continue
		}
		path := filepath.Join(s.dir, sib.name)
		if err := s.fs.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("failed to remove stale file", "path", path, "error", err)
			}
			continue
		}
		s.logger.Debug("removed stale file", "path", path)
		removed++
	}
	return removed, nil
}

// Remove deletes the canonical file along with retained versions and
// temp files. Removing an absent slot is errs.ErrNotFound.
func (s *Slot) Remove() error {
	const op = "atomicfile.remove"
	siblings, err := s.siblings()
	if err != nil {
		return err
	}
	if err := s.fs.Remove(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.NotFound(op, s.path, err)
		}
		return errs.IO(op, s.path, err)
	}
	for _, sib := range siblings {
		path := filepath.Join(s.dir, sib.name)
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove slot leftover", "path", path, "error", err)
		}
	}
	return nil
}
