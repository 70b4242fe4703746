// Package errs holds the error kinds shared by every stash layer.
//
// Callers match on the kind sentinels with errors.Is; the concrete
// *Error carries the operation and path that failed.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds.
var (
	// ErrNotFound is returned when a resource, slot or index path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIO is returned for OS-level failures reading, writing or stat-ing.
	ErrIO = errors.New("i/o error")

	// ErrVersionConflict is returned when an atomic write's expected
	// version does not match the slot's current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrChecksumMismatch is returned when stored bytes no longer verify
	// against the id or digest they were stored under.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrPartialScan is returned when a build or update completed with
	// a non-empty list of skipped files.
	ErrPartialScan = errors.New("partial scan failure")
)

// Error is a failure of one operation on one path.
type Error struct {
	Kind error  // one of the kind sentinels above
	Op   string // operation, e.g. "storage.get"
	Path string // file or id the operation was working on, may be empty
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Path != "" {
		buf.WriteString(" ")
		buf.WriteString(e.Path)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Kind.Error())
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// Unwrap returns both the kind and the cause so errors.Is matches
// either one.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error of the given kind.
func New(kind error, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// NotFound builds an ErrNotFound error.
func NotFound(op, path string, cause error) *Error {
	return New(ErrNotFound, op, path, cause)
}

// IO builds an ErrIO error.
func IO(op, path string, cause error) *Error {
	return New(ErrIO, op, path, cause)
}

// Conflict builds an ErrVersionConflict error.
func Conflict(op, path string, expected, actual uint64) *Error {
	return New(ErrVersionConflict, op, path, fmt.Errorf("expected version %d, found %d", expected, actual))
}

// Mismatch builds an ErrChecksumMismatch error.
func Mismatch(op, path string, want, got any) *Error {
	return New(ErrChecksumMismatch, op, path, fmt.Errorf("want %v, got %v", want, got))
}

// Kind reports which kind sentinel err matches, or nil when it matches none.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrVersionConflict, ErrChecksumMismatch, ErrPartialScan, ErrIO} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Skipped is one file a scan could not process.
type Skipped struct {
	Path string
	Err  error
}

// ScanError reports the files a build or update skipped.
// It matches ErrPartialScan with errors.Is.
type ScanError struct {
	Skipped []Skipped
}

// Error implements the error interface.
func (se *ScanError) Error() string {
	if len(se.Skipped) == 1 {
		return fmt.Sprintf("%v: %s: %v", ErrPartialScan, se.Skipped[0].Path, se.Skipped[0].Err)
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%v: %d files skipped:\n", ErrPartialScan, len(se.Skipped))
	for i, s := range se.Skipped {
		fmt.Fprintf(&buf, "  %d. %s: %v\n", i+1, s.Path, s.Err)
	}
	return buf.String()
}

// Unwrap returns ErrPartialScan followed by every per-file cause.
func (se *ScanError) Unwrap() []error {
	errs := make([]error, 0, len(se.Skipped)+1)
	errs = append(errs, ErrPartialScan)
	for _, s := range se.Skipped {
		errs = append(errs, s.Err)
	}
	return errs
}

// NewScanError returns nil when nothing was skipped.
func NewScanError(skipped []Skipped) error {
	if len(skipped) == 0 {
		return nil
	}
	return &ScanError{Skipped: skipped}
}
