package stash

import "github.com/gophersatwork/stash/errs"

// Error kinds, re-exported so callers of this package need not import errs.
var (
	ErrNotFound         = errs.ErrNotFound
	ErrIO               = errs.ErrIO
	ErrVersionConflict  = errs.ErrVersionConflict
	ErrChecksumMismatch = errs.ErrChecksumMismatch
	ErrPartialScan      = errs.ErrPartialScan
)
