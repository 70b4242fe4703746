/*
Package stash keeps a content-addressed store of resources and an
incrementally updated index of where those resources live in a
directory tree.

# Overview

A resource is an immutable blob identified by its content: the CRC32
checksum of its bytes together with its length. Identical files share
one id, so duplicates are found for free and stored once.

Every persistent value, whether a stored resource, the index snapshot
or a property document, is written through an atomic slot. A reader
sees either the previous value or the new one, never a torn write, even
when the writer crashes or several processes share the tree.

# Basic Usage

Opening a tree and indexing it:

	repo, err := stash.Open("/data/photos")
	if err != nil {
	    log.Fatalf("Failed to open: %v", err)
	}

	idx, err := repo.Build(ctx)
	if err != nil && !errors.Is(err, stash.ErrPartialScan) {
	    log.Fatalf("Build failed: %v", err)
	}
	for _, group := range idx.Collisions() {
	    fmt.Println("duplicates:", group.Paths)
	}

Later, picking up what changed:

	idx, changes, err := repo.Update(ctx)
	if err != nil && !errors.Is(err, stash.ErrPartialScan) {
	    log.Fatalf("Update failed: %v", err)
	}
	for _, c := range changes.Of(index.Moved) {
	    fmt.Printf("%s -> %s\n", c.From, c.Path)
	}

Files whose size and modification time are unchanged keep their cached
id and are not read again. A renamed file is recognised as moved rather
than removed and added.

# Configuration Options

	repo, err := stash.Open(
	    "/data/photos",
	    stash.WithArchive(),            // copy new content into the store
	    stash.WithCodec(index.CBOR),    // binary index snapshots
	    stash.WithKeepVersions(3),      // retain previous snapshots
	    stash.WithLogger(slog.Default()),
	)

# File Structure

	<root>/
	└── .stash/
	    ├── index                 current snapshot
	    ├── .index.v<version>     retained snapshots
	    ├── storage/
	    │   └── [first 2 hex chars of checksum]/
	    │       └── [checksum]-[size]
	    └── properties/
	        └── [checksum]-[size]

In-flight writes use hidden sibling names (.name.tmp-N and .name.vN)
that readers and directory listings skip. Leftovers of a crashed writer
are removed by Clean once they are older than the stale window.

# Error Handling

Every error matches one of a small set of kinds with errors.Is:

  - ErrNotFound: a resource, document or index that does not exist
  - ErrIO: the filesystem failed, or a root is inaccessible
  - ErrVersionConflict: another writer saved first; re-read and retry
  - ErrChecksumMismatch: stored bytes no longer verify
  - ErrPartialScan: a scan skipped unreadable files but still produced an index

Correctness relies on rename being atomic on the underlying
filesystem. Local filesystems provide that; some network filesystems do
not.
*/
package stash
