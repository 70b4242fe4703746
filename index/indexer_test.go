package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
	"github.com/gophersatwork/stash/storage"
	"github.com/spf13/afero"
)

var baseTime = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

func createFile(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := afero.WriteFile(fsys, path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create file %s: %v", path, err)
	}
	touch(t, fsys, path, baseTime)
}

func touch(t *testing.T, fsys afero.Fs, path string, mtime time.Time) {
	t.Helper()
	if err := fsys.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Failed to set times on %s: %v", path, err)
	}
}

func mustBuild(t *testing.T, ix *Indexer) *FileIndex {
	t.Helper()
	idx, err := ix.Build(t.Context())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return idx
}

func mustUpdate(t *testing.T, ix *Indexer, prev *FileIndex) (*FileIndex, *Changes) {
	t.Helper()
	idx, changes, err := ix.Update(t.Context(), prev)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	return idx, changes
}

// failingFs refuses to open the named file while still letting it be
// listed and stat-ed.
type failingFs struct {
	afero.Fs
	fail string
}

func (f *failingFs) Open(name string) (afero.File, error) {
	if name == f.fail {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.Open(name)
}

func TestBuild(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/A", "foo")
	createFile(t, memFs, "/tree/B", "bar")

	idx := mustBuild(t, New(memFs, "/tree"))

	a, okA := idx.Get("A")
	b, okB := idx.Get("B")
	if !okA || !okB {
		t.Fatalf("missing entries:\n%s", spew.Sdump(idx.Entries()))
	}
	if a.ID == b.ID {
		t.Fatalf("distinct content shares id %v", a.ID)
	}
	if a.ID != resource.ComputeBytes([]byte("foo")) || a.Size != 3 || !a.ModTime.Equal(baseTime) {
		t.Errorf("unexpected entry %+v", a)
	}
	if idx.Root() != "/tree" || idx.Len() != 2 {
		t.Errorf("Root() = %q, Len() = %d", idx.Root(), idx.Len())
	}
	if got := idx.Collisions(); len(got) != 0 {
		t.Errorf("unexpected collisions %v", got)
	}
}

func TestBuildMissingRoot(t *testing.T) {
	idx, err := New(afero.NewMemMapFs(), "/nope").Build(t.Context())
	if !errors.Is(err, errs.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if idx != nil {
		t.Fatal("expected no snapshot for an inaccessible root")
	}
}

func TestBuildPartialScan(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/ok", "fine")
	createFile(t, memFs, "/tree/locked", "secret")

	ix := New(&failingFs{Fs: memFs, fail: "/tree/locked"}, "/tree")
	idx, err := ix.Build(t.Context())

	if !errors.Is(err, errs.ErrPartialScan) {
		t.Fatalf("expected ErrPartialScan, got %v", err)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("scan error does not carry the cause: %v", err)
	}
	var scanErr *errs.ScanError
	if !errors.As(err, &scanErr) || len(scanErr.Skipped) != 1 || scanErr.Skipped[0].Path != "locked" {
		t.Fatalf("unexpected scan error %s", spew.Sdump(err))
	}
	if idx == nil {
		t.Fatal("partial scan must still return a snapshot")
	}
	if diff := cmp.Diff([]string{"ok"}, idx.Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCancelled(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/a", "a")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	idx, err := New(memFs, "/tree").Build(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if idx != nil {
		t.Fatal("cancelled build returned a snapshot")
	}
}

func TestBuildManyFilesInParallel(t *testing.T) {
	memFs := afero.NewMemMapFs()
	for i := range 64 {
		createFile(t, memFs, fmt.Sprintf("/tree/d%d/f%d", i%5, i), fmt.Sprintf("content %d", i))
	}
	idx := mustBuild(t, New(memFs, "/tree", WithWorkers(4)))
	if idx.Len() != 64 {
		t.Fatalf("Len() = %d, want 64", idx.Len())
	}
	if len(idx.IDs()) != 64 {
		t.Fatalf("IDs() = %d, want 64", len(idx.IDs()))
	}
}

func TestUpdateMoved(t *testing.T) {
	root := t.TempDir()
	osFs := afero.NewOsFs()
	createFile(t, osFs, filepath.Join(root, "A"), "foo")
	createFile(t, osFs, filepath.Join(root, "B"), "bar")
	ix := New(osFs, root)
	before := mustBuild(t, ix)
	if e, _ := before.Get("A"); e.Key.IsZero() {
		t.Skip("filesystem reports no file identity")
	}

	if err := osFs.Rename(filepath.Join(root, "A"), filepath.Join(root, "A2")); err != nil {
		t.Fatal(err)
	}
	after, changes := mustUpdate(t, ix, before)

	old, _ := before.Get("A")
	moved, ok := after.Get("A2")
	if !ok || moved.ID != old.ID {
		t.Fatalf("A2 = %+v, want id %v", moved, old.ID)
	}
	if _, ok := after.Get("A"); ok {
		t.Fatal("A still indexed after rename")
	}

	want := []Change{{Kind: Moved, Path: "A2", From: "A", ID: old.ID}}
	if diff := cmp.Diff(want, changes.Items); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%s", diff)
	}
	if changes.Recomputed != 0 {
		t.Errorf("Recomputed = %d, want 0", changes.Recomputed)
	}
}

func TestUpdateMovedWithoutFileIdentity(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/A", "foo")
	ix := New(memFs, "/tree")
	before := mustBuild(t, ix)

	if err := memFs.Rename("/tree/A", "/tree/A2"); err != nil {
		t.Fatal(err)
	}
	_, changes := mustUpdate(t, ix, before)

	want := []Change{{Kind: Moved, Path: "A2", From: "A", ID: resource.ComputeBytes([]byte("foo")), Recomputed: true}}
	if diff := cmp.Diff(want, changes.Items); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%s", diff)
	}
}

// A new file that happens to share size and mtime with a deleted one is
// a different resource, as after extracting an archive that preserves
// timestamps.
func TestUpdateSameMetadataDifferentContent(t *testing.T) {
	tests := []struct {
		name string
		fs   func(t *testing.T) (afero.Fs, string)
	}{
		{"memory", func(t *testing.T) (afero.Fs, string) { return afero.NewMemMapFs(), "/tree" }},
		{"os", func(t *testing.T) (afero.Fs, string) { return afero.NewOsFs(), t.TempDir() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys, root := tt.fs(t)
			createFile(t, fsys, filepath.Join(root, "A"), "foo")
			ix := New(fsys, root)
			before := mustBuild(t, ix)

			// C exists before A is deleted, so they cannot share an inode.
			createFile(t, fsys, filepath.Join(root, "C"), "bar")
			if err := fsys.Remove(filepath.Join(root, "A")); err != nil {
				t.Fatal(err)
			}
			after, changes := mustUpdate(t, ix, before)

			want := resource.ComputeBytes([]byte("bar"))
			if e, _ := after.Get("C"); e.ID != want {
				t.Errorf("C id = %v, want %v", e.ID, want)
			}
			wantChanges := []Change{
				{Kind: Removed, Path: "A", ID: resource.ComputeBytes([]byte("foo"))},
				{Kind: Added, Path: "C", ID: want, Recomputed: true},
			}
			if diff := cmp.Diff(wantChanges, changes.Items); diff != "" {
				t.Errorf("Changes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpdateClassification(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/same", "unchanged")
	createFile(t, memFs, "/tree/edit", "version one")
	createFile(t, memFs, "/tree/touch", "touched")
	createFile(t, memFs, "/tree/gone", "bye")
	ix := New(memFs, "/tree")
	before := mustBuild(t, ix)

	later := baseTime.Add(time.Hour)
	createFile(t, memFs, "/tree/edit", "version two!")
	touch(t, memFs, "/tree/edit", later)
	touch(t, memFs, "/tree/touch", later)
	if err := memFs.Remove("/tree/gone"); err != nil {
		t.Fatal(err)
	}
	createFile(t, memFs, "/tree/new", "fresh")

	after, changes := mustUpdate(t, ix, before)

	want := []Change{
		{Kind: Modified, Path: "edit", ID: resource.ComputeBytes([]byte("version two!")), Recomputed: true},
		{Kind: Removed, Path: "gone", ID: resource.ComputeBytes([]byte("bye"))},
		{Kind: Added, Path: "new", ID: resource.ComputeBytes([]byte("fresh")), Recomputed: true},
		{Kind: Touched, Path: "touch", ID: resource.ComputeBytes([]byte("touched")), Recomputed: true},
	}
	if diff := cmp.Diff(want, changes.Items); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%s", diff)
	}
	if changes.Recomputed != 3 {
		t.Errorf("Recomputed = %d, want 3", changes.Recomputed)
	}
	if diff := cmp.Diff([]string{"edit", "new", "same", "touch"}, after.Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}
	if e, _ := after.Get("touch"); !e.ModTime.Equal(later) {
		t.Errorf("touched entry kept old mtime %v", e.ModTime)
	}

	// The previous snapshot is untouched.
	if before.Len() != 4 {
		t.Errorf("previous snapshot changed: %v", before.Paths())
	}
}

func TestUpdateNothingChanged(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/a", "a")
	createFile(t, memFs, "/tree/sub/b", "b")
	ix := New(memFs, "/tree")
	before := mustBuild(t, ix)

	_, changes := mustUpdate(t, ix, before)
	if !changes.Empty() || changes.Recomputed != 0 {
		t.Fatalf("unexpected changes:\n%s", spew.Sdump(changes))
	}
}

func TestUpdateMovedWithoutMetadataMatch(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/old", "payload")
	ix := New(memFs, "/tree")
	before := mustBuild(t, ix)

	// Copied elsewhere with a new mtime, original deleted: the content
	// has to be read, but it is still recognised as the same resource.
	if err := memFs.Remove("/tree/old"); err != nil {
		t.Fatal(err)
	}
	createFile(t, memFs, "/tree/new", "payload")
	touch(t, memFs, "/tree/new", baseTime.Add(time.Minute))

	_, changes := mustUpdate(t, ix, before)
	c, ok := changes.Lookup("new")
	if !ok || c.Kind != Moved || c.From != "old" || !c.Recomputed {
		t.Fatalf("unexpected change %+v", c)
	}
	if len(changes.Of(Removed)) != 0 {
		t.Fatalf("moved source also reported removed: %v", changes.Of(Removed))
	}
}

func TestUpdateRemovedDropsGroup(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/only", "lonely")
	createFile(t, memFs, "/tree/other", "other")
	ix := New(memFs, "/tree")
	before := mustBuild(t, ix)
	id := resource.ComputeBytes([]byte("lonely"))

	if err := memFs.Remove("/tree/only"); err != nil {
		t.Fatal(err)
	}
	after, changes := mustUpdate(t, ix, before)

	if _, ok := after.Get("only"); ok {
		t.Fatal("removed file still indexed")
	}
	if paths := after.PathsOf(id); len(paths) != 0 {
		t.Fatalf("PathsOf(removed id) = %v", paths)
	}
	for _, other := range after.IDs() {
		if other == id {
			t.Fatal("removed id still listed by IDs()")
		}
	}
	if got := changes.Of(Removed); len(got) != 1 || got[0].Path != "only" {
		t.Fatalf("Of(Removed) = %v", got)
	}
}

func TestUpdateUnreadableIsNotRemoved(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/a", "a")
	createFile(t, memFs, "/tree/b", "b")
	before := mustBuild(t, New(memFs, "/tree"))

	// Force a re-read so the failing open is hit.
	touch(t, memFs, "/tree/b", baseTime.Add(time.Second))
	ix := New(&failingFs{Fs: memFs, fail: "/tree/b"}, "/tree")
	after, changes, err := ix.Update(t.Context(), before)
	if !errors.Is(err, errs.ErrPartialScan) {
		t.Fatalf("expected ErrPartialScan, got %v", err)
	}
	if _, ok := after.Get("b"); ok {
		t.Fatal("unreadable file indexed")
	}
	if !changes.Empty() {
		t.Fatalf("unreadable file classified:\n%s", spew.Sdump(changes.Items))
	}
	if len(changes.Skipped) != 1 || changes.Skipped[0].Path != "b" {
		t.Fatalf("Skipped = %v", changes.Skipped)
	}
}

func TestUpdateFromNil(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/a", "a")
	idx, changes := mustUpdate(t, New(memFs, "/tree"), nil)
	if idx.Len() != 1 || len(changes.Of(Added)) != 1 {
		t.Fatalf("unexpected result:\n%s", spew.Sdump(changes))
	}
}

func TestDuplicatesShareOneRecord(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/x/copy1", "same bytes")
	createFile(t, memFs, "/tree/y/copy2", "same bytes")
	createFile(t, memFs, "/tree/unique", "different")

	store, err := storage.Open("/store", storage.WithFs(memFs))
	if err != nil {
		t.Fatal(err)
	}
	idx := mustBuild(t, New(memFs, "/tree", WithArchive(store), WithWorkers(1)))

	id := resource.ComputeBytes([]byte("same bytes"))
	want := []Group{{ID: id, Paths: []string{"x/copy1", "y/copy2"}}}
	if diff := cmp.Diff(want, idx.Collisions()); diff != "" {
		t.Errorf("Collisions() mismatch (-want +got):\n%s", diff)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Records != 2 {
		t.Fatalf("Records = %d, want 2", stats.Records)
	}
	got, err := store.Get(id)
	if err != nil || string(got) != "same bytes" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}

func TestArchiveSkipsTouched(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/t", "touch me")
	store, err := storage.Open("/store", storage.WithFs(memFs))
	if err != nil {
		t.Fatal(err)
	}
	ix := New(memFs, "/tree", WithArchive(store))
	before := mustBuild(t, ix)

	// Drop the record; a touched file must not bring it back.
	id := resource.ComputeBytes([]byte("touch me"))
	if err := store.Remove(id); err != nil {
		t.Fatal(err)
	}
	touch(t, memFs, "/tree/t", baseTime.Add(time.Hour))
	createFile(t, memFs, "/tree/n", "new file")

	_, changes := mustUpdate(t, ix, before)
	if c, _ := changes.Lookup("t"); c.Kind != Touched {
		t.Fatalf("t classified %v", c.Kind)
	}
	if has, _ := store.Has(id); has {
		t.Fatal("touched file was archived again")
	}
	if has, _ := store.Has(resource.ComputeBytes([]byte("new file"))); !has {
		t.Fatal("added file was not archived")
	}
}

// swappingFs replaces the content of one file right before it is
// opened for the second time, after it was hashed.
type swappingFs struct {
	afero.Fs
	path    string
	content string
	opens   int
}

func (f *swappingFs) Open(name string) (afero.File, error) {
	if name == f.path {
		f.opens++
		if f.opens == 2 {
			if err := afero.WriteFile(f.Fs, name, []byte(f.content), 0o644); err != nil {
				return nil, err
			}
		}
	}
	return f.Fs.Open(name)
}

func TestArchiveChangedAfterHashing(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createFile(t, memFs, "/tree/busy", "first")
	createFile(t, memFs, "/tree/calm", "steady")
	store, err := storage.Open("/store", storage.WithFs(memFs))
	if err != nil {
		t.Fatal(err)
	}
	fsys := &swappingFs{Fs: memFs, path: "/tree/busy", content: "other"}

	idx, err := New(fsys, "/tree", WithArchive(store), WithWorkers(1)).Build(t.Context())
	if !errors.Is(err, errs.ErrPartialScan) {
		t.Fatalf("Build() err = %v, want ErrPartialScan", err)
	}
	var scanErr *errs.ScanError
	if !errors.As(err, &scanErr) || len(scanErr.Skipped) != 1 || scanErr.Skipped[0].Path != "busy" {
		t.Fatalf("unexpected skipped files:\n%s", spew.Sdump(err))
	}
	if !errors.Is(scanErr.Skipped[0].Err, resource.ErrChangedWhileReading) {
		t.Errorf("skip reason = %v, want ErrChangedWhileReading", scanErr.Skipped[0].Err)
	}
	if diff := cmp.Diff([]string{"calm"}, idx.Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}

	for _, content := range []string{"first", "other"} {
		if has, _ := store.Has(resource.ComputeBytes([]byte(content))); has {
			t.Errorf("%q was archived", content)
		}
	}
	if has, _ := store.Has(resource.ComputeBytes([]byte("steady"))); !has {
		t.Error("unchanged file was not archived")
	}
}
