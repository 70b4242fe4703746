package index

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/resource"
	"github.com/spf13/afero"
)

func TestSaveLoad(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			memFs := afero.NewMemMapFs()
			createFile(t, memFs, "/tree/a", "dup")
			createFile(t, memFs, "/tree/sub/b", "dup")
			createFile(t, memFs, "/tree/c", "single")
			// Sub-second precision must survive the round trip.
			touch(t, memFs, "/tree/c", baseTime.Add(123456789*time.Nanosecond))

			ix := New(memFs, "/tree")
			idx := mustBuild(t, ix)

			slot := atomicfile.Open(memFs, "/tree/.stash/index")
			version, err := Save(slot, idx, nil, codec)
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if version != 1 {
				t.Errorf("Save() version = %d, want 1", version)
			}

			loaded, loadedVersion, err := Load(slot)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if loadedVersion != version {
				t.Errorf("Load() version = %d, want %d", loadedVersion, version)
			}
			if loaded.Root() != idx.Root() {
				t.Errorf("Root() = %q, want %q", loaded.Root(), idx.Root())
			}
			if diff := cmp.Diff(idx.Entries(), loaded.Entries()); diff != "" {
				t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(idx.Collisions(), loaded.Collisions()); diff != "" {
				t.Errorf("Collisions() mismatch (-want +got):\n%s", diff)
			}

			// The loaded snapshot is a valid cache: nothing is re-read.
			_, changes := mustUpdate(t, New(memFs, "/tree", WithSkip(func(rel string, _ fs.FileInfo) bool {
				return rel == ".stash"
			})), loaded)
			if !changes.Empty() || changes.Recomputed != 0 {
				t.Errorf("update after load: %d changes, %d recomputed", len(changes.Items), changes.Recomputed)
			}
		})
	}
}

func TestSaveExpectedVersion(t *testing.T) {
	memFs := afero.NewMemMapFs()
	slot := atomicfile.Open(memFs, "/idx")
	idx := Empty("/tree")

	none := uint64(0)
	if _, err := Save(slot, idx, &none, nil); err != nil {
		t.Fatal(err)
	}
	// Someone else saved version 1 since we read version 0.
	if _, err := Save(slot, idx, &none, nil); !errors.Is(err, errs.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	one := uint64(1)
	if v, err := Save(slot, idx, &one, nil); err != nil || v != 2 {
		t.Fatalf("Save() = %d, %v", v, err)
	}
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "FutureVersion", payload: `{"format_version":99,"root":"/","entries":[]}`, want: ErrFormat},
		{name: "Garbage", payload: "\xff\x00", want: ErrFormat},
		{name: "BadID", payload: `{"format_version":1,"root":"/","entries":[{"path":"a","id":"zz","size":1,"modified":0}]}`, want: ErrFormat},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			slot := atomicfile.Open(afero.NewMemMapFs(), "/idx")
			if _, err := slot.Write([]byte(tc.payload), nil); err != nil {
				t.Fatal(err)
			}
			if _, _, err := Load(slot); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	t.Run("Missing", func(t *testing.T) {
		_, _, err := Load(atomicfile.Open(afero.NewMemMapFs(), "/idx"))
		if !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]Codec{"": JSON, "json": JSON, "cbor": CBOR} {
		got, err := CodecByName(name)
		if err != nil || got != want {
			t.Errorf("CodecByName(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("CodecByName(xml) succeeded")
	}
}

func TestSaveLoadKeepsFileKeys(t *testing.T) {
	entries := map[string]Entry{
		"a": {Path: "a", ID: resource.ComputeBytes([]byte("a")), Size: 1, ModTime: baseTime, Key: resource.FileKey{Dev: 2049, Ino: 131}},
		"b": {Path: "b", ID: resource.ComputeBytes([]byte("b")), Size: 1, ModTime: baseTime},
	}
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			memFs := afero.NewMemMapFs()
			slot := atomicfile.Open(memFs, "/index")
			if _, err := Save(slot, newFileIndex("/tree", entries), nil, codec); err != nil {
				t.Fatal(err)
			}
			loaded, _, err := Load(slot)
			if err != nil {
				t.Fatal(err)
			}
			want := []Entry{entries["a"], entries["b"]}
			if diff := cmp.Diff(want, loaded.Entries()); diff != "" {
				t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
