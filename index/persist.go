package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/resource"
)

// FormatVersion is the version of the persisted snapshot document.
const FormatVersion = 1

// ErrFormat is returned when a persisted snapshot cannot be decoded or
// was written in an unsupported format version.
var ErrFormat = errors.New("unsupported index format")

// document is the persisted form of a FileIndex. Id groups are derived
// again on load.
type document struct {
	FormatVersion int             `json:"format_version" cbor:"format_version"`
	Root          string          `json:"root" cbor:"root"`
	Entries       []documentEntry `json:"entries" cbor:"entries"`
}

type documentEntry struct {
	Path string `json:"path" cbor:"path"`
	ID   string `json:"id" cbor:"id"`
	Size int64  `json:"size" cbor:"size"`
	// Modified is in nanoseconds since the Unix epoch, which keeps the
	// full mtime precision the cached-id check compares against.
	Modified int64 `json:"modified" cbor:"modified"`
	// Dev and Ino are the file key, absent where the filesystem has none.
	Dev uint64 `json:"dev,omitempty" cbor:"dev,omitempty"`
	Ino uint64 `json:"ino,omitempty" cbor:"ino,omitempty"`
}

// Codec encodes snapshot documents.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// CBOR stores snapshots in Core Deterministic Encoding, so equal
// snapshots produce identical bytes.
var CBOR Codec = cborCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cborEncMode.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDecMode.Unmarshal(data, v) }

// CodecByName returns the codec called name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown index codec %q", name)
}

// detect picks the codec a payload was written with. A JSON document is
// an object; a CBOR document is a map, whose initial byte is never '{'.
func detect(data []byte) Codec {
	if len(data) > 0 && data[0] == '{' {
		return JSON
	}
	return CBOR
}

// Save writes idx to slot as a single value and returns the new
// version. A nil codec means JSON. expected has the meaning of
// atomicfile.Slot.Write: when set, a snapshot written by someone else
// in the meantime is an errs.ErrVersionConflict.
func Save(slot *atomicfile.Slot, idx *FileIndex, expected *uint64, codec Codec) (uint64, error) {
	if codec == nil {
		codec = JSON
	}
	doc := document{
		FormatVersion: FormatVersion,
		Root:          idx.Root(),
		Entries:       make([]documentEntry, 0, idx.Len()),
	}
	for _, e := range idx.Entries() {
		doc.Entries = append(doc.Entries, documentEntry{
			Path:     e.Path,
			ID:       e.ID.String(),
			Size:     e.Size,
			Modified: e.ModTime.UnixNano(),
			Dev:      e.Key.Dev,
			Ino:      e.Key.Ino,
		})
	}
	data, err := codec.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encoding index as %s: %w", codec.Name(), err)
	}
	return slot.Write(data, expected)
}

// Load reads the snapshot stored in slot together with its version.
// A slot that was never written is errs.ErrNotFound.
func Load(slot *atomicfile.Slot) (*FileIndex, uint64, error) {
	data, version, err := slot.Read()
	if err != nil {
		return nil, 0, err
	}
	codec := detect(data)
	var doc document
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("%w: decoding %s: %v", ErrFormat, codec.Name(), err)
	}
	if doc.FormatVersion != FormatVersion {
		return nil, 0, fmt.Errorf("%w: version %d, want %d", ErrFormat, doc.FormatVersion, FormatVersion)
	}

	entries := make(map[string]Entry, len(doc.Entries))
	for _, de := range doc.Entries {
		id, err := resource.ParseID(de.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: entry %s: %v", ErrFormat, de.Path, err)
		}
		entries[de.Path] = Entry{
			Path:    de.Path,
			ID:      id,
			Size:    de.Size,
			ModTime: time.Unix(0, de.Modified),
			Key:     resource.FileKey{Dev: de.Dev, Ino: de.Ino},
		}
	}
	return newFileIndex(doc.Root, entries), version, nil
}
