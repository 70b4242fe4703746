// Package resource computes content-derived identifiers and metadata
// snapshots for byte blobs and files.
package resource

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Default size for the buffer used when hashing content.
const defaultBufferSize = 512 * 1024 // 512KB

// bufferPool is a pool of byte slices used for reads during hashing.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, defaultBufferSize)
		return &buffer
	},
}

// ID identifies a byte sequence by its CRC32 checksum and length.
// Pairing the checksum with the length makes accidental collisions
// rarer than the checksum alone; it is not collision resistant against
// an adversary.
type ID struct {
	Size  uint64
	CRC32 uint32
}

// Compute streams r and returns the id of everything it yields.
func Compute(r io.Reader) (ID, error) {
	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	h := NewHasher()
	if _, err := io.CopyBuffer(h, r, buffer); err != nil {
		return ID{}, fmt.Errorf("failed to read content: %w", err)
	}
	return h.ID(), nil
}

// Hasher accumulates the id of everything written to it.
type Hasher struct {
	crc  hash.Hash32
	size uint64
}

// NewHasher returns a Hasher for empty content.
func NewHasher() *Hasher {
	return &Hasher{crc: crc32.NewIEEE()}
}

// Write never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	h.crc.Write(p)
	h.size += uint64(len(p))
	return len(p), nil
}

// Size returns the number of bytes written so far.
func (h *Hasher) Size() uint64 {
	return h.size
}

// ID returns the id of the bytes written so far.
func (h *Hasher) ID() ID {
	return ID{Size: h.size, CRC32: h.crc.Sum32()}
}

// ComputeBytes returns the id of data.
func ComputeBytes(data []byte) ID {
	return ID{Size: uint64(len(data)), CRC32: crc32.ChecksumIEEE(data)}
}

// String renders the id as "<crc32 hex>-<size>", e.g. "342a3d4a-128".
func (id ID) String() string {
	return fmt.Sprintf("%08x-%d", id.CRC32, id.Size)
}

// Shard returns the first n hex characters of the checksum. It is used
// to spread records over a bounded number of directories.
func (id ID) Shard(n int) string {
	s := fmt.Sprintf("%08x", id.CRC32)
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ErrMalformedID is returned by ParseID for text that is not an id.
var ErrMalformedID = errors.New("malformed resource id")

// ParseID parses the form produced by ID.String.
func ParseID(s string) (ID, error) {
	crcPart, sizePart, ok := strings.Cut(s, "-")
	if !ok || len(crcPart) != 8 {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformedID, s)
	}
	crc, err := strconv.ParseUint(crcPart, 16, 32)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrMalformedID, s, err)
	}
	size, err := strconv.ParseUint(sizePart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrMalformedID, s, err)
	}
	return ID{Size: size, CRC32: uint32(crc)}, nil
}
