package atomicfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Every canonical file starts with a fixed header:
//
//	magic   [4]byte  "STV1"
//	version uint64   big endian
//	digest  uint64   big endian xxhash64 of the payload
const headerSize = 4 + 8 + 8

var magic = []byte("STV1")

func header(version, digest uint64) []byte {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.BigEndian.PutUint64(buf[4:12], version)
	binary.BigEndian.PutUint64(buf[12:20], digest)
	return buf
}

// decodeHeader returns the version and digest stored in a header.
func decodeHeader(header []byte) (version, digest uint64, err error) {
	if len(header) < headerSize || !bytes.Equal(header[:4], magic) {
		return 0, 0, fmt.Errorf("malformed header")
	}
	return binary.BigEndian.Uint64(header[4:12]), binary.BigEndian.Uint64(header[12:20]), nil
}

// decode splits a canonical file into its version and verified payload.
func decode(data []byte) (payload []byte, version uint64, err error) {
	version, digest, err := decodeHeader(data)
	if err != nil {
		return nil, 0, err
	}
	payload = data[headerSize:]
	if got := xxhash.Sum64(payload); got != digest {
		return nil, 0, fmt.Errorf("payload digest %016x, header says %016x", got, digest)
	}
	return payload, version, nil
}

// Sibling names. For a canonical file "name" in some directory:
//
//	.name.tmp-<digits>  in-flight write, never a valid value
//	.name.v<20 digits>  claim on, and retained copy of, one version
var (
	reservedName = regexp.MustCompile(`^\.(.+)\.(?:tmp-\d+|v\d{20})$`)
	siblingRest  = regexp.MustCompile(`^(?:tmp-(\d+)|v(\d{20}))$`)
)

// IsReserved reports whether a directory entry name belongs to the
// bookkeeping of some slot rather than being a canonical file.
// Directory enumerations must skip reserved names.
func IsReserved(name string) bool {
	return reservedName.MatchString(name)
}

// Owner returns the canonical name a reserved entry belongs to.
func Owner(entry string) (name string, ok bool) {
	m := reservedName.FindStringSubmatch(entry)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func tempPattern(name string) string {
	return "." + name + ".tmp-*"
}

func historyName(name string, version uint64) string {
	return fmt.Sprintf(".%s.v%020d", name, version)
}

// parseSibling classifies a directory entry that belongs to the slot
// called name. ok is false for entries that belong to something else.
func parseSibling(name, entry string) (temp bool, version uint64, ok bool) {
	prefix := "." + name + "."
	if len(entry) <= len(prefix) || entry[:len(prefix)] != prefix {
		return false, 0, false
	}
	m := siblingRest.FindStringSubmatch(entry[len(prefix):])
	if m == nil {
		return false, 0, false
	}
	if m[1] != "" {
		return true, 0, true
	}
	v, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return false, 0, false
	}
	return false, v, true
}
