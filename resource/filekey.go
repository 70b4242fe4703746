package resource

import "io/fs"

// FileKey identifies a file independently of its path, as the device
// and inode numbers on Unix. A rename keeps the key. The zero key means
// the filesystem reports no identity, as with in-memory filesystems.
type FileKey struct {
	Dev uint64
	Ino uint64
}

// IsZero reports whether k carries no identity.
func (k FileKey) IsZero() bool {
	return k == FileKey{}
}

// KeyOf returns the identity of the file info describes.
func KeyOf(info fs.FileInfo) FileKey {
	if info == nil {
		return FileKey{}
	}
	return fileKey(info)
}
