//go:build unix

package resource

import (
	"io/fs"
	"syscall"
)

func fileKey(info fs.FileInfo) FileKey {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok || stat == nil {
		return FileKey{}
	}
	return FileKey{Dev: uint64(stat.Dev), Ino: uint64(stat.Ino)}
}
