//go:build !unix

package resource

import "io/fs"

func fileKey(fs.FileInfo) FileKey {
	return FileKey{}
}
