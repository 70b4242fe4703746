package index

import (
	"io/fs"
	"iter"
	"path"
	"path/filepath"

	"github.com/gophersatwork/stash/atomicfile"
	"github.com/gophersatwork/stash/errs"
	"github.com/spf13/afero"
)

// SkipFunc reports whether the entry at rel, a slash-separated path
// relative to the walk root, should be left out. Returning true for a
// directory prunes the whole subtree.
type SkipFunc func(rel string, info fs.FileInfo) bool

// Walk yields the slash-separated relative path of every regular file
// below root. Symbolic links and other special files are not followed
// or yielded. Names reserved by atomicfile are never yielded.
//
// A root that cannot be read is yielded as an error and ends the
// sequence. A subdirectory that cannot be read is yielded as an error
// together with its relative path, and the walk continues.
//
// Each range over the returned sequence starts a fresh walk.
func Walk(fsys afero.Fs, root string, skip SkipFunc) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries, err := afero.ReadDir(fsys, root)
		if err != nil {
			yield("", errs.IO("index.walk", root, err))
			return
		}

		type frame struct {
			rel     string
			entries []fs.FileInfo
		}
		stack := []frame{{rel: "", entries: entries}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(top.entries) == 0 {
				stack = stack[:len(stack)-1]
				continue
			}
			info := top.entries[0]
			top.entries = top.entries[1:]

			rel := path.Join(top.rel, info.Name())
			if atomicfile.IsReserved(info.Name()) {
				continue
			}
			if skip != nil && skip(rel, info) {
				continue
			}

			switch mode := info.Mode(); {
			case mode.IsDir():
				dir := filepath.Join(root, filepath.FromSlash(rel))
				children, err := afero.ReadDir(fsys, dir)
				if err != nil {
					if !yield(rel, errs.IO("index.walk", dir, err)) {
						return
					}
					continue
				}
				stack = append(stack, frame{rel: rel, entries: children})
			case mode.IsRegular():
				if !yield(rel, nil) {
					return
				}
			}
		}
	}
}
