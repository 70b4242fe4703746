package main

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/disiqueira/gotree/v3"
	"github.com/gophersatwork/stash/errs"
	"github.com/gophersatwork/stash/index"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

var kindColors = map[index.ChangeKind]string{
	index.Added:    colorGreen,
	index.Removed:  colorRed,
	index.Modified: colorYellow,
	index.Touched:  colorGray,
	index.Moved:    colorBlue,
}

// printer writes human-readable output, in colour on terminals.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) printer {
	return printer{w: w, color: isTerminal(w)}
}

func (p printer) paint(color, s string) string {
	if !p.color || color == "" {
		return s
	}
	return color + s + colorReset
}

func (p printer) changes(changes *index.Changes) {
	if changes.Empty() {
		fmt.Fprintln(p.w, "no changes")
	}
	for _, c := range changes.Items {
		label := p.paint(kindColors[c.Kind], fmt.Sprintf("%-9s", c.Kind))
		if c.Kind == index.Moved {
			fmt.Fprintf(p.w, "%s %s -> %s\n", label, c.From, c.Path)
			continue
		}
		fmt.Fprintf(p.w, "%s %s\n", label, c.Path)
	}
	p.skipped(changes.Skipped)
	fmt.Fprintf(p.w, "%d files hashed\n", changes.Recomputed)
}

func (p printer) skipped(skipped []errs.Skipped) {
	for _, s := range skipped {
		fmt.Fprintf(p.w, "%s %s: %v\n", p.paint(colorRed, fmt.Sprintf("%-9s", "skipped")), s.Path, s.Err)
	}
}

func (p printer) duplicates(idx *index.FileIndex) {
	groups := idx.Collisions()
	if len(groups) == 0 {
		fmt.Fprintln(p.w, "no duplicates")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(p.w, "%s (%d bytes, %d copies)\n", p.paint(colorYellow, g.ID.String()), g.ID.Size, len(g.Paths))
		for _, path := range g.Paths {
			fmt.Fprintf(p.w, "  %s\n", path)
		}
	}
}

// fileTree renders index paths as a tree. Duplicated files are marked.
type fileTree struct {
	tree gotree.Tree
	dirs map[string]gotree.Tree
}

func newFileTree(rootLabel string) fileTree {
	return fileTree{tree: gotree.New(rootLabel), dirs: make(map[string]gotree.Tree)}
}

func (t fileTree) dir(dirPath string) gotree.Tree {
	if dirPath == "." {
		return t.tree
	}
	dir, ok := t.dirs[dirPath]
	if !ok {
		dir = t.dir(path.Dir(dirPath)).Add(path.Base(dirPath) + "/")
		t.dirs[dirPath] = dir
	}
	return dir
}

func (t fileTree) insert(filePath, label string) {
	t.dir(path.Dir(filePath)).Add(label)
}

func (t fileTree) render() string {
	return t.tree.Print()
}

func (p printer) tree(idx *index.FileIndex, showIDs bool) {
	t := newFileTree(idx.Root())
	for _, e := range idx.Entries() {
		var label strings.Builder
		if len(idx.PathsOf(e.ID)) > 1 {
			label.WriteString(p.paint(colorYellow, "* "))
		}
		label.WriteString(path.Base(e.Path))
		if showIDs {
			label.WriteString(p.paint(colorGray, " "+e.ID.String()))
		}
		t.insert(e.Path, label.String())
	}
	fmt.Fprint(p.w, t.render())
}
