// backup/tree.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/manifest"
	"github.com/mmp/baq/storage"
	"io"
	"path"
	"sort"
	"strings"
)

// Tree is the directory hierarchy of a generation held in memory, with
// file contents read on demand. It's used for browsing generations.
type Tree struct {
	Generation string
	Header     *manifest.Header
	Root       *Node
	reader     *block.Reader
}

// Node is a directory or a file in a Tree; exactly one of Dir and File is
// non-nil.
type Node struct {
	Name     string
	Dir      *manifest.Directory
	File     *manifest.File
	children map[string]*Node
}

// Children returns the node's children, sorted by name.
func (n *Node) Children() []*Node {
	var c []*Node
	for _, child := range n.children {
		c = append(c, child)
	}
	sort.Slice(c, func(i, j int) bool { return c[i].Name < c[j].Name })
	return c
}

func (n *Node) Lookup(name string) *Node {
	return n.children[name]
}

func (n *Node) Attrs() manifest.Attrs {
	if n.File != nil {
		return n.File.Attrs
	}
	return n.Dir.Attrs
}

// LoadTree reads the manifest of the given generation into a Tree. Keys
// are only unwrapped when encrypted contents are first read.
func LoadTree(ctx context.Context, backend storage.Backend, gen string, cap keys.Capability,
	identities []string) (*Tree, error) {
	mr, c, err := manifest.Open(ctx, backend, gen, manifest.Lenient)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	header, recs, err := manifest.ReadAll(mr)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		Generation: gen,
		Header:     header,
		Root:       newDirNode(".", manifest.Attrs{Path: ".", Mode: 0555}),
		reader:     block.NewReader(backend, keys.NewKeyring(cap, identities, header.Keys)),
	}
	for _, rec := range recs {
		switch r := rec.(type) {
		case *manifest.Directory:
			if r.Path == "." {
				t.Root.Dir = r
			} else {
				t.dir(r.Path).Dir = r
			}
		case *manifest.File:
			parent := t.dir(path.Dir(r.Path))
			name := path.Base(r.Path)
			parent.children[name] = &Node{Name: name, File: r}
		}
	}
	return t, nil
}

func newDirNode(name string, a manifest.Attrs) *Node {
	return &Node{Name: name, Dir: &manifest.Directory{Attrs: a}, children: make(map[string]*Node)}
}

// dir returns the directory node for the given path, creating it and its
// parents if needed.
func (t *Tree) dir(p string) *Node {
	n := t.Root
	if p == "." || p == "" {
		return n
	}
	for _, comp := range strings.Split(p, "/") {
		child, ok := n.children[comp]
		if !ok || child.Dir == nil {
			child = newDirNode(comp, manifest.Attrs{Path: p, Mode: n.Dir.Mode})
			n.children[comp] = child
		}
		n = child
	}
	return n
}

// ReadAt reads len(b) bytes of the file's contents starting at offset
// off, fetching only the blocks that overlap that range.
func (t *Tree) ReadAt(ctx context.Context, f *manifest.File, b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("%s: negative offset %d", f.Path, off)
	}
	if off >= f.Size {
		return 0, io.EOF
	}
	end := off + int64(len(b))
	if end > f.Size {
		end = f.Size
	}

	// Chunks are sorted by offset.
	first := sort.Search(len(f.Chunks), func(i int) bool {
		return f.Chunks[i].Offset+f.Chunks[i].Size > off
	})
	var refs []block.Ref
	var chunks []manifest.Chunk
	for i := first; i < len(f.Chunks) && f.Chunks[i].Offset < end; i++ {
		refs = append(refs, f.Chunks[i].Ref())
		chunks = append(chunks, f.Chunks[i])
	}
	data, err := t.reader.FetchRun(ctx, refs)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", f.Path)
	}

	n := 0
	for i, c := range chunks {
		lo := max(off, c.Offset)
		hi := min(end, c.Offset+int64(len(data[i])))
		if lo >= hi {
			continue
		}
		n += copy(b[lo-off:], data[i][lo-c.Offset:hi-c.Offset])
	}
	if int64(n) < end-off {
		return n, errors.Newf("%s: short read at offset %d", f.Path, off+int64(n))
	}
	if end < off+int64(len(b)) {
		return n, io.EOF
	}
	return n, nil
}
