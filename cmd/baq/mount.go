// cmd/baq/mount.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only access to the generations in a repository via FUSE.

import (
	"context"
	"github.com/mmp/baq/backup"
	"github.com/mmp/baq/storage"
	"github.com/spf13/cobra"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the repository's generations as a read-only filesystem",
	Long: `Mount a read-only FUSE filesystem with one directory for each generation
in the repository; below each one is the backed-up tree. A generation's
metadata is only read when its directory is first accessed, and reading a
file only fetches the blocks that hold the requested range.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend := openBackend(ctx)
		gens, err := backup.Generations(ctx, backend)
		if err != nil {
			return err
		}
		return mountFUSE(ctx, args[0], newRootDir(backend, gens))
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

// mountFUSE serves root at dir until the filesystem is unmounted or ctx
// is cancelled.
func mountFUSE(ctx context.Context, dir string, root *rootDir) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("baqfs"),
		fuse.Subtype("baqfs"),
		fuse.VolumeName("baq"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		if err := fuse.Unmount(dir); err != nil {
			log.Warning("%s: unmount: %s", dir, err)
		}
	}()

	if err := fs.Serve(conn, root); err != nil {
		return err
	}
	<-conn.Ready
	return conn.MountError
}

///////////////////////////////////////////////////////////////////////////

// rootDir is the top level of the filesystem: a directory per
// generation.
type rootDir struct {
	gens []*generationDir
}

func newRootDir(backend storage.Backend, gens []string) *rootDir {
	r := &rootDir{}
	for _, g := range gens {
		r.gens = append(r.gens, &generationDir{name: g, backend: backend})
	}
	return r
}

// Root() should only be called with the root node passed to fs.Serve;
// since rootDir also implements the Node and Handle interfaces for a
// directory, it just returns itself.
func (r *rootDir) Root() (fs.Node, error) {
	return r, nil
}

func (r *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (r *rootDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, g := range r.gens {
		if g.name == name {
			return g.root(ctx)
		}
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (r *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, g := range r.gens {
		de = append(de, fuse.Dirent{Name: g.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

// generationDir loads a generation's tree the first time it's needed.
type generationDir struct {
	name    string
	backend storage.Backend

	once sync.Once
	tree *backup.Tree
	err  error
}

func (g *generationDir) root(ctx context.Context) (fs.Node, error) {
	g.once.Do(func() {
		g.tree, g.err = backup.LoadTree(ctx, g.backend, g.name, capability(), cfg.Keys.Identities)
	})
	if g.err != nil {
		log.Error("%s: %s", g.name, g.err)
		return nil, fuse.EIO
	}
	return &treeNode{tree: g.tree, node: g.tree.Root}, nil
}

///////////////////////////////////////////////////////////////////////////

// treeNode is a file or directory inside a generation.
type treeNode struct {
	tree *backup.Tree
	node *backup.Node
}

func (t *treeNode) Attr(ctx context.Context, a *fuse.Attr) error {
	attrs := t.node.Attrs()
	a.Mode = os.FileMode(attrs.Mode).Perm()
	if t.node.File != nil {
		a.Size = uint64(t.node.File.Size)
		a.Blocks = (a.Size + 511) / 512
	} else {
		a.Mode |= os.ModeDir
	}
	a.Uid, a.Gid = uint32(attrs.UID), uint32(attrs.GID)
	a.Atime = time.Unix(0, attrs.Atime)
	a.Mtime = time.Unix(0, attrs.Mtime)
	a.Ctime = time.Unix(0, attrs.Ctime)
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (t *treeNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if t.node.File != nil {
		return nil, fuse.ENOENT
	}
	if n := t.node.Lookup(name); n != nil {
		return &treeNode{tree: t.tree, node: n}, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (t *treeNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, n := range t.node.Children() {
		de := fuse.Dirent{Name: n.Name, Type: fuse.DT_Dir}
		if n.File != nil {
			de.Type = fuse.DT_File
		}
		dirents = append(dirents, de)
	}
	return dirents, nil
}

// Implements fuse.fs.HandleReader
func (t *treeNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	f := t.node.File
	if f == nil {
		return fuse.ENOENT
	}
	if req.Offset >= f.Size {
		return nil
	}
	buf := make([]byte, req.Size)
	n, err := t.tree.ReadAt(ctx, f, buf, req.Offset)
	if err != nil && n < len(buf) && req.Offset+int64(n) < f.Size {
		log.Error("%s: %s", f.Path, err)
		return fuse.EIO
	}
	resp.Data = buf[:n]
	return nil
}

