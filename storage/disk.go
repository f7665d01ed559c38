// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/rdso"
	"github.com/spf13/afero"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Suffixes of files that live alongside objects in a Disk backend but
// aren't themselves objects.
const (
	paritySuffix = ".rs"
	tmpMarker    = ".tmp-"
)

// ParityOptions describes the Reed-Solomon sidecar written next to each
// object stored by a Disk backend.
type ParityOptions struct {
	DataShards, ParityShards int
	HashRate                 int64
}

// DefaultParity gives roughly 10% overhead and can recover from a
// handful of damaged 64kB regions per object.
var DefaultParity = ParityOptions{DataShards: 20, ParityShards: 2, HashRate: 64 * 1024}

// Disk is a Backend that stores each object as a file under a root
// directory. Writes go to a temporary file that is renamed into place
// once it's completely on disk, so a crash never leaves a partial object
// under its final name.
type Disk struct {
	fs     afero.Fs
	root   string
	parity *ParityOptions
}

// NewDisk returns a new Disk backend rooted at dir in the given
// filesystem; the directory is created if it doesn't exist. If parity is
// non-nil, a Reed-Solomon sidecar is written for each object.
func NewDisk(fs afero.Fs, dir string, parity *ParityOptions) (*Disk, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, permanent(err, dir)
	}
	stat, err := fs.Stat(dir)
	if err != nil {
		return nil, permanent(err, dir)
	}
	if !stat.IsDir() {
		return nil, permanent(errors.New("is a regular file"), dir)
	}
	return &Disk{fs: fs, root: dir, parity: parity}, nil
}

func (d *Disk) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *Disk) String() string {
	return "disk: " + d.root
}

func (d *Disk) Put(ctx context.Context, name string, r io.Reader) error {
	path := d.path(name)
	if err := d.fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return classify(err, name)
	}

	tmp := fmt.Sprintf("%s%s%08x", path, tmpMarker, rand.Uint32())
	f, err := d.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return classify(err, name)
	}
	// Remove the temporary file in all cases; it's either been renamed
	// or there was an error.
	defer d.fs.Remove(tmp)

	if _, err := io.Copy(f, contextReader{ctx, r}); err != nil {
		f.Close()
		return classify(err, name)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return classify(err, name)
	}
	if err := f.Close(); err != nil {
		return classify(err, name)
	}
	if err := d.fs.Rename(tmp, path); err != nil {
		return classify(err, name)
	}

	if d.parity != nil {
		p := d.parity
		if err := rdso.EncodeFile(d.fs, path, path+paritySuffix, p.DataShards,
			p.ParityShards, p.HashRate); err != nil {
			return permanent(errors.Wrap(err, "writing parity"), name)
		}
	}
	log.Debug("%s: wrote %s", d, name)
	return nil
}

func (d *Disk) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := d.fs.Open(d.path(name))
	if err != nil {
		return nil, classify(err, name)
	}
	return f, nil
}

func (d *Disk) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	f, err := d.fs.Open(d.path(name))
	if err != nil {
		return nil, classify(err, name)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, classify(err, name)
	}
	if err := checkRange(name, offset, length, fi.Size()); err != nil {
		return nil, err
	}

	b := make([]byte, length)
	if _, err := f.ReadAt(b, offset); err != nil && !(err == io.EOF && length == 0) {
		return nil, classify(err, name)
	}
	return b, nil
}

func (d *Disk) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := afero.Walk(d.fs, d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, paritySuffix) ||
			strings.Contains(filepath.Base(path), tmpMarker) {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		if name := filepath.ToSlash(rel); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, classify(err, d.root)
	}
	return sortedNames(names), nil
}

func (d *Disk) Delete(ctx context.Context, name string) error {
	path := d.path(name)
	if err := d.fs.Remove(path); err != nil {
		return classify(err, name)
	}
	if err := d.fs.Remove(path + paritySuffix); err != nil && !os.IsNotExist(err) {
		log.Warning("%s: %s", path+paritySuffix, err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Parity

// CheckParity verifies the named object against its Reed-Solomon
// sidecar. Objects without a sidecar are reported as not found.
func (d *Disk) CheckParity(ctx context.Context, name string) error {
	path := d.path(name)
	if _, err := d.fs.Stat(path + paritySuffix); err != nil {
		return classify(err, name+paritySuffix)
	}
	return rdso.CheckFile(d.fs, path, path+paritySuffix, log)
}

// Repair reconstructs a damaged object from its Reed-Solomon sidecar and
// replaces the damaged copy with the recovered one.
func (d *Disk) Repair(ctx context.Context, name string) error {
	path := d.path(name)
	recovered, err := rdso.RestoreFile(d.fs, path, path+paritySuffix, log)
	if err != nil {
		return permanent(err, name)
	}
	if recovered == "" {
		// Nothing was wrong.
		return nil
	}
	if err := d.fs.Rename(recovered, path); err != nil {
		return classify(err, name)
	}
	log.Warning("%s: repaired from parity", name)
	return nil
}

///////////////////////////////////////////////////////////////////////////

// contextReader stops a long copy early if its context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
