// backup/restore_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func (f *fixture) restore(opts RestoreOptions) (*RestoreResult, error) {
	return Restore(context.Background(), opts, f.backend, keys.AgeCapability{}, f.log)
}

// regularFiles returns the contents of the regular files under dir,
// keyed by slash-separated relative path.
func regularFiles(t *testing.T, dir string) map[string][]byte {
	m := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		m[filepath.ToSlash(rel)] = b
		return nil
	})
	require.NoError(t, err)
	return m
}

func testTree(f *fixture) {
	f.write("a/1.txt", []byte("hello, world\n"))
	f.write("a/b/2.bin", randBytes(300000))
	f.write("c.txt", bytes.Repeat([]byte("baq "), 100000))
	f.write("empty", nil)
	require.NoError(f.t, os.Chmod(filepath.Join(f.src, "a", "1.txt"), 0600))
	mtime := time.Date(2020, 2, 2, 2, 2, 2, 2, time.UTC)
	require.NoError(f.t, os.Chtimes(filepath.Join(f.src, "c.txt"), mtime, mtime))
	require.NoError(f.t, os.Chmod(filepath.Join(f.src, "a", "b"), 0750))
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	testTree(f)
	id, recipient, err := keys.GenerateIdentity()
	require.NoError(t, err)

	opts := f.options(recipient)
	opts.BlockSize = 64 * 1024
	res := f.backup(opts)

	dst := filepath.Join(t.TempDir(), "out")
	rr, err := f.restore(RestoreOptions{Identities: []string{id}, Destination: dst, Strict: true})
	require.NoError(t, err)
	assert.Equal(t, res.Generation, rr.Generation)
	assert.EqualValues(t, 4, rr.Files)
	assert.EqualValues(t, 3, rr.Directories)
	assert.Empty(t, rr.Failed)
	assert.Equal(t, regularFiles(t, f.src), regularFiles(t, dst))

	for _, p := range []string{"a/1.txt", "a/b", "c.txt"} {
		src, err := os.Stat(filepath.Join(f.src, p))
		require.NoError(t, err)
		out, err := os.Stat(filepath.Join(dst, p))
		require.NoError(t, err)
		assert.Equal(t, src.Mode(), out.Mode(), p)
		assert.True(t, src.ModTime().Equal(out.ModTime()), p)
	}
}

func TestRestoreWrongIdentity(t *testing.T) {
	f := newFixture(t)
	testTree(f)
	_, recipient, err := keys.GenerateIdentity()
	require.NoError(t, err)
	wrong, _, err := keys.GenerateIdentity()
	require.NoError(t, err)
	f.backup(f.options(recipient))

	dst := t.TempDir()
	rr, err := f.restore(RestoreOptions{Identities: []string{wrong}, Destination: dst})
	require.Error(t, err)
	// The empty file has no chunks and so needs no key.
	assert.EqualValues(t, 1, rr.Files)
	require.Len(t, rr.Failed, 3)
	for _, ff := range rr.Failed {
		assert.True(t, errors.Is(ff.Err, keys.ErrKeyAuthentication), "%s: %v", ff.Path, ff.Err)
	}
	assert.Empty(t, rr.Partial)
	got := regularFiles(t, dst)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "empty")
}

func TestRestoreTwoRecipients(t *testing.T) {
	f := newFixture(t)
	testTree(f)
	id1, r1, err := keys.GenerateIdentity()
	require.NoError(t, err)
	id2, r2, err := keys.GenerateIdentity()
	require.NoError(t, err)
	res := f.backup(f.options(r1, r2))

	h, _ := f.manifest(res.Generation)
	require.Len(t, h.Keys, 1)
	assert.Len(t, h.Keys[0].Wrapped, 2)

	for _, id := range []string{id1, id2} {
		dst := t.TempDir()
		_, err := f.restore(RestoreOptions{Identities: []string{id}, Destination: dst})
		require.NoError(t, err)
		assert.Equal(t, regularFiles(t, f.src), regularFiles(t, dst))
	}
}

func TestRestoreCorruption(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", randBytes(5000))
	f.write("b.txt", randBytes(5000))
	res := f.backup(f.options())

	_, recs := f.manifest(res.Generation)
	c := files(recs)["a.txt"].Chunks[0]
	require.NoError(t, f.backend.Corrupt(c.DataFile, c.DataOffset+c.DataSize-1))

	dst := t.TempDir()
	rr, err := f.restore(RestoreOptions{Destination: dst})
	require.Error(t, err)
	require.Len(t, rr.Failed, 1)
	assert.Equal(t, "a.txt", rr.Failed[0].Path)
	assert.True(t, errors.Is(rr.Failed[0].Err, block.ErrIntegrity))
	assert.Equal(t, []string{filepath.Join(dst, "a.txt") + PartialSuffix}, rr.Partial)

	got := regularFiles(t, dst)
	assert.NotContains(t, got, "a.txt")
	want, err := os.ReadFile(filepath.Join(f.src, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, want, got["b.txt"])
}

func TestRestorePrefix(t *testing.T) {
	f := newFixture(t)
	testTree(f)
	f.backup(f.options())

	dst := t.TempDir()
	rr, err := f.restore(RestoreOptions{Destination: dst, Prefix: "a/"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rr.Files)
	got := regularFiles(t, dst)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a/1.txt")
	assert.Contains(t, got, "a/b/2.bin")
}

func TestRestoreGeneration(t *testing.T) {
	f := newFixture(t)
	f.write("x", []byte("one"))
	first := f.backup(f.options())
	f.write("x", []byte("two"))
	f.backup(f.options())

	for gen, want := range map[string]string{first.Generation: "one", "": "two"} {
		dst := t.TempDir()
		_, err := f.restore(RestoreOptions{Generation: gen, Destination: dst})
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(dst, "x"))
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}

	_, err := f.restore(RestoreOptions{Generation: "baq.19990101T000000Z", Destination: t.TempDir()})
	assert.Error(t, err)
}

func TestRestoreSingleFile(t *testing.T) {
	f := newFixture(t)
	data := randBytes(100000)
	f.write("disk.img", data)
	opts := f.options()
	opts.Source = filepath.Join(f.src, "disk.img")
	opts.BlockSize = 4096
	f.backup(opts)

	// Into an existing directory.
	dir := t.TempDir()
	_, err := f.restore(RestoreOptions{Destination: dir})
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, data, b)

	// To a new path.
	out := filepath.Join(t.TempDir(), "restored.img")
	_, err = f.restore(RestoreOptions{Destination: out})
	require.NoError(t, err)
	b, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, b)
}

func TestRestoreRefusesEscapes(t *testing.T) {
	f := newFixture(t)
	f.write("x", []byte("x"))
	res := f.backup(f.options())

	// Rewrite the manifest with a path that escapes the destination.
	h, recs := f.manifest(res.Generation)
	mw, err := manifest.NewWriter(f.options().SpoolFs, "")
	require.NoError(t, err)
	var done *manifest.Done
	for _, r := range recs {
		switch r := r.(type) {
		case *manifest.File:
			r.Path = "../escaped"
			require.NoError(t, mw.Add(r))
		case *manifest.Directory:
			require.NoError(t, mw.Add(r))
		case *manifest.Done:
			done = r
		}
	}
	require.NoError(t, f.backend.Delete(context.Background(), manifest.MetadataName(res.Generation)))
	require.NoError(t, mw.Commit(context.Background(), f.backend, h, done))

	parent := t.TempDir()
	dst := filepath.Join(parent, "out")
	rr, err := f.restore(RestoreOptions{Destination: dst})
	require.Error(t, err)
	require.Len(t, rr.Failed, 1)
	assert.True(t, strings.Contains(rr.Failed[0].Error(), "outside"))
	_, err = os.Stat(filepath.Join(parent, "escaped"))
	assert.True(t, os.IsNotExist(err))
}
