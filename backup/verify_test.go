// backup/verify_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"testing"
	"time"
)

func TestVerify(t *testing.T) {
	f := newFixture(t)
	testTree(f)
	id, recipient, err := keys.GenerateIdentity()
	require.NoError(t, err)
	opts := f.options(recipient)
	opts.BlockSize = 64 * 1024
	res := f.backup(opts)

	ctx := context.Background()
	vopts := VerifyOptions{Identities: []string{id}}
	vr, err := Verify(ctx, vopts, f.backend, keys.AgeCapability{}, f.log)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, vr.Generation)
	assert.EqualValues(t, 4, vr.Files)
	assert.EqualValues(t, res.NewBlocks, vr.Refs)
	assert.Empty(t, vr.Bad)
	assert.Zero(t, vr.Unauthenticated)

	// Without an identity, blocks are only checked for presence.
	vr, err = Verify(ctx, VerifyOptions{}, f.backend, keys.AgeCapability{}, f.log)
	require.NoError(t, err)
	assert.Equal(t, vr.Refs, vr.Unauthenticated)
	assert.Empty(t, vr.Bad)

	_, recs := f.manifest(res.Generation)
	c := files(recs)["a/1.txt"].Chunks[0]
	require.NoError(t, f.backend.Corrupt(c.DataFile, c.DataOffset+c.DataSize-1))
	vr, err = Verify(ctx, vopts, f.backend, keys.AgeCapability{}, f.log)
	require.NoError(t, err)
	require.Len(t, vr.Bad, 1)
	assert.Equal(t, []string{"a/1.txt"}, vr.Bad[0].Paths)
	assert.True(t, errors.Is(vr.Bad[0].Err, block.ErrIntegrity))

	// A wrong identity makes every block bad.
	wrong, _, err := keys.GenerateIdentity()
	require.NoError(t, err)
	vr, err = Verify(ctx, VerifyOptions{Identities: []string{wrong}}, f.backend, keys.AgeCapability{}, f.log)
	require.NoError(t, err)
	assert.EqualValues(t, vr.Refs, len(vr.Bad))
}

func TestGenerationsAndInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := Latest(ctx, f.backend)
	assert.True(t, errors.Is(err, ErrNoGenerations))

	f.write("x", []byte("12345"))
	first := f.backup(f.options())
	f.write("y", []byte("678"))
	second := f.backup(f.options())

	// Not a metadata file, and so not a generation.
	require.NoError(t, f.backend.Put(ctx, "baq.20300101T000000Z.data-00000", bytes.NewReader(nil)))

	gens, err := Generations(ctx, f.backend)
	require.NoError(t, err)
	assert.Equal(t, []string{first.Generation, second.Generation}, gens)
	latest, err := Latest(ctx, f.backend)
	require.NoError(t, err)
	assert.Equal(t, second.Generation, latest)

	info, err := Info(ctx, f.backend, second.Generation)
	require.NoError(t, err)
	assert.Equal(t, second.Generation, info.Header.Generation)
	require.NotNil(t, info.Done)
	assert.EqualValues(t, 2, info.Done.Files)
	assert.EqualValues(t, 8, info.Bytes)
}

func TestClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("x", randBytes(1000))
	res := f.backup(f.options())

	old := "baq.20250101T000000Z.data-00000"
	recent := "baq.20260101T115900Z.data-00000"
	for _, n := range []string{old, "baq.20250101T000000Z.data-00001", recent} {
		require.NoError(t, f.backend.Put(ctx, n, bytes.NewReader([]byte("orphan"))))
	}

	now := func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	opts := CleanOptions{DryRun: true, MinAge: time.Hour, Now: now}
	names, err := Clean(ctx, f.backend, opts, f.log)
	require.NoError(t, err)
	assert.Equal(t, []string{old, "baq.20250101T000000Z.data-00001"}, names)
	assert.EqualValues(t, 6, f.backend.Size(old))

	opts.DryRun = false
	names, err = Clean(ctx, f.backend, opts, f.log)
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.EqualValues(t, -1, f.backend.Size(old))
	assert.EqualValues(t, 6, f.backend.Size(recent))

	// The committed generation is untouched.
	for _, df := range res.DataFiles {
		assert.NotEqual(t, int64(-1), f.backend.Size(df))
	}
	_, err = f.restore(RestoreOptions{Destination: t.TempDir()})
	assert.NoError(t, err)
}

func TestCheckParity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	disk, err := storage.NewDisk(fs, "/repo", &storage.ParityOptions{DataShards: 4, ParityShards: 2,
		HashRate: 1024})
	require.NoError(t, err)
	backend := storage.NewRetrying(disk, storage.DefaultRetryConfig())

	f.write("x", randBytes(20000))
	res, err := Backup(ctx, f.options(), backend, keys.AgeCapability{}, f.log)
	require.NoError(t, err)
	require.Len(t, res.DataFiles, 1)

	bad, err := CheckParity(ctx, backend, false, f.log)
	require.NoError(t, err)
	assert.Empty(t, bad)

	p := "/repo/" + res.DataFiles[0]
	b, err := afero.ReadFile(fs, p)
	require.NoError(t, err)
	b[100] ^= 0xff
	require.NoError(t, afero.WriteFile(fs, p, b, 0600))

	bad, err = CheckParity(ctx, backend, true, f.log)
	require.NoError(t, err)
	assert.Equal(t, res.DataFiles, bad)
	bad, err = CheckParity(ctx, backend, false, f.log)
	require.NoError(t, err)
	assert.Empty(t, bad)

	_, err = CheckParity(ctx, f.backend, false, f.log)
	assert.Error(t, err)
}

func TestTree(t *testing.T) {
	f := newFixture(t)
	data := randBytes(100000)
	f.write("dir/sub/file", data)
	f.write("top", []byte("top"))
	id, recipient, err := keys.GenerateIdentity()
	require.NoError(t, err)
	opts := f.options(recipient)
	opts.BlockSize = 3000
	res := f.backup(opts)

	ctx := context.Background()
	tree, err := LoadTree(ctx, f.backend, res.Generation, keys.AgeCapability{}, []string{id})
	require.NoError(t, err)

	var names []string
	for _, c := range tree.Root.Children() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"dir", "top"}, names)
	n := tree.Root.Lookup("dir").Lookup("sub").Lookup("file")
	require.NotNil(t, n)
	require.NotNil(t, n.File)
	assert.Nil(t, tree.Root.Lookup("missing"))

	for _, r := range []struct{ off, n int }{{0, 10}, {2990, 20}, {5999, 6002}, {99990, 10}, {0, 100000}} {
		b := make([]byte, r.n)
		got, err := tree.ReadAt(ctx, n.File, b, int64(r.off))
		require.NoError(t, err)
		assert.Equal(t, r.n, got)
		assert.Equal(t, data[r.off:r.off+r.n], b)
	}

	b := make([]byte, 100)
	got, err := tree.ReadAt(ctx, n.File, b, 99950)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 50, got)
	assert.Equal(t, data[99950:], b[:50])
	_, err = tree.ReadAt(ctx, n.File, b, 100000)
	assert.Equal(t, io.EOF, err)
}
