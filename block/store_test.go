// block/store_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"bytes"
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"math/rand"
	"testing"
	"time"
)

type staticKeys map[string]keys.Key

func (s staticKeys) Key(id string) (keys.Key, error) {
	if k, ok := s[id]; ok {
		return k, nil
	}
	return keys.Key{}, &keys.KeyAuthenticationError{KeyID: id}
}

func testKey(t *testing.T) keys.Key {
	var k keys.Key
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

// testBlocks returns a mix of compressible and random blocks.
func testBlocks(n, size int) [][]byte {
	var blocks [][]byte
	for i := 0; i < n; i++ {
		b := make([]byte, size)
		if i%2 == 0 {
			rand.Read(b)
		} else {
			copy(b, bytes.Repeat([]byte{byte(i)}, size))
		}
		blocks = append(blocks, b)
	}
	return blocks
}

func storeAll(t *testing.T, w *Writer, blocks [][]byte) []Ref {
	var refs []Ref
	for _, b := range blocks {
		loc, err := w.Store(b)
		require.NoError(t, err)
		refs = append(refs, Ref{Hash: HashBytes(b), Location: loc})
	}
	require.NoError(t, w.Close())
	return refs
}

func TestStoreFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, codec := range []Codec{CodecNone, CodecZlib, CodecZstd} {
		for _, encrypt := range []bool{false, true} {
			backend := storage.NewMemory()
			var kp *keys.Key
			ks := staticKeys{}
			if encrypt {
				k := testKey(t)
				kp = &k
				ks[k.ID()] = k
			}

			w, err := NewWriter(ctx, backend, "baq.20260101T000000Z", kp,
				WriterOptions{Codec: codec, Fs: afero.NewMemMapFs()})
			require.NoError(t, err)
			blocks := testBlocks(10, 10000)
			refs := storeAll(t, w, blocks)

			st := w.Stats()
			assert.EqualValues(t, 10, st.NewBlocks)
			assert.EqualValues(t, 100000, st.PlainBytes)
			assert.Equal(t, []string{"baq.20260101T000000Z.data-00000"}, st.DataFiles)
			assert.Equal(t, st.StoredBytes, backend.Size(st.DataFiles[0]))

			r := NewReader(backend, ks)
			for i, ref := range refs {
				if encrypt {
					assert.Equal(t, kp.ID(), ref.KeyID)
				} else {
					assert.Empty(t, ref.KeyID)
				}
				data, err := r.Fetch(ctx, ref)
				require.NoError(t, err, "codec %s encrypt %v block %d", codec, encrypt, i)
				assert.Equal(t, blocks[i], data)
				assert.Equal(t, ref.Hash, HashBytes(data))
			}

			all, err := r.FetchRun(ctx, refs)
			require.NoError(t, err)
			assert.Equal(t, blocks, all)
		}
	}
}

func TestCompressionOnlyWhenSmaller(t *testing.T) {
	enc, err := NewEncoder(CodecZstd, 0, nil)
	require.NoError(t, err)

	random := make([]byte, 4096)
	rand.Read(random)
	p, err := enc.Encode(random)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), p[0])
	assert.Equal(t, random, p[1:])

	zeros := make([]byte, 4096)
	p, err = enc.Encode(zeros)
	require.NoError(t, err)
	assert.Equal(t, byte(0x20), p[0])
	assert.Less(t, len(p), 100)

	k := testKey(t)
	enc, err = NewEncoder(CodecZlib, 0, &k)
	require.NoError(t, err)
	p, err = enc.Encode(zeros)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), p[0])
	d, err := Decode(p, &k)
	require.NoError(t, err)
	assert.Equal(t, zeros, d)

	// The flag byte is authenticated.
	p[0] = 0x01
	_, err = Decode(p, &k)
	assert.Error(t, err)
}

func TestRotation(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	w, err := NewWriter(ctx, backend, "g", nil,
		WriterOptions{MaxDataFileSize: 25000, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)

	blocks := testBlocks(10, 10000)
	refs := storeAll(t, w, blocks)

	// Each 10001-byte payload: two fit per file.
	st := w.Stats()
	assert.Equal(t, []string{"g.data-00000", "g.data-00001", "g.data-00002",
		"g.data-00003", "g.data-00004"}, st.DataFiles)
	names, err := backend.List(ctx, "g.data-")
	require.NoError(t, err)
	assert.Equal(t, st.DataFiles, names)
	for _, n := range names {
		assert.LessOrEqual(t, backend.Size(n), int64(25000))
	}

	// Runs never span data files.
	r := NewReader(backend, nil)
	all, err := r.FetchRun(ctx, refs)
	require.NoError(t, err)
	assert.Equal(t, blocks, all)
	reads, _ := r.Stats()
	assert.EqualValues(t, 5, reads)

	// An oversized block gets a file of its own.
	w, err = NewWriter(ctx, backend, "h", nil,
		WriterOptions{MaxDataFileSize: 100, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	storeAll(t, w, testBlocks(2, 1000))
	assert.Len(t, w.Stats().DataFiles, 2)

	// And a writer that stores nothing uploads nothing.
	w, err = NewWriter(ctx, backend, "empty", nil, WriterOptions{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	names, _ = backend.List(ctx, "empty")
	assert.Empty(t, names)
}

func TestCorruption(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	k := testKey(t)
	w, err := NewWriter(ctx, backend, "g", &k, WriterOptions{Codec: CodecZstd, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	blocks := testBlocks(4, 5000)
	refs := storeAll(t, w, blocks)

	require.NoError(t, backend.Corrupt(refs[1].DataFile, refs[1].Offset+refs[1].Size-1))

	r := NewReader(backend, staticKeys{k.ID(): k})
	_, err = r.Fetch(ctx, refs[1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, refs[1].Hash, ie.Hash)
	assert.Equal(t, refs[1].DataFile, ie.DataFile)

	// The neighbors are fine.
	for _, i := range []int{0, 2, 3} {
		data, err := r.Fetch(ctx, refs[i])
		require.NoError(t, err)
		assert.Equal(t, blocks[i], data)
	}
	_, err = r.FetchRun(ctx, refs)
	assert.True(t, errors.Is(err, ErrIntegrity))

	// A ref whose hash doesn't match the contents is caught too.
	bad := refs[0]
	bad.Hash = HashBytes([]byte("something else"))
	_, err = r.Fetch(ctx, bad)
	assert.True(t, errors.Is(err, ErrIntegrity))

	// The wrong key fails authentication.
	other := testKey(t)
	_, err = NewReader(backend, staticKeys{k.ID(): other}).Fetch(ctx, refs[0])
	assert.True(t, errors.Is(err, ErrIntegrity))

	// A missing key is a key error, not an integrity error.
	_, err = NewReader(backend, staticKeys{}).Fetch(ctx, refs[0])
	assert.True(t, errors.Is(err, keys.ErrKeyAuthentication))
	assert.False(t, errors.Is(err, ErrIntegrity))
}

func TestMissingDataFile(t *testing.T) {
	r := NewReader(storage.NewMemory(), nil)
	_, err := r.Fetch(context.Background(), Ref{Hash: HashBytes(nil),
		Location: Location{DataFile: "g.data-00000", Size: 1}})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStoreAfterFailedUpload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := NewWriter(ctx, storage.NewMemory(), "g", nil,
		WriterOptions{MaxDataFileSize: 10, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	_, err = w.Store([]byte("0123456789"))
	require.NoError(t, err)
	cancel()
	_, err = w.Store([]byte("0123456789"))
	assert.Error(t, err)
	w.Abort()
}

// fullDisk refuses every upload.
type fullDisk struct {
	storage.Backend
}

func (fullDisk) Put(ctx context.Context, name string, r io.Reader) error {
	return errors.Mark(errors.New("disk full"), storage.ErrPermanent)
}

func TestUploadErrorReported(t *testing.T) {
	w, err := NewWriter(context.Background(), fullDisk{storage.NewMemory()}, "g", nil,
		WriterOptions{MaxDataFileSize: 10, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	defer w.Abort()

	// Each block fills a data file, so every Store after the first seals
	// one; once an upload has failed, Store reports why.
	require.Eventually(t, func() bool {
		_, err = w.Store([]byte("0123456789"))
		return err != nil
	}, 5*time.Second, time.Millisecond)
	assert.True(t, errors.Is(err, storage.ErrPermanent), "%v", err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NotContains(t, err.Error(), "context canceled")
}
