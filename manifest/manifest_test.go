// manifest/manifest_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"bytes"
	"context"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/pgzip"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"strings"
	"testing"
	"time"
)

func testHeader(gen string) *Header {
	return &Header{
		Generation:  gen,
		Date:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SourceKind:  SourceTree,
		BlockSize:   1 << 20,
		Compression: "zstd",
		Encrypted:   true,
		KeyID:       "k1",
		Keys: []keys.Entry{{ID: "k1", Generation: gen,
			Wrapped: []keys.Wrapped{{Recipient: "age1x", Data: "armored"}}}},
	}
}

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	gen := GenerationID(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.Equal(t, "baq.20260102T030405Z", gen)

	w, err := NewWriter(afero.NewMemMapFs(), "/tmp")
	require.NoError(t, err)

	h := block.HashBytes([]byte("contents"))
	file := &File{
		Attrs: Attrs{Path: "a/b.txt", Mode: 0644, UID: 1, GID: 2, Mtime: 12345},
		Size:  8,
		Hash:  h,
		Chunks: []Chunk{NewChunk(0, 8, h, block.Location{DataFile: block.DataFileName(gen, 0),
			Offset: 0, Size: 20, KeyID: "k1"})},
	}
	require.NoError(t, w.Add(&Directory{Attrs{Path: ".", Mode: 0755}}))
	require.NoError(t, w.Add(&Directory{Attrs{Path: "a", Mode: 0700}}))
	require.NoError(t, w.Add(file))
	assert.Error(t, w.Add(&Done{}))

	require.NoError(t, w.Commit(ctx, backend, testHeader(gen), &Done{NewBlocks: 1, NewBytes: 20}))

	names, err := backend.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"baq.20260102T030405Z.metadata"}, names)

	r, c, err := Open(ctx, backend, gen, Strict)
	require.NoError(t, err)
	defer c.Close()
	hdr, recs, err := ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, Version, hdr.Version)
	assert.Equal(t, testHeader(gen).Keys, hdr.Keys)
	assert.True(t, hdr.Date.Equal(testHeader(gen).Date))
	require.Len(t, recs, 4)
	assert.Equal(t, ".", recs[0].(*Directory).Path)
	assert.Equal(t, "a", recs[1].(*Directory).Path)
	assert.Equal(t, file, recs[2].(*File))
	assert.Equal(t, []string{"k1"}, recs[2].(*File).KeyIDs())
	done := recs[3].(*Done)
	assert.Equal(t, Done{Generation: gen, Files: 1, Directories: 2, NewBlocks: 1, NewBytes: 20}, *done)
	assert.Equal(t, done, r.Done())

	// Generations are never overwritten.
	w, err = NewWriter(afero.NewMemMapFs(), "/tmp")
	require.NoError(t, err)
	assert.Error(t, w.Commit(ctx, backend, testHeader(gen), &Done{}))
}

func TestWireFormat(t *testing.T) {
	// Each line has exactly one key giving the record kind.
	ctx := context.Background()
	backend := storage.NewMemory()
	w, err := NewWriter(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.NoError(t, w.Add(&Directory{Attrs{Path: "."}}))
	require.NoError(t, w.Commit(ctx, backend, testHeader("baq.20260101T000000Z"), &Done{}))

	b, err := storage.ReadAll(ctx, backend, "baq.20260101T000000Z.metadata")
	require.NoError(t, err)
	gz, err := pgzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	text, err := io.ReadAll(gz)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(text)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], `{"header":{"version":1,"generation":"baq.20260101T000000Z","date":"2026-01-02T03:04:05Z"`))
	assert.True(t, strings.HasPrefix(lines[1], `{"directory":{"path":"."`))
	assert.True(t, strings.HasPrefix(lines[2], `{"done":{"generation":"baq.20260101T000000Z","files":0,"directories":1`))
}

func gzipLines(lines ...string) []byte {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	for _, l := range lines {
		gz.Write([]byte(l + "\n"))
	}
	gz.Close()
	return buf.Bytes()
}

const headerLine = `{"header":{"version":1,"generation":"baq.20260101T000000Z","source_kind":"tree"}}`

func TestStrictLenient(t *testing.T) {
	for _, c := range []struct {
		name  string
		lines []string
		// Number of records returned by a lenient reader.
		lenient int
	}{
		{"unknown kind", []string{headerLine, `{"symlink":{"path":"x"}}`, `{"done":{}}`}, 2},
		{"bad json", []string{headerLine, `{"file":`, `{"done":{}}`}, 1},
		{"two keys", []string{headerLine, `{"file":{},"directory":{}}`, `{"done":{}}`}, 1},
		{"truncated", []string{headerLine, `{"directory":{"path":"."}}`}, 1},
		{"after done", []string{headerLine, `{"done":{}}`, `{"directory":{"path":"."}}`}, 1},
		{"second header", []string{headerLine, headerLine, `{"done":{}}`}, 1},
	} {
		data := gzipLines(c.lines...)

		r, err := NewReader(bytes.NewReader(data), Strict)
		require.NoError(t, err)
		_, _, err = ReadAll(r)
		assert.True(t, errors.Is(err, ErrFormat), "%s: strict: %v", c.name, err)
		var fe *FormatError
		assert.True(t, errors.As(err, &fe), c.name)

		r, err = NewReader(bytes.NewReader(data), Lenient)
		require.NoError(t, err)
		_, recs, err := ReadAll(r)
		assert.NoError(t, err, c.name)
		assert.Len(t, recs, c.lenient, c.name)
	}

	// Unknown records come back as such.
	r, err := NewReader(bytes.NewReader(gzipLines(headerLine, `{"symlink":{"path":"x"}}`, `{"done":{}}`)), Lenient)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	u, ok := rec.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "symlink", u.Kind)
	assert.Equal(t, 2, u.Line)
}

func TestBadHeader(t *testing.T) {
	for _, data := range [][]byte{
		gzipLines(),
		gzipLines(`{"done":{}}`),
		gzipLines(`{"header":{"version":0}}`, `{"done":{}}`),
		[]byte("not gzip at all"),
	} {
		r, err := NewReader(bytes.NewReader(data), Lenient)
		if err == nil {
			_, err = r.Header()
		}
		assert.True(t, errors.Is(err, ErrFormat), "%v", err)
	}
}

func TestNewerVersion(t *testing.T) {
	data := gzipLines(`{"header":{"version":2,"generation":"baq.20260102T030405Z","future":true}}`,
		`{"file":{"path":"a","size":0,"hash":"`+block.HashBytes(nil).String()+`","shiny":1}}`,
		`{"done":{"generation":"baq.20260102T030405Z","files":1}}`)

	r, err := NewReader(bytes.NewReader(data), Strict)
	require.NoError(t, err)
	_, err = r.Header()
	assert.True(t, errors.Is(err, ErrFormat), "%v", err)

	r, err = NewReader(bytes.NewReader(data), Lenient)
	require.NoError(t, err)
	hdr, recs, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, 2, hdr.Version)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].(*File).Path)
}

func TestNaming(t *testing.T) {
	gen := "baq.20260102T030405Z"
	tm, err := GenerationTime(gen)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), tm)

	g, ok := ParseMetadataName(MetadataName(gen))
	assert.True(t, ok)
	assert.Equal(t, gen, g)
	_, ok = ParseMetadataName(gen + ".data-00000")
	assert.False(t, ok)

	assert.Equal(t, "baq.20260102T030405Z.data-00012", block.DataFileName(gen, 12))
	g, ok = GenerationOf(block.DataFileName(gen, 12))
	assert.True(t, ok)
	assert.Equal(t, gen, g)
	_, ok = GenerationOf("baq.2026.data-00000")
	assert.False(t, ok)
}
