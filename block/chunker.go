// block/chunker.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"github.com/cockroachdb/errors"
	"io"
)

// DefaultBlockSize is the block size used when none is given.
const DefaultBlockSize = 1 << 20

// Chunk is one fixed-size piece of a stream along with its position in
// the stream and the hash of its contents.
type Chunk struct {
	Offset int64
	Data   []byte
	Hash   Hash
}

// Chunker splits the bytes of an io.Reader into blocks of exactly
// blockSize bytes, with the exception of the final block, which may be
// shorter. Boundaries are purely positional; inserting a byte into the
// stream shifts every later block.
type Chunker struct {
	r      io.Reader
	buf    []byte
	offset int64
	done   bool
}

func NewChunker(r io.Reader, blockSize int) *Chunker {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Chunker{r: r, buf: make([]byte, blockSize)}
}

// Next returns the next block of the stream, or io.EOF once the stream
// is exhausted. A zero-length stream returns io.EOF immediately. The
// returned Data slice is reused and is only valid until the next call
// to Next.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case err == io.EOF:
		// Nothing more at all.
		c.done = true
		return Chunk{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		// A short final block.
		c.done = true
	case err != nil:
		return Chunk{}, errors.Wrapf(err, "reading at offset %d", c.offset+int64(n))
	}

	chunk := Chunk{Offset: c.offset, Data: c.buf[:n], Hash: HashBytes(c.buf[:n])}
	c.offset += int64(n)
	return chunk, nil
}

// Offset returns the number of bytes consumed so far.
func (c *Chunker) Offset() int64 {
	return c.offset
}
