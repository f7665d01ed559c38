// block/chunker_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func chunkAll(t *testing.T, data []byte, blockSize int) []Chunk {
	c := NewChunker(bytes.NewReader(data), blockSize)
	var chunks []Chunk
	for {
		ch, err := c.Next()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("%s", err)
		}
		// Data is only valid until the next call.
		ch.Data = append([]byte(nil), ch.Data...)
		chunks = append(chunks, ch)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 4095, 4096, 4097, 3 * 4096, 100000} {
		data := make([]byte, size)
		rand.Read(data)

		chunks := chunkAll(t, data, 4096)
		expected := (size + 4095) / 4096
		if len(chunks) != expected {
			t.Errorf("size %d: got %d chunks, expected %d", size, len(chunks), expected)
		}

		var joined []byte
		for i, ch := range chunks {
			if ch.Offset != int64(len(joined)) {
				t.Errorf("size %d: chunk %d offset %d, expected %d", size, i, ch.Offset, len(joined))
			}
			if i < len(chunks)-1 && len(ch.Data) != 4096 {
				t.Errorf("size %d: chunk %d has %d bytes", size, i, len(ch.Data))
			}
			if ch.Hash != HashBytes(ch.Data) {
				t.Errorf("size %d: chunk %d hash mismatch", size, i)
			}
			joined = append(joined, ch.Data...)
		}
		if !bytes.Equal(joined, data) {
			t.Errorf("size %d: concatenated chunks don't match input", size)
		}
	}
}

func TestChunkerShortReads(t *testing.T) {
	data := make([]byte, 10000)
	rand.Read(data)
	// oneByteReader returns a single byte per Read; blocks must still be
	// full-sized.
	c := NewChunker(oneByteReader{bytes.NewReader(data)}, 3000)
	var sizes []int
	for {
		ch, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("%s", err)
		}
		sizes = append(sizes, len(ch.Data))
	}
	if len(sizes) != 4 || sizes[0] != 3000 || sizes[3] != 1000 {
		t.Errorf("unexpected chunk sizes %v", sizes)
	}
	if c.Offset() != 10000 {
		t.Errorf("offset %d", c.Offset())
	}
	// And EOF sticks.
	if _, err := c.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return o.r.Read(b[:1])
}

func TestHash(t *testing.T) {
	h := HashBytes([]byte("hello"))
	p, err := ParseHash(h.String())
	if err != nil || p != h {
		t.Errorf("parse of %s gave %s, %v", h, p, err)
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Errorf("short hash accepted")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Errorf("non-hex hash accepted")
	}

	w := NewWholeHasher()
	w.Write([]byte("hel"))
	w.Write([]byte("lo"))
	if w.Sum() != h {
		t.Errorf("whole hasher mismatch")
	}
	w.Write([]byte(" world"))
	if w.Sum() != HashBytes([]byte("hello world")) {
		t.Errorf("whole hasher mismatch after Sum")
	}
	if NewWholeHasher().Sum() != HashBytes(nil) {
		t.Errorf("empty whole hash mismatch")
	}
}
