// block/hash.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"encoding/hex"
	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/sha3"
)

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values returned to
// represent blocks of data.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// String returns the given Hash as a hexadecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes the hexadecimal representation returned by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrapf(err, "%q: bad hash", s)
	}
	if len(b) != HashSize {
		return h, errors.Newf("%q: hash has %d bytes, expected %d", s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	var err error
	*h, err = ParseHash(string(b))
	return err
}

// WholeHasher computes the hash of an entire stream incrementally; its
// result for a stream is the same as HashBytes on the concatenation of
// everything written to it.
type WholeHasher struct {
	h sha3.ShakeHash
}

func NewWholeHasher() *WholeHasher {
	return &WholeHasher{h: sha3.NewShake256()}
}

func (w *WholeHasher) Write(b []byte) (int, error) {
	return w.h.Write(b)
}

// Sum returns the hash of everything written so far.
func (w *WholeHasher) Sum() Hash {
	var h Hash
	// Reading from a clone leaves w usable for more writes.
	_, _ = w.h.Clone().Read(h[:])
	return h
}
