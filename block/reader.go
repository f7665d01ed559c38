// block/reader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/storage"
	"sync/atomic"
)

// MaxRunSpan bounds the size of a single coalesced range read.
const MaxRunSpan = 16 << 20

// KeySource provides the keys needed to decrypt payloads; a
// *keys.Keyring is one.
type KeySource interface {
	Key(id string) (keys.Key, error)
}

// Ref identifies a block and where its payload is stored.
type Ref struct {
	Hash Hash
	Location
}

// Reader fetches blocks from data files, decoding and verifying them.
// It's safe for concurrent use.
type Reader struct {
	backend storage.Backend
	keys    KeySource

	bytesRead, reads int64
}

// NewReader returns a Reader for blocks stored in the given backend.
// ks may be nil if no payloads are encrypted.
func NewReader(backend storage.Backend, ks KeySource) *Reader {
	return &Reader{backend: backend, keys: ks}
}

// Fetch returns the plaintext of the given block. Payloads that can't be
// decoded or whose contents don't hash to ref.Hash give an error
// matching ErrIntegrity; a missing data file gives one matching
// storage.ErrNotFound.
func (r *Reader) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	payload, err := r.backend.GetRange(ctx, ref.DataFile, ref.Offset, ref.Size)
	if err != nil {
		return nil, errors.Wrapf(err, "block %s", ref.Hash)
	}
	atomic.AddInt64(&r.reads, 1)
	atomic.AddInt64(&r.bytesRead, int64(len(payload)))
	return r.decode(ref, payload)
}

func (r *Reader) key(ref Ref) (*keys.Key, error) {
	if ref.KeyID == "" {
		return nil, nil
	}
	if r.keys == nil {
		return nil, &keys.KeyAuthenticationError{KeyID: ref.KeyID,
			Err: errors.New("no keys available")}
	}
	k, err := r.keys.Key(ref.KeyID)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *Reader) decode(ref Ref, payload []byte) ([]byte, error) {
	key, err := r.key(ref)
	if err != nil {
		return nil, err
	}
	integrity := func(err error) error {
		return &IntegrityError{Hash: ref.Hash, DataFile: ref.DataFile, Offset: ref.Offset, Err: err}
	}

	if key == nil && len(payload) > 0 && payload[0]&0xf != cipherNone {
		return nil, integrity(errors.New("payload is encrypted but its reference has no key"))
	}
	data, err := Decode(payload, key)
	if err != nil {
		return nil, integrity(err)
	}
	if h := HashBytes(data); h != ref.Hash {
		return nil, integrity(errors.Newf("contents hash to %s", h))
	}
	return data, nil
}

// FetchRun returns the plaintext of each of the given blocks, in order.
// Refs that are adjacent in the same data file are fetched with a single
// range read, up to MaxRunSpan bytes at a time.
func (r *Reader) FetchRun(ctx context.Context, refs []Ref) ([][]byte, error) {
	out := make([][]byte, 0, len(refs))
	for start := 0; start < len(refs); {
		// Find the extent of the run starting at refs[start].
		first := refs[start]
		end, span := start+1, first.Size
		for end < len(refs) {
			next := refs[end]
			if next.DataFile != first.DataFile || next.Offset != first.Offset+span ||
				span+next.Size > MaxRunSpan {
				break
			}
			span += next.Size
			end++
		}

		if end-start == 1 {
			data, err := r.Fetch(ctx, first)
			if err != nil {
				return out, err
			}
			out = append(out, data)
			start = end
			continue
		}

		buf, err := r.backend.GetRange(ctx, first.DataFile, first.Offset, span)
		if err != nil {
			return out, errors.Wrapf(err, "blocks %s+%d", first.DataFile, first.Offset)
		}
		atomic.AddInt64(&r.reads, 1)
		atomic.AddInt64(&r.bytesRead, span)
		for _, ref := range refs[start:end] {
			rel := ref.Offset - first.Offset
			data, err := r.decode(ref, buf[rel:rel+ref.Size])
			if err != nil {
				return out, err
			}
			out = append(out, data)
		}
		start = end
	}
	return out, nil
}

// Stats returns the number of range reads issued and the total number
// of bytes they returned.
func (r *Reader) Stats() (reads, bytes int64) {
	return atomic.LoadInt64(&r.reads), atomic.LoadInt64(&r.bytesRead)
}
