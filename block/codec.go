// block/codec.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"bytes"
	"crypto/rand"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/mmp/baq/keys"
	"golang.org/x/crypto/chacha20poly1305"
	"io"
	"strings"
	"sync"
)

/*
Payload format: each block is stored as a single flag byte followed by
the body. The high nibble of the flag gives the compression codec and the
low nibble the cipher:

  codec  0: none, 1: zlib, 2: zstd
  cipher 0: none, 1: XChaCha20-Poly1305

With a cipher, the body is a 24-byte random nonce followed by the sealed
(compressed) data, with the flag byte as additional authenticated data.
Compression is only recorded if it made the block smaller.
*/

type Codec uint8

const (
	CodecNone Codec = 0
	CodecZlib Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZlib:
		return "zlib"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCodec returns the codec with the given name.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "none", "off":
		return CodecNone, nil
	case "zlib", "deflate":
		return CodecZlib, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, errors.Newf("%q: unknown compression codec", s)
	}
}

const (
	cipherNone    = 0
	cipherXChaCha = 1
)

func flag(codec Codec, cipher uint8) byte {
	return byte(codec)<<4 | cipher&0xf
}

///////////////////////////////////////////////////////////////////////////
// Encoding

// Encoder converts plaintext blocks to stored payloads. It's safe for
// concurrent use.
type Encoder struct {
	codec Codec
	level int
	zstd  *zstd.Encoder
	key   *keys.Key
}

// NewEncoder returns an Encoder that compresses with the given codec and
// level (0 for the codec's default) and encrypts with key if it's
// non-nil.
func NewEncoder(codec Codec, level int, key *keys.Key) (*Encoder, error) {
	e := &Encoder{codec: codec, level: level, key: key}
	switch codec {
	case CodecNone, CodecZlib:
	case CodecZstd:
		zl := zstd.SpeedDefault
		if level > 0 {
			zl = zstd.EncoderLevelFromZstd(level)
		}
		var err error
		if e.zstd, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zl)); err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
	default:
		return nil, errors.Newf("%d: unknown codec", codec)
	}
	return e, nil
}

// Reusing zlib writers gives a big benefit thanks to much less GC.
var zlibPool sync.Pool

func (e *Encoder) compress(data []byte) ([]byte, error) {
	switch e.codec {
	case CodecZstd:
		// EncodeAll is safe to call concurrently.
		return e.zstd.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CodecZlib:
		var buf bytes.Buffer
		var w *zlib.Writer
		if e.level > 0 {
			var err error
			if w, err = zlib.NewWriterLevel(&buf, e.level); err != nil {
				return nil, errors.Wrap(err, "zlib")
			}
		} else if pw, ok := zlibPool.Get().(*zlib.Writer); ok {
			w = pw
			w.Reset(&buf)
			defer zlibPool.Put(w)
		} else {
			w = zlib.NewWriter(&buf)
			defer zlibPool.Put(w)
		}
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		return buf.Bytes(), nil
	}
	return data, nil
}

// Encode returns the stored payload for the given block.
func (e *Encoder) Encode(data []byte) ([]byte, error) {
	codec := e.codec
	body := data
	if codec != CodecNone {
		c, err := e.compress(data)
		if err != nil {
			return nil, err
		}
		// Is the compressed buffer smaller than the input?
		if len(c) < len(data) {
			body = c
		} else {
			codec = CodecNone
		}
	}

	if e.key == nil {
		return append([]byte{flag(codec, cipherNone)}, body...), nil
	}

	f := flag(codec, cipherXChaCha)
	aead, err := chacha20poly1305.NewX(e.key[:])
	if err != nil {
		return nil, errors.Wrap(err, "xchacha20poly1305")
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(body)+aead.Overhead())
	out[0] = f
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	return aead.Seal(out, nonce, body, out[:1]), nil
}

// KeyID returns the id of the key the Encoder encrypts with, or the
// empty string if it doesn't encrypt.
func (e *Encoder) KeyID() string {
	if e.key == nil {
		return ""
	}
	return e.key.ID()
}

///////////////////////////////////////////////////////////////////////////
// Decoding

var (
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		// A nil reader gives a decoder that's only used via DecodeAll,
		// which is safe for concurrent use.
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

// Decode inverts Encode, returning the plaintext block. key must be
// non-nil if the payload is encrypted.
func Decode(payload []byte, key *keys.Key) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	f := payload[0]
	codec, cipher := Codec(f>>4), f&0xf
	body := payload[1:]

	switch cipher {
	case cipherNone:
	case cipherXChaCha:
		if key == nil {
			return nil, errors.New("payload is encrypted but no key was given")
		}
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, errors.Wrap(err, "xchacha20poly1305")
		}
		if len(body) < aead.NonceSize()+aead.Overhead() {
			return nil, errors.Newf("encrypted payload too short (%d bytes)", len(payload))
		}
		nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]
		if body, err = aead.Open(nil, nonce, sealed, payload[:1]); err != nil {
			return nil, errors.Wrap(err, "decrypting payload")
		}
	default:
		return nil, errors.Newf("unknown cipher %d", cipher)
	}

	switch codec {
	case CodecNone:
		return body, nil
	case CodecZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		return b, nil
	case CodecZstd:
		d, err := getZstdDecoder()
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		b, err := d.DecodeAll(body, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		return b, nil
	default:
		return nil, errors.Newf("unknown compression codec %d", codec)
	}
}
