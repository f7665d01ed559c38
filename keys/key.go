// keys/key.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package keys manages the symmetric keys that encrypt block payloads
// and the asymmetric wrapping that protects them in manifests.
package keys

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"github.com/cockroachdb/errors"
	u "github.com/mmp/baq/util"
	"io"
)

// KeySize is the size of a generation key in bytes.
const KeySize = 32

// Key is a symmetric key used to encrypt the payloads of the blocks that
// are first stored in a single generation.
type Key [KeySize]byte

// ID returns the key's identifier, the hex-encoded SHA-1 of the key
// bytes. It's stored in manifests to say which key decrypts a payload
// without revealing the key.
func (k Key) ID() string {
	h := sha1.Sum(k[:])
	return hex.EncodeToString(h[:])
}

func (k Key) String() string {
	return "key " + k.ID()
}

// newKey returns a new random key, using a cryptographically-strong random
// number source.
func newKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, errors.Wrap(err, "generating key")
	}
	return k, nil
}

// Wrapped is a key encrypted for a single recipient.
type Wrapped struct {
	Recipient string `json:"recipient"`
	Data      string `json:"data"`
}

// Entry is what's stored in a manifest header for a key: its id, the
// generation that created it, and one wrapped copy per recipient.
type Entry struct {
	ID         string    `json:"id"`
	Generation string    `json:"generation"`
	Wrapped    []Wrapped `json:"wrapped"`
}

// Covers reports whether every one of the given recipients has a
// wrapped copy of the key.
func (e Entry) Covers(recipients []string) bool {
	have := make(map[string]bool)
	for _, w := range e.Wrapped {
		have[w.Recipient] = true
	}
	for _, r := range recipients {
		if !have[r] {
			return false
		}
	}
	return true
}

///////////////////////////////////////////////////////////////////////////
// Errors

// ErrKeyAuthentication is matched by errors.Is for all failures to
// unwrap a key with the provided identities.
var ErrKeyAuthentication = errors.New("key authentication failed")

// KeyAuthenticationError reports that none of the provided identities
// could unwrap a key.
type KeyAuthenticationError struct {
	KeyID      string
	Generation string
	Err        error
}

func (e *KeyAuthenticationError) Error() string {
	s := fmt.Sprintf("key %s", e.KeyID)
	if e.Generation != "" {
		s += fmt.Sprintf(" (generation %s)", e.Generation)
	}
	if e.Err != nil {
		return s + ": " + e.Err.Error()
	}
	return s + ": no identity could unwrap it"
}

func (e *KeyAuthenticationError) Unwrap() error {
	return e.Err
}

func (e *KeyAuthenticationError) Is(target error) bool {
	return target == ErrKeyAuthentication
}

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}
