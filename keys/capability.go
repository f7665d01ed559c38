// keys/capability.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keys

import (
	"bytes"
	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/cockroachdb/errors"
	"io"
	"os"
	"strings"
)

// Capability is the boundary to asymmetric encryption: it wraps a key for
// a single recipient and unwraps it again given one or more private
// identities. Recipients are public age recipients ("age1..."). An
// identity is either an age secret key or the path to a file of them.
type Capability interface {
	Wrap(plaintext []byte, recipient string) ([]byte, error)
	// Unwrap returns an error matching ErrKeyAuthentication if none of
	// the identities can decrypt the armored data.
	Unwrap(armored []byte, identities []string) ([]byte, error)
}

///////////////////////////////////////////////////////////////////////////
// In-process age

// AgeCapability implements Capability with the age library, using X25519
// recipients and ASCII-armored output.
type AgeCapability struct{}

func (AgeCapability) Wrap(plaintext []byte, recipient string) ([]byte, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
	if err != nil {
		return nil, errors.Wrapf(err, "%q: bad recipient", recipient)
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, r)
	if err != nil {
		return nil, errors.Wrap(err, "age encrypt")
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, errors.Wrap(err, "age encrypt")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "age encrypt")
	}
	if err := aw.Close(); err != nil {
		return nil, errors.Wrap(err, "age armor")
	}
	return buf.Bytes(), nil
}

func (AgeCapability) Unwrap(armored []byte, identities []string) ([]byte, error) {
	ids, err := parseIdentities(identities)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.Mark(errors.New("no identities given"), ErrKeyAuthentication)
	}

	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(armored)), ids...)
	if err != nil {
		var nm *age.NoIdentityMatchError
		if errors.As(err, &nm) {
			return nil, errors.Mark(err, ErrKeyAuthentication)
		}
		return nil, errors.Wrap(err, "age decrypt")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		// The payload is authenticated, so a failure here means the data
		// was tampered with.
		return nil, errors.Mark(errors.Wrap(err, "age decrypt"), ErrKeyAuthentication)
	}
	return b, nil
}

func isLiteralIdentity(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "AGE-SECRET-KEY-")
}

func parseIdentities(identities []string) ([]age.Identity, error) {
	var ids []age.Identity
	for _, s := range identities {
		if isLiteralIdentity(s) {
			id, err := age.ParseX25519Identity(strings.TrimSpace(s))
			if err != nil {
				return nil, errors.Wrap(err, "bad identity")
			}
			ids = append(ids, id)
			continue
		}

		f, err := os.Open(s)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: reading identity file", s)
		}
		fids, err := age.ParseIdentities(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: parsing identity file", s)
		}
		ids = append(ids, fids...)
	}
	return ids, nil
}

// GenerateIdentity returns a new age X25519 identity and its recipient.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", errors.Wrap(err, "generating identity")
	}
	return id.String(), id.Recipient().String(), nil
}
