// keys/manager.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keys

import (
	"github.com/cockroachdb/errors"
	"strings"
)

// Manager creates generation keys and wraps them for the configured
// recipients. A Manager created with encryption disabled is a
// pass-through: it never produces keys or entries.
type Manager struct {
	cap        Capability
	recipients []string
	encrypt    bool
}

// NewManager returns a new Manager. It's an error to ask for encryption
// without any recipients; running unencrypted has to be requested
// explicitly.
func NewManager(cap Capability, recipients []string, encrypt bool) (*Manager, error) {
	var rs []string
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			rs = append(rs, r)
		}
	}
	if encrypt && len(rs) == 0 {
		return nil, errors.New("encryption requested but no recipients given")
	}
	if encrypt && cap == nil {
		return nil, errors.New("encryption requested but no capability given")
	}
	if !encrypt {
		rs = nil
	}
	return &Manager{cap: cap, recipients: rs, encrypt: encrypt}, nil
}

func (m *Manager) Enabled() bool {
	return m.encrypt
}

func (m *Manager) Recipients() []string {
	return m.recipients
}

// NewGenerationKey returns a fresh random key.
func (m *Manager) NewGenerationKey() (Key, error) {
	if !m.encrypt {
		return Key{}, errors.New("encryption is disabled")
	}
	return newKey()
}

// Wrap wraps the key once for each recipient. Any failure is returned;
// a key that can't be wrapped for every recipient must not be used.
func (m *Manager) Wrap(key Key, generation string) (Entry, error) {
	e := Entry{ID: key.ID(), Generation: generation}
	for _, r := range m.recipients {
		data, err := m.cap.Wrap(key[:], r)
		if err != nil {
			return Entry{}, errors.Wrapf(err, "wrapping key %s for %s", e.ID, r)
		}
		e.Wrapped = append(e.Wrapped, Wrapped{Recipient: r, Data: string(data)})
	}
	log.Debug("%s: wrapped for %d recipients", e.ID, len(e.Wrapped))
	return e, nil
}

// Unwrap recovers the key in the given entry using the provided
// identities. The result is checked against the entry's id, so a
// successful return is the right key.
func (m *Manager) Unwrap(e Entry, identities []string) (Key, error) {
	return unwrap(m.cap, e, identities)
}

func unwrap(cap Capability, e Entry, identities []string) (Key, error) {
	var key Key
	authErr := func(err error) error {
		return &KeyAuthenticationError{KeyID: e.ID, Generation: e.Generation, Err: err}
	}
	if cap == nil {
		return key, authErr(errors.New("no capability to unwrap keys"))
	}
	if len(e.Wrapped) == 0 {
		return key, authErr(errors.New("no wrapped copies"))
	}

	var errs []error
	for _, w := range e.Wrapped {
		b, err := cap.Unwrap([]byte(w.Data), identities)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(b) != KeySize {
			return key, authErr(errors.Newf("unwrapped key has %d bytes", len(b)))
		}
		copy(key[:], b)
		if key.ID() != e.ID {
			return Key{}, authErr(errors.New("unwrapped key doesn't match its id"))
		}
		return key, nil
	}
	// Report the first failure; they're typically all the same.
	return key, authErr(errs[0])
}

// Accumulate returns the key entries to store in a manifest header: the
// current generation's entry first, followed by every prior entry whose
// id is in referenced. Each id appears at most once.
func (m *Manager) Accumulate(prior []Entry, current Entry, referenced map[string]bool) []Entry {
	var entries []Entry
	seen := make(map[string]bool)
	if current.ID != "" {
		entries = append(entries, current)
		seen[current.ID] = true
	}
	for _, e := range prior {
		if seen[e.ID] || !referenced[e.ID] {
			continue
		}
		seen[e.ID] = true
		entries = append(entries, e)
	}
	return entries
}
