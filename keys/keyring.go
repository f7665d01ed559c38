// keys/keyring.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keys

import (
	"github.com/cockroachdb/errors"
	"sync"
)

// Keyring hands out the keys listed in a manifest header, unwrapping each
// one the first time it's needed. Both successes and failures are
// cached, so the capability is invoked at most once per key. It's safe
// for concurrent use.
type Keyring struct {
	cap        Capability
	identities []string
	entries    map[string]Entry

	mu    sync.Mutex
	cache map[string]*keyringSlot
}

type keyringSlot struct {
	once sync.Once
	key  Key
	err  error
}

func NewKeyring(cap Capability, identities []string, entries []Entry) *Keyring {
	kr := &Keyring{
		cap:        cap,
		identities: identities,
		entries:    make(map[string]Entry),
		cache:      make(map[string]*keyringSlot),
	}
	for _, e := range entries {
		kr.entries[e.ID] = e
	}
	return kr
}

// Key returns the key with the given id.
func (kr *Keyring) Key(id string) (Key, error) {
	e, ok := kr.entries[id]
	if !ok {
		return Key{}, &KeyAuthenticationError{KeyID: id,
			Err: errors.New("key is not listed in the manifest header")}
	}

	kr.mu.Lock()
	slot, ok := kr.cache[id]
	if !ok {
		slot = &keyringSlot{}
		kr.cache[id] = slot
	}
	kr.mu.Unlock()

	// Concurrent callers for the same id wait here for a single unwrap.
	slot.once.Do(func() {
		slot.key, slot.err = unwrap(kr.cap, e, kr.identities)
		if slot.err != nil {
			log.Warning("%s", slot.err)
		} else {
			log.Verbose("%s: unwrapped key from generation %s", id, e.Generation)
		}
	})
	return slot.key, slot.err
}

// Check makes sure that all of the given key ids can be unwrapped,
// returning the first failure.
func (kr *Keyring) Check(ids []string) error {
	for _, id := range ids {
		if _, err := kr.Key(id); err != nil {
			return err
		}
	}
	return nil
}
