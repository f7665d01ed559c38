// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"github.com/cockroachdb/errors"
	"io"
	"strings"
	"sync"
)

// Memory is a Backend that stores all objects in RAM.  It's really only
// useful for testing of code built on top of storage.Backend, where we
// may want to save the trouble of saving a bunch of stuff to disk.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) Put(ctx context.Context, name string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return classify(err, name)
	}
	if err := ctx.Err(); err != nil {
		return permanent(err, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = b
	return nil
}

func (m *Memory) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[name]
	if !ok {
		return nil, notFound(errors.New("no such object"), name)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *Memory) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[name]
	if !ok {
		return nil, notFound(errors.New("no such object"), name)
	}
	if err := checkRange(name, offset, length, int64(len(b))); err != nil {
		return nil, err
	}
	return dupe(b[offset : offset+length]), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for n := range m.objects {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	return sortedNames(names), nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; !ok {
		return notFound(errors.New("no such object"), name)
	}
	delete(m.objects, name)
	return nil
}

// Corrupt flips the bits of the byte at the given offset of the named
// object; it's used in tests of integrity checking.
func (m *Memory) Corrupt(name string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[name]
	if !ok || offset < 0 || offset >= int64(len(b)) {
		return notFound(errors.New("no such object or offset"), name)
	}
	b = dupe(b)
	b[offset] ^= 0xff
	m.objects[name] = b
	return nil
}

// Size returns the size of the named object, or -1 if it doesn't exist.
func (m *Memory) Size(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.objects[name]; ok {
		return int64(len(b))
	}
	return -1
}
