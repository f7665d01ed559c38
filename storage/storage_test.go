// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"io"
	"math/rand"
	"reflect"
	"testing"
)

func getStorage(t *testing.T) []Backend {
	disk, err := NewDisk(afero.NewMemMapFs(), "/repo", nil)
	if err != nil {
		t.Fatalf("%s", err)
	}
	parity, err := NewDisk(afero.NewMemMapFs(), "/repo", &ParityOptions{4, 2, 1024})
	if err != nil {
		t.Fatalf("%s", err)
	}
	return []Backend{NewMemory(), disk, parity, NewRetrying(NewMemory(), DefaultRetryConfig()),
		NewRateLimited(NewMemory(), 1<<30, 1<<30)}
}

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		if err := backend.Put(ctx, "simple", bytes.NewReader(simple)); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}

		b, err := ReadAll(ctx, backend, "simple")
		if err != nil {
			t.Errorf("%s: read: %v", backend, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, b)
		}

		// Overwrite.
		if err := backend.Put(ctx, "simple", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}
		if b, _ = ReadAll(ctx, backend, "simple"); string(b) != "x" {
			t.Errorf("%s: overwrite didn't take: %q", backend, b)
		}
	}
}

func TestRange(t *testing.T) {
	ctx := context.Background()
	data := make([]byte, 100000)
	_, _ = rand.Read(data)

	for _, backend := range getStorage(t) {
		if err := backend.Put(ctx, "big", bytes.NewReader(data)); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}
		for i := 0; i < 50; i++ {
			off := rand.Int63n(int64(len(data)))
			length := rand.Int63n(int64(len(data)) - off + 1)
			b, err := backend.GetRange(ctx, "big", off, length)
			if err != nil {
				t.Fatalf("%s: range %d+%d: %v", backend, off, length, err)
			}
			if !bytes.Equal(b, data[off:off+length]) {
				t.Errorf("%s: range %d+%d mismatch", backend, off, length)
			}
		}

		if _, err := backend.GetRange(ctx, "big", int64(len(data))-10, 11); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected not found for range past end, got %v", backend, err)
		}
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		if _, err := backend.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: get: expected ErrNotFound, got %v", backend, err)
		}
		if _, err := backend.GetRange(ctx, "nope", 0, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: get range: expected ErrNotFound, got %v", backend, err)
		}
		if err := backend.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: delete: expected ErrNotFound, got %v", backend, err)
		}
	}
}

func TestListDelete(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		var want []string
		for i := 0; i < 5; i++ {
			n := fmt.Sprintf("baq.2026010%dT000000Z.metadata", i)
			want = append(want, n)
			if err := backend.Put(ctx, n, bytes.NewReader([]byte(n))); err != nil {
				t.Fatalf("%s: %v", backend, err)
			}
		}
		if err := backend.Put(ctx, "other", bytes.NewReader(nil)); err != nil {
			t.Fatalf("%s: %v", backend, err)
		}

		names, err := backend.List(ctx, "baq.")
		if err != nil {
			t.Fatalf("%s: list: %v", backend, err)
		}
		if !reflect.DeepEqual(names, want) {
			t.Errorf("%s: list: got %v, expected %v", backend, names, want)
		}

		if err := backend.Delete(ctx, want[2]); err != nil {
			t.Fatalf("%s: delete: %v", backend, err)
		}
		names, _ = backend.List(ctx, "")
		if len(names) != 5 {
			t.Errorf("%s: expected 5 objects after delete, got %v", backend, names)
		}
		if ok, _ := Exists(ctx, backend, want[2]); ok {
			t.Errorf("%s: deleted object still exists", backend)
		}
	}
}

func TestDiskParity(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	disk, err := NewDisk(fs, "/repo", &ParityOptions{4, 2, 1024})
	if err != nil {
		t.Fatalf("%s", err)
	}

	data := make([]byte, 50000)
	_, _ = rand.Read(data)
	if err := disk.Put(ctx, "obj", bytes.NewReader(data)); err != nil {
		t.Fatalf("%s", err)
	}
	if err := disk.CheckParity(ctx, "obj"); err != nil {
		t.Fatalf("check of fresh object: %s", err)
	}

	// The sidecar exists but isn't listed.
	if names, _ := disk.List(ctx, ""); !reflect.DeepEqual(names, []string{"obj"}) {
		t.Errorf("list: %v", names)
	}

	bad := append([]byte(nil), data...)
	bad[1234] ^= 1
	if err := afero.WriteFile(fs, "/repo/obj", bad, 0600); err != nil {
		t.Fatalf("%s", err)
	}
	if err := disk.CheckParity(ctx, "obj"); err == nil {
		t.Fatalf("check of corrupt object succeeded")
	}
	if err := disk.Repair(ctx, "obj"); err != nil {
		t.Fatalf("repair: %s", err)
	}
	b, err := ReadAll(ctx, disk, "obj")
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(b, data) {
		t.Errorf("repaired object doesn't match original")
	}
}

func TestDiskCancelledPut(t *testing.T) {
	disk, err := NewDisk(afero.NewMemMapFs(), "/repo", nil)
	if err != nil {
		t.Fatalf("%s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := disk.Put(ctx, "x", bytes.NewReader([]byte("data"))); err == nil {
		t.Fatalf("put with cancelled context succeeded")
	}
	if names, _ := disk.List(context.Background(), ""); len(names) != 0 {
		t.Errorf("cancelled put left objects behind: %v", names)
	}
	if _, err := disk.Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	for _, c := range []struct {
		err       error
		transient bool
		notFound  bool
	}{
		{io.ErrUnexpectedEOF, true, false},
		{context.DeadlineExceeded, true, false},
		{errors.New("SlowDown: please reduce your request rate"), true, false},
		{errors.New("access denied"), false, false},
		{errors.Wrap(afero.ErrFileNotFound, "open"), false, true},
	} {
		err := classify(c.err, "obj")
		if IsTransient(err) != c.transient {
			t.Errorf("%v: transient = %v, expected %v", c.err, IsTransient(err), c.transient)
		}
		if errors.Is(err, ErrNotFound) != c.notFound {
			t.Errorf("%v: not found = %v, expected %v", c.err, !c.notFound, c.notFound)
		}
		if !c.transient && !c.notFound && !errors.Is(err, ErrPermanent) {
			t.Errorf("%v: expected permanent", c.err)
		}
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(context.Background(), Config{Location: dir})
	if err != nil {
		t.Fatalf("%s", err)
	}
	if _, ok := Unwrap(b).(*Disk); !ok {
		t.Errorf("expected *Disk, got %T", Unwrap(b))
	}
	if _, err := Open(context.Background(), Config{Location: "ftp://host/x"}); err == nil {
		t.Errorf("unknown scheme accepted")
	}
}
