// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"github.com/cockroachdb/errors"
	u "github.com/mmp/baq/util"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"syscall"
)

// Every error returned by a Backend carries one of these marks so that
// callers can decide whether to retry. Test with errors.Is from
// github.com/cockroachdb/errors.
var (
	ErrNotFound  = errors.New("object not found")
	ErrTransient = errors.New("transient storage error")
	ErrPermanent = errors.New("permanent storage error")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Backend describes a durable object store holding a flat namespace of
// named objects: data files, metadata files, and anything else a backup
// repository needs. Objects are written whole and never modified in
// place; partial reads are supported so that individual blocks can be
// fetched from large data files.
//
// All methods may be called concurrently.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// Put creates or overwrites the named object with the contents of
	// r. The object only becomes visible to Get and List once Put has
	// returned successfully.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get returns a reader for the full contents of the named object.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// GetRange returns length bytes of the named object, starting at
	// offset.  It is an error for the range to extend past the end of
	// the object.
	GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error)

	// List returns the names of all objects that start with the given
	// prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the named object.
	Delete(ctx context.Context, name string) error
}

///////////////////////////////////////////////////////////////////////////
// Error classification

func notFound(err error, name string) error {
	return errors.Mark(errors.Wrapf(err, "%s", name), ErrNotFound)
}

func transient(err error, name string) error {
	return errors.Mark(errors.Wrapf(err, "%s", name), ErrTransient)
}

func permanent(err error, name string) error {
	return errors.Mark(errors.Wrapf(err, "%s", name), ErrPermanent)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify attaches a class to an error that doesn't have one yet, using
// what we can learn from the standard library's error types and, as a
// last resort, the error text. Errors that can't be identified are
// treated as permanent.
func classify(err error, name string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrPermanent) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return permanent(err, name)
	}
	if errors.Is(err, os.ErrNotExist) {
		return notFound(err, name)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return transient(err, name)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transient(err, name)
	}
	if isRetryableText(err.Error()) {
		return transient(err, name)
	}
	return permanent(err, name)
}

func isRetryableText(s string) bool {
	s = strings.ToLower(s)
	for _, p := range []string{"timeout", "timed out", "connection reset",
		"connection refused", "broken pipe", "temporarily unavailable",
		"throttl", "slowdown", "slow down", "too many requests", "503",
		"500 internal", "502", "504", "requesttimeout", "eof"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

///////////////////////////////////////////////////////////////////////////
// Helpers

// ReadAll reads the full contents of the named object.
func ReadAll(ctx context.Context, b Backend, name string) ([]byte, error) {
	r, err := b.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(err, name)
	}
	return data, nil
}

// Exists reports whether the named object is present.
func Exists(ctx context.Context, b Backend, name string) (bool, error) {
	names, err := b.List(ctx, name)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func checkRange(name string, offset, length, size int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return notFound(errors.Newf("range [%d, %d) outside object of size %d",
			offset, offset+length, size), name)
	}
	return nil
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
