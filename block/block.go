// block/block.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package block implements fixed-size chunking of data, the index of
// stored blocks, and the encoding, storage, and retrieval of block
// payloads in data files.
package block

import (
	"fmt"
	"github.com/cockroachdb/errors"
	u "github.com/mmp/baq/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// DataFileName returns the name of the data file with the given sequence
// number in a generation.
func DataFileName(generation string, seq int) string {
	return fmt.Sprintf("%s.data-%05d", generation, seq)
}

// ErrIntegrity is matched by errors.Is for all IntegrityErrors.
var ErrIntegrity = errors.New("block integrity check failed")

// IntegrityError reports a stored payload that couldn't be decrypted or
// decompressed, or whose contents don't match their hash.
type IntegrityError struct {
	Hash     Hash
	DataFile string
	Offset   int64
	Err      error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: block %s at %s+%d: %v", ErrIntegrity, e.Hash, e.DataFile, e.Offset, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
