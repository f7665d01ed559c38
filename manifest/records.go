// manifest/records.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest reads and writes the metadata file that describes a
// generation: a gzip-compressed stream of newline-delimited JSON records.
package manifest

import (
	"encoding/json"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	u "github.com/mmp/baq/util"
	"time"
)

/*
Each line of a manifest is a JSON object with exactly one key, which
gives the record kind:

  {"header": {...}}     always first
  {"directory": {...}}  zero or more, in traversal order
  {"file": {...}}       zero or more, in traversal order
  {"done": {...}}       always last; its absence means the file is truncated
*/

// Version is the manifest format version written by this package.
const Version = 1

const (
	SourceTree = "tree"
	SourceFile = "file"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Record is one of *Header, *Directory, *File, *Done, or *Unknown.
type Record interface {
	kind() string
}

type Header struct {
	Version    int       `json:"version"`
	Generation string    `json:"generation"`
	Date       time.Time `json:"date"`
	// SourceTree or SourceFile.
	SourceKind  string `json:"source_kind"`
	BlockSize   int    `json:"block_size"`
	Compression string `json:"compression"`
	Encrypted   bool   `json:"encrypted"`
	// Id of this generation's key; empty when unencrypted.
	KeyID string `json:"key_id"`
	// This generation's key (if any) followed by every earlier key that
	// a chunk in this manifest refers to.
	Keys []keys.Entry `json:"keys"`
}

// Attrs are the attributes shared by files and directories. Times are
// in nanoseconds since the Unix epoch; Mode holds the Unix permission
// bits, including setuid, setgid, and sticky.
type Attrs struct {
	// Slash-separated, relative to the backup root; "." for the root.
	Path  string `json:"path"`
	Mode  uint32 `json:"mode"`
	UID   int    `json:"uid"`
	GID   int    `json:"gid"`
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
	Atime int64  `json:"atime"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime"`
}

type Directory struct {
	Attrs
}

type File struct {
	Attrs
	Size int64 `json:"size"`
	// Hash of the entire contents.
	Hash   block.Hash `json:"hash"`
	Chunks []Chunk    `json:"chunks"`
}

// Chunk describes one block of a file: where it is in the file and
// where its payload is stored.
type Chunk struct {
	Offset     int64      `json:"offset"`
	Size       int64      `json:"size"`
	Hash       block.Hash `json:"hash"`
	DataFile   string     `json:"data_file"`
	DataOffset int64      `json:"data_offset"`
	DataSize   int64      `json:"data_size"`
	KeyID      string     `json:"key_id"`
}

// Ref returns the block.Ref for fetching the chunk's contents.
func (c Chunk) Ref() block.Ref {
	return block.Ref{Hash: c.Hash, Location: c.Location()}
}

func (c Chunk) Location() block.Location {
	return block.Location{DataFile: c.DataFile, Offset: c.DataOffset, Size: c.DataSize,
		KeyID: c.KeyID}
}

// NewChunk returns the Chunk for a block at the given offset in a file
// that's stored at loc.
func NewChunk(offset, size int64, h block.Hash, loc block.Location) Chunk {
	return Chunk{Offset: offset, Size: size, Hash: h, DataFile: loc.DataFile,
		DataOffset: loc.Offset, DataSize: loc.Size, KeyID: loc.KeyID}
}

// KeyIDs returns the distinct key ids used by the file's chunks.
func (f *File) KeyIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, c := range f.Chunks {
		if c.KeyID != "" && !seen[c.KeyID] {
			seen[c.KeyID] = true
			ids = append(ids, c.KeyID)
		}
	}
	return ids
}

// Done closes a manifest and summarizes the generation.
type Done struct {
	Generation   string `json:"generation"`
	Files        int64  `json:"files"`
	Directories  int64  `json:"directories"`
	NewBlocks    int64  `json:"new_blocks"`
	NewBytes     int64  `json:"new_bytes"`
	ReusedBlocks int64  `json:"reused_blocks"`
}

// Unknown is a record of a kind this version doesn't know about.
type Unknown struct {
	Line int
	Kind string
	Raw  json.RawMessage
}

func (*Header) kind() string {
	return "header"
}

func (*Directory) kind() string {
	return "directory"
}

func (*File) kind() string {
	return "file"
}

func (*Done) kind() string {
	return "done"
}

func (x *Unknown) kind() string {
	return x.Kind
}

// envelope is the on-disk form of a record.
type envelope struct {
	Header    *Header    `json:"header,omitempty"`
	Directory *Directory `json:"directory,omitempty"`
	File      *File      `json:"file,omitempty"`
	Done      *Done      `json:"done,omitempty"`
}

func wrap(r Record) envelope {
	switch r := r.(type) {
	case *Header:
		return envelope{Header: r}
	case *Directory:
		return envelope{Directory: r}
	case *File:
		return envelope{File: r}
	case *Done:
		return envelope{Done: r}
	}
	return envelope{}
}
