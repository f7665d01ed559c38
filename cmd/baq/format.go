// cmd/baq/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"github.com/spf13/cobra"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Describe how baq stores backups",
	Args:  cobra.NoArgs,
	// No configuration or repository needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(formatText)
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}

var formatText = `
This document describes the way that baq stores backups in sufficient
detail that (if ever necessary) it's possible to restore a backup from a
baq repository even without the baq source code. We'll proceed in
bottom-up fashion from the objects in the repository to the metadata that
describes a backup.

# Objects

A repository is a flat namespace of objects: files in a directory on local
disk or over SFTP, or objects under a prefix in an S3 or Google Cloud
Storage bucket. Each backup is a "generation", named for the UTC time it
started:

  baq.<YYYYMMDDTHHMMSS>Z.metadata     one per completed generation
  baq.<YYYYMMDDTHHMMSS>Z.data-<NNNNN> data files, numbered from 00000

A generation exists only if its metadata file does; it's written last.
Data files without a metadata file are left over from failed backups and
can be deleted.

# Blocks

Files are split into blocks of a fixed size (the block_size in the
metadata header; the last block of a file may be shorter). Each block is
identified by the SHAKE256 hash of its contents, using 32 bytes of output.
Blocks that are already stored in the repository aren't stored again, so
a block may be stored in the data file of an earlier generation.

Data files are just stored blocks ("payloads") concatenated together; the
metadata gives the data file, offset, and size of each payload. Payloads
have the form

  flag || body

The high four bits of the flag byte give the compression of the body:
0 for none, 1 for zlib (RFC 1950), and 2 for zstd. Blocks are only stored
compressed if that makes them smaller. The low four bits give the
encryption: 0 for none and 1 for XChaCha20-Poly1305. An encrypted body is
a random 24-byte nonce followed by the sealed, compressed data, with the
flag byte as the additional authenticated data. Decrypt first, then
decompress, and check that the SHAKE256 hash of the result matches.

# Keys

Each encrypted generation creates a random 32-byte key. A key's id is the
hex-encoded SHA-1 hash of the key. The key is wrapped for each recipient
by encrypting the 32 raw key bytes with age (https://age-encryption.org)
using ASCII armor, so that any one of the recipients' identities can
unwrap it, e.g. with:

  age --decrypt --identity identity.txt wrapped.age > key

Since blocks can be reused from earlier generations, a generation's
metadata lists every key that its blocks are encrypted with, not just its
own.

# Metadata

The metadata file is a gzip-compressed sequence of JSON objects, one per
line. Each has a single key that gives the kind of record:

  {"header": {...}}     always first
  {"directory": {...}}  one per directory, in traversal order
  {"file": {...}}       one per regular file, in traversal order
  {"done": {...}}       always last; its absence means the file is truncated

The header record:

  {"version": 1, "generation": "baq.20260101T120000Z",
   "date": "2026-01-01T12:00:00Z", "source_kind": "tree" or "file",
   "block_size": 1048576, "compression": "zstd", "encrypted": true,
   "key_id": <id of this generation's key>,
   "keys": [{"id": ..., "generation": <where it was created>,
             "wrapped": [{"recipient": "age1...", "data": <armored age file>}, ...]},
            ...]}

Directory and file records both have the fields

  "path": slash-separated, relative to the root of the backup ("." for the root)
  "mode": Unix permission bits, including setuid, setgid, and sticky
  "uid", "gid", and (if known) "owner" and "group" names
  "atime", "mtime", "ctime": nanoseconds since the Unix epoch

and file records also have

  "size": the file's size
  "hash": hex SHAKE256 hash of the file's entire contents
  "chunks": [{"offset": where the block goes in the file,
              "size": size of the block's contents,
              "hash": hex SHAKE256 hash of the block,
              "data_file": name of the data file holding its payload,
              "data_offset", "data_size": where the payload is in the data file,
              "key_id": id of the key it's encrypted with, or ""}, ...]

For a backup of a single file or block device (source_kind "file"), there
are no directory records and a single file record whose path is the
file's name.

The done record has summary counts: {"generation": ..., "files": ...,
"directories": ..., "new_blocks": ..., "new_bytes": ..., "reused_blocks": ...}.

Records of kinds other than these should be ignored.

# Reed-Solomon parity

Objects in local disk repositories may have a <name>.rs sidecar with
Reed-Solomon parity, used to detect and repair corruption ("baq verify
--parity" and "baq repair"). The sidecars are encoded with Go's "gob"
package; they store the following structure:

const HashSize = 64
type Hash [HashSize]byte

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The hashes are SHAKE256 hashes of each HashRate bytes of each shard.
`
