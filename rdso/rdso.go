// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files. The encoded
// parity is stored in a sidecar file next to the original.

package rdso

import (
	"encoding/gob"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/baq/util"
	"github.com/spf13/afero"
	"golang.org/x/crypto/sha3"
	"io"
	"os"
)

// ErrCorrupt is returned by CheckFile when the file doesn't match its
// parity sidecar.
var ErrCorrupt = errors.New("file doesn't match Reed-Solomon hashes")

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

func EncodeFile(fs afero.Fs, fn, rsfn string, nDataShards int, nParityShards int,
	hashRate int64) error {
	rs := ReedSolomonFile{
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	// Read the file from disk and shard it.
	var err error
	var dataShards [][]byte
	dataShards, rs.FileSize, err = readAndShardFile(fs, fn, nDataShards)
	if err != nil {
		return err
	}

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded file.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return err
	}

	// Sanity check the results.
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return errors.Newf("%s: Reed-Solomon verify failed after encoding: %v", fn, err)
	}

	// Compute the hashes.
	for _, s := range dataShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}
	for _, s := range rs.ParityShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}

	// Write the .rs file
	fout, err := fs.Create(rsfn)
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(fout).Encode(rs); err != nil {
		fout.Close()
		return err
	}
	return fout.Close()
}

// Shards into first nshards
func readAndShardFile(fs afero.Fs, fn string, nshards int) (shards [][]byte,
	size int64, err error) {
	f, err := fs.Open(fn)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	size = fi.Size()

	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		// Reed-Solomon needs non-empty shards, even for empty files.
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)

	// Read the file contents into the buffer.
	if _, err = io.ReadFull(f, buf[:size]); err != nil {
		return
	}

	shards = shard(buf, shardSize)
	return
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

// CheckFile returns an error wrapping ErrCorrupt if any part of the file
// or its parity doesn't match the hashes stored in rsfn.
func CheckFile(fs afero.Fs, fn, rsfn string, log *u.Logger) error {
	_, err := checkOrRestore(fs, fn, rsfn, log, false)
	return err
}

// RestoreFile checks the file and, if it's damaged, writes a recovered
// copy next to it, returning the recovered copy's name. An empty name
// with a nil error means that the file was intact.
func RestoreFile(fs afero.Fs, fn, rsfn string, log *u.Logger) (string, error) {
	return checkOrRestore(fs, fn, rsfn, log, true)
}

func checkOrRestore(fs afero.Fs, fn, rsfn string, log *u.Logger, restore bool) (string, error) {
	// Read the .rs file for the data file.
	rs, err := readRsFile(fs, rsfn)
	if err != nil {
		return "", err
	}

	// Read and shard the data file.
	dataShards, size, err := readAndShardFile(fs, fn, rs.NDataShards)
	if err != nil {
		return "", err
	}
	if size != rs.FileSize {
		// Truncation or extension can't be repaired shard-by-shard.
		return "", errors.Mark(errors.Newf("%s: size %d, expected %d", fn, size,
			rs.FileSize), ErrCorrupt)
	}

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}

	// Loop over the hash chunks
	mismatches := 0
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) == rs.Hashes[s][hc] {
				continue
			}
			kind, idx := "data", s
			if s >= len(dataShards) {
				kind, idx = "parity", s-len(dataShards)
			}
			if restore {
				log.Warning("%s: %s shard %d hash %d mismatch", fn, kind, idx, hc)
			} else {
				log.Error("%s: %s shard %d hash %d mismatch", fn, kind, idx, hc)
			}
			mismatches++
			// nil it out (in case we're going to try and recover)
			allShards[s][hc] = nil
		}
	}

	if mismatches == 0 {
		return "", nil
	}
	if !restore {
		return "", errors.Mark(errors.Newf("%s: %d mismatched regions", fn, mismatches),
			ErrCorrupt)
	}

	// Try to recover the file.
	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return "", err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err = enc.Reconstruct(recon); err != nil {
				return "", errors.Wrapf(err, "%s: hash chunk %d", fn, hc)
			}
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	// Write out new file
	recovered := fn + ".recovered"
	f, err := fs.OpenFile(recovered, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	w := &limitedWriter{f, rs.FileSize}
	for _, shard := range dataShards {
		if _, err = w.Write(shard); err != nil {
			f.Close()
			return "", err
		}
	}
	return recovered, f.Close()
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

func readRsFile(fs afero.Fs, fn string) (ReedSolomonFile, error) {
	var rs ReedSolomonFile
	f, err := fs.Open(fn)
	if err != nil {
		return rs, err
	}
	defer f.Close()
	err = gob.NewDecoder(f).Decode(&rs)
	return rs, err
}
