// backup/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/manifest"
	"github.com/mmp/baq/storage"
	u "github.com/mmp/baq/util"
	"golang.org/x/sync/errgroup"
	"io"
	"sync"
)

type VerifyOptions struct {
	Generation string
	// Without identities, encrypted blocks can only be checked for being
	// present and the right size.
	Identities []string
	Workers    int
	Strict     bool
}

// BadRef is a chunk reference that failed verification.
type BadRef struct {
	Ref block.Ref
	// Paths of the files that use it.
	Paths []string
	Err   error
}

type VerifyResult struct {
	Generation string
	Files      int64
	Refs       int64
	// Refs that were only checked for presence, since their key wasn't
	// available.
	Unauthenticated int64
	Bad             []BadRef
}

// Verify checks every unique block referenced by a generation: that it
// can be fetched, decrypted, and decompressed, and that its contents
// have the expected hash. Failures are collected in the result rather
// than stopping the check.
func Verify(ctx context.Context, opts VerifyOptions, backend storage.Backend, cap keys.Capability,
	log *u.Logger) (*VerifyResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	gen := opts.Generation
	if gen == "" {
		var err error
		if gen, err = Latest(ctx, backend); err != nil {
			return nil, err
		}
	}
	log = log.With("generation", gen)

	mode := manifest.Lenient
	if opts.Strict {
		mode = manifest.Strict
	}
	mr, c, err := manifest.Open(ctx, backend, gen, mode)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	header, err := mr.Header()
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Generation: gen}
	var refs []block.Ref
	users := make(map[block.Ref][]string)
	for {
		rec, err := mr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		f, ok := rec.(*manifest.File)
		if !ok {
			continue
		}
		res.Files++
		for _, ch := range f.Chunks {
			ref := ch.Ref()
			if _, ok := users[ref]; !ok {
				refs = append(refs, ref)
			}
			users[ref] = append(users[ref], f.Path)
		}
	}
	res.Refs = int64(len(refs))

	var keyring block.KeySource
	if len(opts.Identities) > 0 {
		keyring = keys.NewKeyring(cap, opts.Identities, header.Keys)
	}
	reader := block.NewReader(backend, keyring)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			var err error
			if ref.KeyID != "" && keyring == nil {
				err = checkPresent(gctx, backend, ref)
				mu.Lock()
				res.Unauthenticated++
				mu.Unlock()
			} else {
				_, err = reader.Fetch(gctx, ref)
			}
			if err == nil {
				return nil
			} else if gctx.Err() != nil {
				return gctx.Err()
			}

			log.Error("%s: %s", ref.Hash, err)
			mu.Lock()
			res.Bad = append(res.Bad, BadRef{Ref: ref, Paths: users[ref], Err: err})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	log.Verbose("checked %d blocks of %d files: %d bad", res.Refs, res.Files, len(res.Bad))
	return res, nil
}

// checkPresent makes sure that the range holding ref's payload exists.
func checkPresent(ctx context.Context, backend storage.Backend, ref block.Ref) error {
	b, err := backend.GetRange(ctx, ref.DataFile, ref.Offset, ref.Size)
	if err != nil {
		return err
	}
	if len(b) == 0 || b[0]&0xf == 0 {
		return &block.IntegrityError{Hash: ref.Hash, DataFile: ref.DataFile, Offset: ref.Offset,
			Err: errors.New("payload isn't encrypted but its reference has a key")}
	}
	return nil
}

// CheckParity checks the Reed-Solomon sidecars of all of the objects in
// a local disk repository, optionally repairing objects that are
// damaged. It returns the names of the objects that are (or were) bad.
func CheckParity(ctx context.Context, backend storage.Backend, repair bool, log *u.Logger) ([]string, error) {
	disk, ok := storage.Unwrap(backend).(*storage.Disk)
	if !ok {
		return nil, errors.Newf("%s: parity is only available for local disk repositories", backend)
	}
	names, err := disk.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var bad []string
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return bad, err
		}
		err := disk.CheckParity(ctx, n)
		if err == nil {
			continue
		} else if errors.Is(err, storage.ErrNotFound) {
			log.Warning("%s: no parity sidecar", n)
			continue
		}

		log.Error("%s: %s", n, err)
		bad = append(bad, n)
		if repair {
			if err := disk.Repair(ctx, n); err != nil {
				return bad, errors.Wrapf(err, "%s: repair", n)
			}
		}
	}
	return bad, nil
}
