// backup/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/manifest"
	"github.com/mmp/baq/storage"
	u "github.com/mmp/baq/util"
	"golang.org/x/sync/errgroup"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// PartialSuffix is appended to the name of a file while it's being
// restored; it's only renamed to its final name once its contents have
// been verified.
const PartialSuffix = ".baq-partial"

type RestoreOptions struct {
	// Generation to restore; the latest one if empty.
	Generation string
	// age identities: AGE-SECRET-KEY-1... strings or identity file paths.
	Identities  []string
	Destination string
	// Number of files restored concurrently; 4 if zero.
	Workers int
	// Treat any problem with the manifest as an error rather than
	// skipping what can't be understood.
	Strict bool
	// If non-empty, only the file or directory with this path (relative
	// to the backup root) and its descendants are restored.
	Prefix   string
	Progress *u.Progress
}

type RestoreResult struct {
	Generation  string
	Files       int64
	Directories int64
	Bytes       int64
	// Files that couldn't be restored.
	Failed []FileFailure
	// Partially-written files that were left behind.
	Partial  []string
	Duration time.Duration
}

type restoreRun struct {
	opts    RestoreOptions
	log     *u.Logger
	keyring *keys.Keyring
	reader  *block.Reader
	single  bool

	mu     sync.Mutex
	result RestoreResult
}

// Restore restores a generation to opts.Destination. Problems with
// individual files don't stop the restore; they're collected in the
// result's Failed list and returned together as a *multierror.Error.
// Errors that affect the restore as a whole (the manifest can't be read,
// ctx is cancelled) are returned directly.
func Restore(ctx context.Context, opts RestoreOptions, backend storage.Backend, cap keys.Capability,
	log *u.Logger) (*RestoreResult, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Destination == "" {
		return nil, errors.New("no restore destination given")
	}
	opts.Prefix = strings.Trim(path.Clean("/"+opts.Prefix), "/")

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

	keyring := keys.NewKeyring(cap, opts.Identities, header.Keys)
	rr := &restoreRun{
		opts:    opts,
		log:     log,
		keyring: keyring,
		reader:  block.NewReader(backend, keyring),
		single:  header.SourceKind == manifest.SourceFile,
	}
	rr.result.Generation = gen

	if rr.single {
		if fi, err := os.Stat(opts.Destination); err == nil && fi.IsDir() {
			rr.single = false
		}
	} else if err := os.MkdirAll(opts.Destination, 0755); err != nil {
		return nil, errors.Wrapf(err, "%s", opts.Destination)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	var dirs []*manifest.Directory
	var readErr error
	for {
		if err := gctx.Err(); err != nil {
			break
		}
		rec, err := mr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			readErr = err
			break
		}

		switch r := rec.(type) {
		case *manifest.Directory:
			if !rr.selected(r.Path) {
				continue
			}
			p, err := rr.outputPath(r.Path)
			if err == nil {
				err = os.MkdirAll(p, 0700)
			}
			if err != nil {
				rr.fail(r.Path, err)
				continue
			}
			dirs = append(dirs, r)
		case *manifest.File:
			if !rr.selected(r.Path) {
				continue
			}
			f := r
			g.Go(func() error {
				rr.restoreFile(gctx, f)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return &rr.result, err
	}
	if err := ctx.Err(); err != nil {
		return &rr.result, err
	}
	if readErr != nil {
		return &rr.result, readErr
	}

	// Apply directory attributes last, since restoring their contents
	// updates their times, and deepest first, in case restoring them
	// makes a parent read-only.
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, "/") > strings.Count(dirs[j].Path, "/")
	})
	for _, d := range dirs {
		p, _ := rr.outputPath(d.Path)
		if err := applyAttrs(p, d.Attrs); err != nil {
			rr.fail(d.Path, err)
			continue
		}
		rr.result.Directories++
	}

	rr.result.Duration = time.Since(start)
	reads, bytes := rr.reader.Stats()
	log.Verbose("restored %d files (%s), %d directories; %d reads, %s fetched",
		rr.result.Files, u.FmtBytes(rr.result.Bytes), rr.result.Directories, reads, u.FmtBytes(bytes))

	if len(rr.result.Failed) > 0 {
		var merr *multierror.Error
		for _, f := range rr.result.Failed {
			merr = multierror.Append(merr, f)
		}
		return &rr.result, merr
	}
	return &rr.result, nil
}

func (rr *restoreRun) selected(p string) bool {
	return rr.opts.Prefix == "" || p == rr.opts.Prefix || strings.HasPrefix(p, rr.opts.Prefix+"/")
}

// outputPath returns where the entry with the given manifest path is
// restored to.
func (rr *restoreRun) outputPath(p string) (string, error) {
	if rr.single {
		return rr.opts.Destination, nil
	}
	if p != "." && !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", errors.Newf("%q: refusing to restore path outside of the destination", p)
	}
	return filepath.Join(rr.opts.Destination, filepath.FromSlash(p)), nil
}

func (rr *restoreRun) fail(p string, err error) {
	rr.log.Error("%s: %s", p, err)
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.result.Failed = append(rr.result.Failed, FileFailure{Path: p, Err: err})
}

func (rr *restoreRun) restoreFile(ctx context.Context, f *manifest.File) {
	dst, err := rr.outputPath(f.Path)
	if err != nil {
		rr.fail(f.Path, err)
		return
	}

	// Make sure all of the keys are available before creating anything.
	if err := rr.keyring.Check(f.KeyIDs()); err != nil {
		rr.fail(f.Path, err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		rr.fail(f.Path, err)
		return
	}
	partial := dst + PartialSuffix
	if err := rr.writeFile(ctx, f, partial); err != nil {
		if ctx.Err() == nil {
			rr.fail(f.Path, err)
		}
		if _, serr := os.Stat(partial); serr == nil {
			rr.mu.Lock()
			rr.result.Partial = append(rr.result.Partial, partial)
			rr.mu.Unlock()
		}
		return
	}
	if err := os.Rename(partial, dst); err != nil {
		rr.fail(f.Path, err)
		return
	}
	if err := applyAttrs(dst, f.Attrs); err != nil {
		rr.fail(f.Path, err)
		return
	}

	rr.mu.Lock()
	rr.result.Files++
	rr.result.Bytes += f.Size
	rr.mu.Unlock()
	rr.log.Debug("%s: restored %s", f.Path, u.FmtBytes(f.Size))
}

// writeFile writes the contents of f to the file at p and checks them
// against the file's hash.
func (rr *restoreRun) writeFile(ctx context.Context, f *manifest.File, p string) error {
	out, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	whole := block.NewWholeHasher()
	for _, w := range chunkWindows(f.Chunks) {
		refs := make([]block.Ref, len(w))
		for i, c := range w {
			refs[i] = c.Ref()
		}
		data, err := rr.reader.FetchRun(ctx, refs)
		if err != nil {
			return err
		}
		for i, c := range w {
			if int64(len(data[i])) != c.Size {
				return errors.Newf("block at offset %d has %d bytes; expected %d", c.Offset,
					len(data[i]), c.Size)
			}
			if _, err := out.WriteAt(data[i], c.Offset); err != nil {
				return err
			}
			whole.Write(data[i])
			rr.opts.Progress.Add(c.Size)
		}
	}
	if err := out.Truncate(f.Size); err != nil {
		return err
	}
	if h := whole.Sum(); h != f.Hash {
		return &block.IntegrityError{Hash: f.Hash,
			Err: errors.Newf("restored contents of %s hash to %s", f.Path, h)}
	}
	return out.Close()
}

// chunkWindows splits a file's chunks into consecutive groups whose
// plaintext totals at most block.MaxRunSpan bytes, so that restoring a
// file never holds more than that much of it in memory.
func chunkWindows(chunks []manifest.Chunk) [][]manifest.Chunk {
	var windows [][]manifest.Chunk
	for start := 0; start < len(chunks); {
		end, size := start+1, chunks[start].Size
		for end < len(chunks) && size+chunks[end].Size <= block.MaxRunSpan {
			size += chunks[end].Size
			end++
		}
		windows = append(windows, chunks[start:end])
		start = end
	}
	return windows
}
