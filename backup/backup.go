// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup implements creating, restoring, listing, and checking
// generations of a baq repository.
package backup

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/manifest"
	"github.com/mmp/baq/storage"
	u "github.com/mmp/baq/util"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Options controls a backup.
type Options struct {
	// Directory, regular file, or block device to back up.
	Source string
	// Size of the blocks that files are split into; block.DefaultBlockSize
	// if zero.
	BlockSize int
	// Number of files processed concurrently; 4 if zero.
	Workers int
	// "none", "zlib", or "zstd", and the level to use (zero for the
	// default).
	Compression      string
	CompressionLevel int
	// Encryption must be explicitly disabled; if it's enabled, there must
	// be at least one recipient.
	Encrypt    bool
	Recipients []string
	// Size at which data files are sealed and uploaded;
	// block.DefaultMaxDataFileSize if zero.
	MaxDataFileSize int64
	// Number of prior generations (newest first) whose blocks are
	// available for reuse; zero means all of them.
	SeedGenerations int
	// Paths containing any of these strings are skipped.
	Exclude []string
	// Local filesystem and directory for spool files. The OS filesystem
	// and its default temporary directory if unset.
	SpoolFs  afero.Fs
	TempDir  string
	Progress *u.Progress
	// Returns the current time; time.Now if nil.
	Now func() time.Time
}

// Result summarizes a committed backup.
type Result struct {
	Generation   string
	SourceKind   string
	Files        int64
	Directories  int64
	NewBlocks    int64
	ReusedBlocks int64
	// Bytes read from the source and bytes of new payloads stored.
	SourceBytes int64
	NewBytes    int64
	DataFiles   []string
	Duration    time.Duration
}

func (o *Options) setDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = block.DefaultBlockSize
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.SpoolFs == nil {
		o.SpoolFs = afero.NewOsFs()
	}
}

// backupRun holds the state of a single backup.
type backupRun struct {
	opts    Options
	log     *u.Logger
	index   *block.Index
	writer  *block.Writer
	gen     string
	reused  int64
	srcSize int64
}

// Backup creates a new generation in backend from opts.Source. The
// generation only exists once its metadata file has been written, which
// happens last; if anything fails, or ctx is cancelled, nothing is
// committed, though data files that were already uploaded are left
// behind (see Clean).
func Backup(ctx context.Context, opts Options, backend storage.Backend, cap keys.Capability,
	log *u.Logger) (*Result, error) {
	opts.setDefaults()
	start := time.Now()

	codec, err := block.ParseCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	km, err := keys.NewManager(cap, opts.Recipients, opts.Encrypt)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(opts.Source)
	if err != nil {
		return nil, &SourceReadError{Path: opts.Source, Err: err}
	}
	sourceKind := manifest.SourceTree
	switch {
	case fi.IsDir():
	case fi.Mode().IsRegular() || isBlockDevice(fi):
		sourceKind = manifest.SourceFile
	default:
		return nil, errors.Newf("%s: can only back up a directory, regular file, or block device",
			opts.Source)
	}

	now := opts.Now().UTC().Truncate(time.Second)
	gen := manifest.GenerationID(now)
	if exists, err := storage.Exists(ctx, backend, manifest.MetadataName(gen)); err != nil {
		return nil, err
	} else if exists {
		return nil, errors.Newf("%s: generation already exists", gen)
	}
	log = log.With("generation", gen)
	log.Verbose("starting %s backup of %s", sourceKind, opts.Source)

	// Seed the index with the blocks of earlier generations.
	index := block.NewIndex()
	prior, err := seed(ctx, backend, index, km, opts.SeedGenerations, log)
	if err != nil {
		return nil, err
	}

	// Create and wrap this generation's key up front, so that a problem
	// with a recipient is reported before any work is done.
	var keyp *keys.Key
	var current keys.Entry
	if km.Enabled() {
		key, err := km.NewGenerationKey()
		if err != nil {
			return nil, err
		}
		if current, err = km.Wrap(key, gen); err != nil {
			return nil, err
		}
		keyp = &key
	}

	writer, err := block.NewWriter(ctx, backend, gen, keyp, block.WriterOptions{
		Codec:           codec,
		Level:           opts.CompressionLevel,
		MaxDataFileSize: opts.MaxDataFileSize,
		Fs:              opts.SpoolFs,
		TempDir:         opts.TempDir,
	})
	if err != nil {
		return nil, err
	}
	mw, err := manifest.NewWriter(opts.SpoolFs, opts.TempDir)
	if err != nil {
		writer.Abort()
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			writer.Abort()
			mw.Discard()
		}
	}()

	br := &backupRun{opts: opts, log: log, index: index, writer: writer, gen: gen}
	referenced, err := br.enumerate(ctx, mw, sourceKind)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	// Every key that a chunk refers to must be in the header.
	entries := km.Accumulate(prior, current, referenced)
	have := make(map[string]bool)
	for _, e := range entries {
		have[e.ID] = true
	}
	for id := range referenced {
		if !have[id] {
			return nil, errors.Newf("key %s is referenced but its entry is unavailable", id)
		}
	}

	stats := writer.Stats()
	header := &manifest.Header{
		Generation:  gen,
		Date:        now,
		SourceKind:  sourceKind,
		BlockSize:   opts.BlockSize,
		Compression: codec.String(),
		Encrypted:   km.Enabled(),
		KeyID:       current.ID,
		Keys:        entries,
	}
	done := &manifest.Done{
		NewBlocks:    stats.NewBlocks,
		NewBytes:     stats.StoredBytes,
		ReusedBlocks: atomic.LoadInt64(&br.reused),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mw.Commit(ctx, backend, header, done); err != nil {
		return nil, err
	}
	committed = true

	res := &Result{
		Generation:   gen,
		SourceKind:   sourceKind,
		Files:        done.Files,
		Directories:  done.Directories,
		NewBlocks:    done.NewBlocks,
		ReusedBlocks: done.ReusedBlocks,
		SourceBytes:  atomic.LoadInt64(&br.srcSize),
		NewBytes:     done.NewBytes,
		DataFiles:    stats.DataFiles,
		Duration:     time.Since(start),
	}
	log.Verbose("committed: %d files, %d new blocks (%s), %d reused", res.Files,
		res.NewBlocks, u.FmtBytes(res.NewBytes), res.ReusedBlocks)
	return res, nil
}

///////////////////////////////////////////////////////////////////////////
// Seeding

// seed records the blocks of prior generations in the index, newest
// generation first, and returns the key entries from their headers.
// Blocks encrypted with a key that isn't usable for this backup aren't
// recorded, so they'll be stored again.
func seed(ctx context.Context, backend storage.Backend, index *block.Index, km *keys.Manager,
	limit int, log *u.Logger) ([]keys.Entry, error) {
	gens, err := Generations(ctx, backend)
	if err != nil {
		return nil, err
	}
	var prior []keys.Entry
	seen := make(map[string]bool)
	n := 0
	for i := len(gens) - 1; i >= 0 && (limit <= 0 || n < limit); i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n++

		entries, err := seedGeneration(ctx, backend, gens[i], index, km, log)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			// Its blocks will just be stored again.
			log.Warning("%s: not reusing blocks: %s", gens[i], err)
			continue
		}
		for _, e := range entries {
			if !seen[e.ID] {
				seen[e.ID] = true
				prior = append(prior, e)
			}
		}
	}
	log.Verbose("seeded index with %d blocks from %d generations", index.Len(), n)
	return prior, nil
}

func seedGeneration(ctx context.Context, backend storage.Backend, gen string, index *block.Index,
	km *keys.Manager, log *u.Logger) ([]keys.Entry, error) {
	r, c, err := manifest.Open(ctx, backend, gen, manifest.Lenient)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	h, err := r.Header()
	if err != nil {
		return nil, err
	}

	usable := make(map[string]bool)
	for _, e := range h.Keys {
		if km.Enabled() && !e.Covers(km.Recipients()) {
			log.Debug("%s: key %s isn't wrapped for all current recipients", gen, e.ID)
			continue
		}
		usable[e.ID] = true
	}

	unusable := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			if unusable > 0 {
				log.Verbose("%s: %d blocks aren't reusable with the current recipients", gen, unusable)
			}
			return h.Keys, nil
		} else if err != nil {
			return nil, err
		}
		f, ok := rec.(*manifest.File)
		if !ok {
			continue
		}
		for _, c := range f.Chunks {
			if c.KeyID == "" || usable[c.KeyID] {
				index.Record(c.Hash, c.Location())
			} else if !index.Knows(c.Hash) {
				unusable++
			}
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Enumeration

// slot is a place in the manifest for a record that may still be in the
// works; slots are emitted in the order they were created.
type slot struct {
	done chan struct{}
	rec  manifest.Record
	err  error
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

func (s *slot) finish(rec manifest.Record, err error) {
	s.rec, s.err = rec, err
	close(s.done)
}

// enumerate walks the source, processes files with a bounded pool of
// workers, and adds their records to the manifest in traversal order. It
// returns the set of key ids referenced by the stored chunks.
func (br *backupRun) enumerate(ctx context.Context, mw *manifest.Writer,
	sourceKind string) (map[string]bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(br.opts.Workers)

	pending := make(chan *slot, 4*br.opts.Workers)
	referenced := make(map[string]bool)
	emitted := make(chan error, 1)
	go func() {
		emitted <- br.emit(pending, mw, referenced)
	}()

	submit := func(work func() (manifest.Record, error)) {
		s := newSlot()
		pending <- s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				s.finish(nil, err)
				return err
			}
			rec, err := work()
			s.finish(rec, err)
			return err
		})
	}

	var walkErr error
	if sourceKind == manifest.SourceFile {
		submit(func() (manifest.Record, error) {
			return br.backupFile(gctx, br.opts.Source, filepath.Base(br.opts.Source))
		})
	} else {
		walkErr = br.walk(gctx, submit)
	}

	close(pending)
	err := g.Wait()
	emitErr := <-emitted
	// A failed worker cancels gctx, which the walk then reports; the
	// worker's error is the interesting one.
	switch {
	case err != nil:
		return nil, err
	case walkErr != nil:
		return nil, walkErr
	case emitErr != nil:
		return nil, emitErr
	}
	return referenced, nil
}

// emit adds records to the manifest as they're finished, in order. It
// keeps draining after an error so that no worker blocks.
func (br *backupRun) emit(pending <-chan *slot, mw *manifest.Writer, referenced map[string]bool) error {
	var first error
	for s := range pending {
		<-s.done
		if first != nil {
			continue
		}
		if s.err != nil {
			first = s.err
			continue
		}
		if f, ok := s.rec.(*manifest.File); ok {
			for _, id := range f.KeyIDs() {
				referenced[id] = true
			}
		}
		if err := mw.Add(s.rec); err != nil {
			first = err
		}
	}
	return first
}

func (br *backupRun) excluded(path string) bool {
	for _, excl := range br.opts.Exclude {
		if excl != "" && strings.Contains(path, excl) {
			return true
		}
	}
	return false
}

// walk visits the source tree in lexical order, emitting directories
// directly and submitting regular files to be processed.
func (br *backupRun) walk(ctx context.Context, submit func(func() (manifest.Record, error))) error {
	root := br.opts.Source
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &SourceReadError{Path: path, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if path != root && br.excluded(path) {
			br.log.Verbose("%s: excluding from backup", path)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			fi, err := d.Info()
			if err != nil {
				return &SourceReadError{Path: path, Err: err}
			}
			dir := &manifest.Directory{Attrs: attrsOf(rel, fi)}
			submit(func() (manifest.Record, error) { return dir, nil })
		case d.Type().IsRegular():
			submit(func() (manifest.Record, error) {
				return br.backupFile(ctx, path, rel)
			})
		default:
			br.log.Warning("%s: skipping %s", path, fileType(d.Type()))
		}
		return nil
	})
}

func fileType(m fs.FileMode) string {
	switch {
	case m&fs.ModeSymlink != 0:
		return "symlink"
	case m&fs.ModeNamedPipe != 0:
		return "named pipe"
	case m&fs.ModeSocket != 0:
		return "socket"
	case m&fs.ModeDevice != 0:
		return "device"
	default:
		return "special file"
	}
}

// backupFile chunks a single file, storing the blocks that the index
// doesn't already know about, and returns its manifest record.
func (br *backupRun) backupFile(ctx context.Context, path, rel string) (manifest.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceReadError{Path: path, Err: err}
	}
	// Large files get periodic progress messages.
	r := &u.ReportingReader{R: f, Msg: rel, Log: br.log}
	defer r.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, &SourceReadError{Path: path, Err: err}
	}

	rec := &manifest.File{Attrs: attrsOf(rel, fi)}
	whole := block.NewWholeHasher()
	chunker := block.NewChunker(r, br.opts.BlockSize)
	var reused, stored int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := chunker.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, &SourceReadError{Path: path, Err: err}
		}
		whole.Write(ch.Data)
		br.opts.Progress.Add(int64(len(ch.Data)))

		// If another worker is storing the same block, this waits for it.
		loc, claim, err := br.index.Claim(ctx, ch.Hash)
		if err != nil {
			return nil, err
		}
		if claim == nil {
			reused++
		} else {
			if loc, err = br.writer.Store(ch.Data); err != nil {
				claim.Abandon()
				return nil, errors.Wrapf(err, "%s", path)
			}
			claim.Resolve(loc)
			stored++
		}
		rec.Chunks = append(rec.Chunks, manifest.NewChunk(ch.Offset, int64(len(ch.Data)), ch.Hash, loc))
	}

	rec.Size = chunker.Offset()
	rec.Hash = whole.Sum()
	atomic.AddInt64(&br.reused, int64(reused))
	atomic.AddInt64(&br.srcSize, rec.Size)
	br.log.Debug("%s: %s, %d blocks stored, %d reused", rel, u.FmtBytes(rec.Size), stored, reused)
	return rec, nil
}
