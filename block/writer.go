// block/writer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/storage"
	u "github.com/mmp/baq/util"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"io"
	"sync"
	"time"
)

// DefaultMaxDataFileSize is the size at which data files are sealed if
// no other limit is given.
const DefaultMaxDataFileSize = 256 << 20

type WriterOptions struct {
	Codec Codec
	// Compression level; zero gives the codec's default.
	Level int
	// A data file is sealed and uploaded before it would grow past this
	// size. A single payload larger than this still gets a data file to
	// itself.
	MaxDataFileSize int64
	// Filesystem and directory for the local spool files. The OS
	// filesystem and its default temporary directory are used if these
	// aren't set.
	Fs      afero.Fs
	TempDir string
	// Maximum number of data files uploaded concurrently; 2 if zero.
	MaxUploads int
}

// WriterStats summarizes what a Writer has stored.
type WriterStats struct {
	NewBlocks int64
	// Total size of the plaintext of the stored blocks and of their
	// payloads, respectively.
	PlainBytes  int64
	StoredBytes int64
	DataFiles   []string
}

// Writer appends block payloads to a generation's data files. Data
// files are spooled to local temporary files; once one is full, it's
// sealed and uploaded in the background while writing continues with the
// next one. It's safe for concurrent use.
type Writer struct {
	backend    storage.Backend
	generation string
	enc        *Encoder
	opts       WriterOptions
	start      time.Time

	uploads *errgroup.Group
	uctx    context.Context

	// The first upload failure. It has its own lock since seal() may
	// wait for an upload slot while holding mu.
	uerrMu sync.Mutex
	uerr   error

	// mu protects everything below.
	mu     sync.Mutex
	seq    int
	spool  afero.File
	name   string
	size   int64
	stats  WriterStats
	closed bool
}

// NewWriter returns a Writer for the data files of the given generation.
// If key is non-nil, payloads are encrypted with it.
func NewWriter(ctx context.Context, backend storage.Backend, generation string, key *keys.Key,
	opts WriterOptions) (*Writer, error) {
	if opts.MaxDataFileSize <= 0 {
		opts.MaxDataFileSize = DefaultMaxDataFileSize
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MaxUploads <= 0 {
		opts.MaxUploads = 2
	}
	enc, err := NewEncoder(opts.Codec, opts.Level, key)
	if err != nil {
		return nil, err
	}

	g, uctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxUploads)
	return &Writer{
		backend:    backend,
		generation: generation,
		enc:        enc,
		opts:       opts,
		start:      time.Now(),
		uploads:    g,
		uctx:       uctx,
	}, nil
}

// Store encodes the given block and appends its payload to the current
// data file, returning where it was stored.
func (w *Writer) Store(data []byte) (Location, error) {
	payload, err := w.enc.Encode(data)
	if err != nil {
		return Location{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Location{}, errors.New("store on closed block writer")
	}
	// A failed upload cancels uctx; report the failure itself rather
	// than the cancellation it caused.
	if err := w.uploadErr(); err != nil {
		return Location{}, err
	}
	if err := w.uctx.Err(); err != nil {
		return Location{}, errors.Wrap(err, "data file upload")
	}

	if w.spool != nil && w.size > 0 && w.size+int64(len(payload)) > w.opts.MaxDataFileSize {
		w.seal()
	}
	if w.spool == nil {
		if err := w.open(); err != nil {
			return Location{}, err
		}
	}

	if _, err := w.spool.Write(payload); err != nil {
		return Location{}, errors.Wrapf(err, "%s: writing spool", w.name)
	}
	loc := Location{DataFile: w.name, Offset: w.size, Size: int64(len(payload)),
		KeyID: w.enc.KeyID()}
	w.size += int64(len(payload))

	w.stats.NewBlocks++
	w.stats.PlainBytes += int64(len(data))
	w.stats.StoredBytes += int64(len(payload))
	return loc, nil
}

func (w *Writer) open() error {
	f, err := afero.TempFile(w.opts.Fs, w.opts.TempDir, "baq-spool-")
	if err != nil {
		return errors.Wrap(err, "creating spool file")
	}
	w.spool = f
	w.name = DataFileName(w.generation, w.seq)
	w.size = 0
	w.seq++
	w.stats.DataFiles = append(w.stats.DataFiles, w.name)
	log.Debug("%s: started data file", w.name)
	return nil
}

// seal hands the current spool off to be uploaded. Must be called with
// w.mu held; it may block until an upload slot is free, which keeps the
// number of local spool files bounded.
func (w *Writer) seal() {
	f, name, size := w.spool, w.name, w.size
	w.spool = nil

	w.uploads.Go(func() error {
		defer w.opts.Fs.Remove(f.Name())
		defer f.Close()

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errors.Wrapf(err, "%s: rewinding spool", name)
		}
		log.Verbose("%s: uploading %s", name, u.FmtBytes(size))
		// The spool is seekable, so a retrying backend can start over
		// after a transient failure.
		if err := w.backend.Put(w.uctx, name, f); err != nil {
			err = errors.Wrapf(err, "%s: upload", name)
			w.uerrMu.Lock()
			if w.uerr == nil {
				w.uerr = err
			}
			w.uerrMu.Unlock()
			return err
		}
		log.Verbose("%s: upload finished", name)
		return nil
	})
}

func (w *Writer) uploadErr() error {
	w.uerrMu.Lock()
	defer w.uerrMu.Unlock()
	return w.uerr
}

// Close seals the last data file and waits for all uploads to finish.
// After it returns successfully, every payload returned by Store is in
// storage.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		if w.spool != nil {
			w.seal()
		}
	}
	w.mu.Unlock()

	if err := w.uploads.Wait(); err != nil {
		return err
	}
	log.Verbose("%s: stored %d blocks, %s in %d data files (%s)", w.generation,
		w.stats.NewBlocks, u.FmtBytes(w.stats.StoredBytes), len(w.stats.DataFiles),
		time.Since(w.start).Round(time.Millisecond))
	return nil
}

// Abort discards the current spool without uploading it and waits for
// any uploads already underway. Data files that were already uploaded
// are left behind as orphans.
func (w *Writer) Abort() {
	w.mu.Lock()
	w.closed = true
	if w.spool != nil {
		w.spool.Close()
		w.opts.Fs.Remove(w.spool.Name())
		w.spool = nil
	}
	w.mu.Unlock()

	if err := w.uploads.Wait(); err != nil {
		log.Debug("%s: upload during abort: %s", w.generation, err)
	}
}

// Stats returns a summary of what's been stored so far.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.DataFiles = append([]string(nil), w.stats.DataFiles...)
	return s
}
