// manifest/writer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/pgzip"
	"github.com/mmp/baq/storage"
	"github.com/spf13/afero"
	"io"
)

// Writer builds a manifest in two passes. Directory and file records are
// spooled to a local temporary file as they're added; the header, which
// lists the keys that those records turn out to need, is only known at
// the end. Commit then writes the header, the spooled records, and the
// done record to storage as a single compressed object.
type Writer struct {
	fs      afero.Fs
	tempDir string
	spool   afero.File
	bw      *bufio.Writer
	enc     *json.Encoder

	files, directories int64
}

// NewWriter returns a Writer that spools records to a temporary file in
// tempDir on the given filesystem (the OS's if nil).
func NewWriter(fs afero.Fs, tempDir string) (*Writer, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := afero.TempFile(fs, tempDir, "baq-manifest-")
	if err != nil {
		return nil, errors.Wrap(err, "creating manifest spool")
	}
	w := &Writer{fs: fs, tempDir: tempDir, spool: f, bw: bufio.NewWriterSize(f, 1<<20)}
	w.enc = json.NewEncoder(w.bw)
	return w, nil
}

// Add appends a directory or file record. Records must be added in
// traversal order.
func (w *Writer) Add(r Record) error {
	if w.spool == nil {
		return errors.New("add to committed or discarded manifest")
	}
	switch r.(type) {
	case *Directory:
		w.directories++
	case *File:
		w.files++
	default:
		return errors.Newf("can't add %s record to manifest body", r.kind())
	}
	// Encode writes a trailing newline.
	return errors.Wrap(w.enc.Encode(wrap(r)), "writing manifest spool")
}

// Commit writes the complete manifest for header.Generation to the
// backend. The done record's file and directory counts are filled in
// from what was added. Writing the metadata object is what makes a
// generation exist; it's an error if it already does.
func (w *Writer) Commit(ctx context.Context, backend storage.Backend, header *Header, done *Done) error {
	if w.spool == nil {
		return errors.New("commit of committed or discarded manifest")
	}
	defer w.Discard()

	name := MetadataName(header.Generation)
	if exists, err := storage.Exists(ctx, backend, name); err != nil {
		return err
	} else if exists {
		return errors.Newf("%s: generation already exists", name)
	}

	header.Version = Version
	done.Generation = header.Generation
	done.Files, done.Directories = w.files, w.directories

	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "flushing manifest spool")
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewinding manifest spool")
	}

	// Compress to a second local file so that the upload is seekable
	// and can be retried.
	out, err := afero.TempFile(w.fs, w.tempDir, "baq-metadata-")
	if err != nil {
		return errors.Wrap(err, "creating metadata file")
	}
	defer w.fs.Remove(out.Name())
	defer out.Close()

	gz := pgzip.NewWriter(out)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(wrap(header)); err != nil {
		return errors.Wrap(err, "writing manifest header")
	}
	if _, err := io.Copy(gz, w.spool); err != nil {
		return errors.Wrap(err, "copying manifest records")
	}
	if err := enc.Encode(wrap(done)); err != nil {
		return errors.Wrap(err, "writing manifest done record")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "compressing manifest")
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewinding metadata file")
	}

	if err := backend.Put(ctx, name, out); err != nil {
		return errors.Wrapf(err, "%s: commit", name)
	}
	log.Verbose("%s: committed %d files, %d directories", name, w.files, w.directories)
	return nil
}

// Discard removes the spool. It's safe to call more than once and after
// Commit.
func (w *Writer) Discard() {
	if w.spool == nil {
		return
	}
	w.spool.Close()
	w.fs.Remove(w.spool.Name())
	w.spool = nil
}
