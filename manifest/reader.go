// manifest/reader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/pgzip"
	"github.com/mmp/baq/storage"
	"io"
)

// Mode determines how a Reader handles malformed input.
type Mode int

const (
	// Strict readers return a *FormatError for unknown record kinds,
	// unparseable lines, and a missing done record.
	Strict Mode = iota
	// Lenient readers log and skip unparseable lines, return unknown
	// records as *Unknown, and treat a missing done record as the end.
	Lenient
)

// ErrFormat is matched by errors.Is for all FormatErrors.
var ErrFormat = errors.New("malformed manifest")

// FormatError reports a problem with a specific line of a manifest; Line
// is 1-based, or zero for problems with the stream as a whole.
type FormatError struct {
	Line int
	Err  error
}

func (e *FormatError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %v", ErrFormat, e.Err)
	}
	return fmt.Sprintf("%s: line %d: %v", ErrFormat, e.Line, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

///////////////////////////////////////////////////////////////////////////

// Reader returns the records of a manifest in order.
type Reader struct {
	gz     *pgzip.Reader
	br     *bufio.Reader
	mode   Mode
	line   int
	header *Header
	done   *Done
	eof    bool
}

// NewReader returns a Reader for the gzip-compressed manifest read from r.
func NewReader(r io.Reader, mode Mode) (*Reader, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, &FormatError{Err: errors.Wrap(err, "gzip")}
	}
	return &Reader{gz: gz, br: bufio.NewReaderSize(gz, 1<<20), mode: mode}, nil
}

// readLine returns the next non-empty line, or io.EOF.
func (r *Reader) readLine() ([]byte, error) {
	for {
		b, err := r.br.ReadBytes('\n')
		if err == io.EOF && len(b) > 0 {
			// A final line without a newline.
			err = nil
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &FormatError{Line: r.line + 1, Err: errors.Wrap(err, "reading")}
		}
		r.line++
		if b = bytes.TrimSpace(b); len(b) > 0 {
			return b, nil
		}
	}
}

// decode parses a line into a record. Unknown kinds are returned as
// *Unknown; malformed lines give a *FormatError.
func (r *Reader) decode(b []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &FormatError{Line: r.line, Err: err}
	}
	if len(raw) != 1 {
		return nil, &FormatError{Line: r.line, Err: errors.Newf("record has %d keys", len(raw))}
	}

	for kind, body := range raw {
		var rec Record
		switch kind {
		case "header":
			rec = &Header{}
		case "directory":
			rec = &Directory{}
		case "file":
			rec = &File{}
		case "done":
			rec = &Done{}
		default:
			return &Unknown{Line: r.line, Kind: kind, Raw: body}, nil
		}
		if err := json.Unmarshal(body, rec); err != nil {
			return nil, &FormatError{Line: r.line, Err: errors.Wrapf(err, "%s record", kind)}
		}
		return rec, nil
	}
	panic("unreachable")
}

// Header returns the manifest's header, reading it if necessary. The
// first record must be a header, regardless of the mode.
func (r *Reader) Header() (*Header, error) {
	if r.header != nil {
		return r.header, nil
	}
	b, err := r.readLine()
	if err == io.EOF {
		return nil, &FormatError{Err: errors.New("empty manifest")}
	} else if err != nil {
		return nil, err
	}
	rec, err := r.decode(b)
	if err != nil {
		return nil, err
	}
	h, ok := rec.(*Header)
	if !ok {
		return nil, &FormatError{Line: r.line, Err: errors.Newf("first record is %q, not a header", rec.kind())}
	}
	switch {
	case h.Version < 1:
		return nil, &FormatError{Line: r.line, Err: errors.Newf("invalid version %d", h.Version)}
	case h.Version > Version && r.mode == Strict:
		return nil, &FormatError{Line: r.line, Err: errors.Newf("unsupported version %d", h.Version)}
	case h.Version > Version:
		// Field names don't change across versions and unknown fields
		// are ignored, so carry on with what we understand.
		log.Warning("%s: manifest version %d is newer than %d; reading what's understood",
			h.Generation, h.Version, Version)
	}
	r.header = h
	return h, nil
}

// Next returns the next record after the header: a *Directory, *File,
// *Done, or (in lenient mode) *Unknown. It returns io.EOF after the done
// record.
func (r *Reader) Next() (Record, error) {
	if _, err := r.Header(); err != nil {
		return nil, err
	}
	for {
		if r.eof {
			return nil, io.EOF
		}

		b, err := r.readLine()
		if err != nil {
			if err != io.EOF && r.mode == Strict {
				return nil, err
			}
			r.eof = true
			if r.done == nil {
				ferr := &FormatError{Line: r.line, Err: errors.New("truncated: no done record")}
				if r.mode == Strict {
					return nil, ferr
				}
				log.Warning("%s: %s", r.header.Generation, ferr)
			}
			return nil, io.EOF
		}

		if r.done != nil {
			ferr := &FormatError{Line: r.line, Err: errors.New("records after done")}
			if r.mode == Strict {
				return nil, ferr
			}
			log.Warning("%s: %s", r.header.Generation, ferr)
			continue
		}

		rec, err := r.decode(b)
		if err != nil {
			if r.mode == Strict {
				return nil, err
			}
			log.Warning("%s: skipping: %s", r.header.Generation, err)
			continue
		}

		switch rec := rec.(type) {
		case *Header:
			ferr := &FormatError{Line: r.line, Err: errors.New("second header")}
			if r.mode == Strict {
				return nil, ferr
			}
			log.Warning("%s: skipping: %s", r.header.Generation, ferr)
			continue
		case *Unknown:
			if r.mode == Strict {
				return nil, &FormatError{Line: r.line, Err: errors.Newf("unknown record kind %q", rec.Kind)}
			}
			log.Debug("%s: line %d: unknown record kind %q", r.header.Generation, r.line, rec.Kind)
		case *Done:
			r.done = rec
		}
		return rec, nil
	}
}

// Done returns the done record once Next has returned it.
func (r *Reader) Done() *Done {
	return r.done
}

func (r *Reader) Close() error {
	return r.gz.Close()
}

// Open returns a Reader for the given generation's manifest along with a
// Closer that must be called when the caller is done with it.
func Open(ctx context.Context, backend storage.Backend, gen string, mode Mode) (*Reader, io.Closer, error) {
	rc, err := backend.Get(ctx, MetadataName(gen))
	if err != nil {
		return nil, nil, err
	}
	r, err := NewReader(bufio.NewReaderSize(rc, 1<<20), mode)
	if err != nil {
		rc.Close()
		return nil, nil, errors.Wrapf(err, "%s", gen)
	}
	return r, closers{r, rc}, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, cl := range c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadAll reads every record of a manifest; it's convenient for small
// manifests and tests.
func ReadAll(r *Reader) (*Header, []Record, error) {
	h, err := r.Header()
	if err != nil {
		return nil, nil, err
	}
	var recs []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return h, recs, nil
		}
		if err != nil {
			return h, recs, err
		}
		recs = append(recs, rec)
	}
}
