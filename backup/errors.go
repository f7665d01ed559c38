// backup/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"github.com/cockroachdb/errors"
)

// ErrSourceRead is matched by errors.Is for all SourceReadErrors.
var ErrSourceRead = errors.New("error reading backup source")

// SourceReadError reports a failure to read a file or directory being
// backed up. It aborts the backup: a generation is only committed if
// everything was read.
type SourceReadError struct {
	Path string
	Err  error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error {
	return e.Err
}

func (e *SourceReadError) Is(target error) bool {
	return target == ErrSourceRead
}

// FileFailure records a file that couldn't be restored.
type FileFailure struct {
	Path string
	Err  error
}

func (f FileFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

func (f FileFailure) Unwrap() error {
	return f.Err
}
