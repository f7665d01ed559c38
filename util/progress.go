// util/progress.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"github.com/schollz/progressbar/v3"
	"io"
	"os"
	"time"
)

// Progress reports byte-level progress of a backup or restore on the
// terminal. A nil *Progress is valid and does nothing, so library code
// can call Add unconditionally.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress returns a Progress bar writing to w; total may be -1 if
// unknown, in which case a spinner is shown.
func NewProgress(w io.Writer, total int64, description string) *Progress {
	if w == nil {
		w = os.Stderr
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

func (p *Progress) Add(n int64) {
	if p == nil {
		return
	}
	_ = p.bar.Add64(n)
}

func (p *Progress) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}
