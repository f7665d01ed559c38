// backup/attrs_other.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build unix && !linux

package backup

import (
	"github.com/mmp/baq/manifest"
	"os"
	"syscall"
)

func statAttrs(fi os.FileInfo, a *manifest.Attrs) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.UID, a.GID = int(st.Uid), int(st.Gid)
	}
}

func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}
