// backup/attrs_linux.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"github.com/mmp/baq/manifest"
	"os"
	"syscall"
)

func statAttrs(fi os.FileInfo, a *manifest.Attrs) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	a.UID, a.GID = int(st.Uid), int(st.Gid)
	a.Atime = st.Atim.Nano()
	a.Ctime = st.Ctim.Nano()
}

// isBlockDevice reports whether fi describes a block device, which is
// backed up like a regular file.
func isBlockDevice(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}
