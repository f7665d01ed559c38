// backup/attrs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"github.com/mmp/baq/manifest"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"
)

const (
	modeSetuid = 04000
	modeSetgid = 02000
	modeSticky = 01000
)

// unixMode converts the permission bits of a FileMode to the traditional
// Unix representation stored in manifests.
func unixMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= modeSetuid
	}
	if m&os.ModeSetgid != 0 {
		mode |= modeSetgid
	}
	if m&os.ModeSticky != 0 {
		mode |= modeSticky
	}
	return mode
}

func fileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0777)
	if mode&modeSetuid != 0 {
		m |= os.ModeSetuid
	}
	if mode&modeSetgid != 0 {
		m |= os.ModeSetgid
	}
	if mode&modeSticky != 0 {
		m |= os.ModeSticky
	}
	return m
}

// attrsOf returns the attributes of a file to store in the manifest.
func attrsOf(relPath string, fi os.FileInfo) manifest.Attrs {
	a := manifest.Attrs{
		Path:  relPath,
		Mode:  unixMode(fi.Mode()),
		Mtime: fi.ModTime().UnixNano(),
		Atime: fi.ModTime().UnixNano(),
		Ctime: fi.ModTime().UnixNano(),
	}
	statAttrs(fi, &a)
	a.Owner = names.user(a.UID)
	a.Group = names.group(a.GID)
	return a
}

// nameCache remembers user and group names by id; lookups can be slow
// (e.g., with NSS going over the network).
type nameCache struct {
	mu     sync.Mutex
	users  map[int]string
	groups map[int]string
}

var names = &nameCache{users: make(map[int]string), groups: make(map[int]string)}

func (c *nameCache) user(uid int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.users[uid]; ok {
		return n
	}
	var n string
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		n = u.Username
	}
	c.users[uid] = n
	return n
}

func (c *nameCache) group(gid int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.groups[gid]; ok {
		return n
	}
	var n string
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		n = g.Name
	}
	c.groups[gid] = n
	return n
}

// ownerIDs returns the uid and gid to restore a file with: those of the
// recorded user and group names if they exist on this system, and the
// recorded ids otherwise.
func ownerIDs(a manifest.Attrs) (uid, gid int) {
	uid, gid = a.UID, a.GID
	if a.Owner != "" {
		if u, err := user.Lookup(a.Owner); err == nil {
			if id, err := strconv.Atoi(u.Uid); err == nil {
				uid = id
			}
		}
	}
	if a.Group != "" {
		if g, err := user.LookupGroup(a.Group); err == nil {
			if id, err := strconv.Atoi(g.Gid); err == nil {
				gid = id
			}
		}
	}
	return uid, gid
}

// applyAttrs sets the mode, times, and (when running as root) ownership
// of a restored file or directory.
func applyAttrs(path string, a manifest.Attrs) error {
	if os.Geteuid() == 0 {
		uid, gid := ownerIDs(a)
		if err := os.Lchown(path, uid, gid); err != nil {
			return err
		}
	}
	// Chmod after chown, which clears setuid and setgid.
	if err := os.Chmod(path, fileMode(a.Mode)); err != nil {
		return err
	}
	return os.Chtimes(path, time.Unix(0, a.Atime), time.Unix(0, a.Mtime))
}
