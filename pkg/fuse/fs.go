// Package fuse adapts kernel filesystem requests to the SQL core.
// Nodes carry full path strings: the backing tables are keyed by
// path, so every request resolves its target with a single lookup
// instead of walking components.
package fuse

import (
	"errors"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"relfs/pkg/sqlutils"
)

// Backend is the SQL backend serving the current mount. The caller
// package must set it before mounting.
var Backend sqlutils.SQLBackend

// FS represents the file system itself
type FS struct {
	backend sqlutils.SQLBackend
}

var _ fs.FS = (*FS)(nil)
var _ fs.FSDestroyer = (*FS)(nil)

// Root returns the root directory on fs
func (f *FS) Root() (fs.Node, error) {
	return &Dir{f.backend, "/"}, nil
}

// Destroy closes the backing store when the kernel tears the mount
// down.
func (f *FS) Destroy() {
	f.backend.Close()
}

// Dir represents a directory on fs
type Dir struct {
	backend sqlutils.SQLBackend
	path    string
}

// File represents a file or symlink on fs
type File struct {
	backend sqlutils.SQLBackend
	path    string
}

// joinPath appends one name to a directory path.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// errnoFor maps core errors to the errno returned to the kernel.
// Removing a non-empty directory reports EPERM rather than
// ENOTEMPTY; existing databases were written against that behavior.
func errnoFor(err error) fuse.Errno {
	switch {
	case errors.Is(err, sqlutils.ErrNotFound):
		return fuse.Errno(syscall.ENOENT)
	case errors.Is(err, sqlutils.ErrExists):
		return fuse.Errno(syscall.EEXIST)
	case errors.Is(err, sqlutils.ErrIsDir):
		return fuse.Errno(syscall.EISDIR)
	case errors.Is(err, sqlutils.ErrNotDir):
		return fuse.Errno(syscall.ENOTDIR)
	case errors.Is(err, sqlutils.ErrNotEmpty):
		return fuse.Errno(syscall.EPERM)
	default:
		return fuse.Errno(syscall.EIO)
	}
}
