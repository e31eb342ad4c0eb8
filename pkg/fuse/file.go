package fuse

import (
	"bytes"
	"context"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"relfs/pkg/sqlutils"
)

// FileHandle is an open file. The files-row id is resolved once at
// open and rides along in the handle; reads go straight to the
// content blob by that id, writes resolve the path again because a
// grow-write has to consult the current size.
type FileHandle struct {
	backend sqlutils.SQLBackend
	path    string
	fileID  int64
}

var _ fs.Handle = (*FileHandle)(nil)
var _ fs.HandleReader = (*FileHandle)(nil)
var _ fs.HandleWriter = (*FileHandle)(nil)
var _ fs.HandleReleaser = (*FileHandle)(nil)

var _ fs.NodeOpener = (*File)(nil)

// Open resolves the file id for the handle
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, res *fuse.OpenResponse) (fs.Handle, error) {
	fileID, err := f.backend.FindFileID(f.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	return &FileHandle{f.backend, f.path, fileID}, nil
}

// Read copies one byte range out of the content blob
func (fh *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, res *fuse.ReadResponse) error {
	dest := make([]byte, req.Size)
	n, err := fh.backend.Read(fh.fileID, dest, req.Offset)
	if err != nil {
		return errnoFor(err)
	}
	res.Data = dest[:n]
	return nil
}

// Write stores one byte range
func (fh *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, res *fuse.WriteResponse) error {
	n, err := fh.backend.Write(fh.path, req.Data, req.Offset)
	if err != nil {
		return errnoFor(err)
	}
	res.Size = n
	return nil
}

// Release the handle; nothing is buffered, so there is nothing to
// flush
func (fh *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return nil
}

var _ fs.NodeReadlinker = (*File)(nil)

// Readlink returns the stored symlink target
func (f *File) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	info, err := f.backend.FindPathInfo(f.path)
	if err != nil {
		return "", errnoFor(err)
	}

	dest := make([]byte, info.Size)
	n, err := f.backend.Readlink(f.path, dest)
	if err != nil {
		return "", errnoFor(err)
	}

	// The target is stored NUL-terminated.
	return string(bytes.TrimRight(dest[:n], "\x00")), nil
}
