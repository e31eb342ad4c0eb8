package fuse

import (
	"context"
	"os"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"relfs/pkg/sqlutils"
)

var _ fs.Node = (*Dir)(nil)
var _ fs.Node = (*File)(nil)
var _ fs.NodeSetattrer = (*Dir)(nil)
var _ fs.NodeSetattrer = (*File)(nil)

// goFileMode translates stored POSIX mode bits into os.FileMode.
func goFileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	if mode&04000 != 0 {
		fm |= os.ModeSetuid
	}
	if mode&02000 != 0 {
		fm |= os.ModeSetgid
	}
	if mode&01000 != 0 {
		fm |= os.ModeSticky
	}
	switch mode & sqlutils.ModeMask {
	case sqlutils.ModeDir:
		fm |= os.ModeDir
	case sqlutils.ModeSymlink:
		fm |= os.ModeSymlink
	}
	return fm
}

// unixPerm translates os.FileMode permission bits (plus
// setuid/setgid/sticky) back into the stored POSIX encoding.
func unixPerm(m os.FileMode) uint32 {
	p := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		p |= 04000
	}
	if m&os.ModeSetgid != 0 {
		p |= 02000
	}
	if m&os.ModeSticky != 0 {
		p |= 01000
	}
	return p
}

// setAttrFromStat populates the fuse attr object from a stat record.
func setAttrFromStat(st sqlutils.Stat, attr *fuse.Attr) {
	attr.Uid = st.UID
	attr.Gid = st.GID
	attr.Mode = goFileMode(st.Mode)
	attr.Atime = time.Unix(st.Atime, 0)
	attr.Mtime = time.Unix(st.Mtime, 0)
	attr.Ctime = time.Unix(st.Ctime, 0)
	attr.Size = uint64(st.Size)
	attr.Nlink = uint32(st.Nlink)
}

func getattr(backend sqlutils.SQLBackend, path string, attr *fuse.Attr) error {
	st, err := backend.GetAttr(path)
	if err != nil {
		return errnoFor(err)
	}
	setAttrFromStat(st, attr)
	return nil
}

// Attr retrieves metadata for the directory
func (d *Dir) Attr(ctx context.Context, attr *fuse.Attr) error {
	return getattr(d.backend, d.path, attr)
}

// Attr retrieves metadata for the file
func (f *File) Attr(ctx context.Context, attr *fuse.Attr) error {
	return getattr(f.backend, f.path, attr)
}

// setattr fans one kernel request out to the discrete metadata
// operations: chmod, chown, truncate and utimens.
func setattr(backend sqlutils.SQLBackend, path string, req *fuse.SetattrRequest) error {
	if req.Valid.Mode() {
		if err := backend.Chmod(path, unixPerm(req.Mode)); err != nil {
			return errnoFor(err)
		}
	}

	if req.Valid.Uid() || req.Valid.Gid() {
		st, err := backend.GetAttr(path)
		if err != nil {
			return errnoFor(err)
		}
		uid, gid := st.UID, st.GID
		if req.Valid.Uid() {
			uid = req.Uid
		}
		if req.Valid.Gid() {
			gid = req.Gid
		}
		if err := backend.Chown(path, uid, gid); err != nil {
			return errnoFor(err)
		}
	}

	if req.Valid.Size() {
		if err := backend.Truncate(path, int64(req.Size)); err != nil {
			return errnoFor(err)
		}
	}

	if req.Valid.Atime() || req.Valid.AtimeNow() || req.Valid.Mtime() || req.Valid.MtimeNow() {
		st, err := backend.GetAttr(path)
		if err != nil {
			return errnoFor(err)
		}
		atime, mtime := st.Atime, st.Mtime
		now := time.Now().Unix()
		if req.Valid.Atime() {
			atime = req.Atime.Unix()
		}
		if req.Valid.AtimeNow() {
			atime = now
		}
		if req.Valid.Mtime() {
			mtime = req.Mtime.Unix()
		}
		if req.Valid.MtimeNow() {
			mtime = now
		}
		if err := backend.Utimens(path, atime, mtime); err != nil {
			return errnoFor(err)
		}
	}

	return nil
}

// Setattr updates directory metadata
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, res *fuse.SetattrResponse) error {
	if err := setattr(d.backend, d.path, req); err != nil {
		return err
	}
	return d.Attr(ctx, &res.Attr)
}

// Setattr updates file metadata
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, res *fuse.SetattrResponse) error {
	if err := setattr(f.backend, f.path, req); err != nil {
		return err
	}
	return f.Attr(ctx, &res.Attr)
}
