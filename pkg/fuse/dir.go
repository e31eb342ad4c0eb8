package fuse

import (
	"context"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"relfs/pkg/sqlutils"
)

var _ = fs.NodeRequestLookuper(&Dir{})

// Lookup resolves one name under Dir d
func (d *Dir) Lookup(ctx context.Context, req *fuse.LookupRequest, res *fuse.LookupResponse) (fs.Node, error) {
	full := joinPath(d.path, req.Name)

	info, err := d.backend.FindPathInfo(full)
	if err != nil {
		return nil, errnoFor(err)
	}

	if sqlutils.IsDirMode(info.Mode) {
		return &Dir{d.backend, full}, nil
	}
	return &File{d.backend, full}, nil
}

var _ = fs.HandleReadDirAller(&Dir{})

// ReadDirAll lists the entries in Dir d. Membership is defined by the
// parent_id column; entries come back with full paths and are
// presented by basename.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	dirID, err := d.backend.FindPathID(d.path)
	if err != nil {
		return nil, errnoFor(err)
	}

	children, err := d.backend.ReadDir(dirID, 0)
	if err != nil {
		return nil, errnoFor(err)
	}

	ret := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}
	for _, st := range children {
		ret = append(ret, fuse.Dirent{
			Name: basename(st.Path),
			Type: direntType(st.Mode),
		})
	}
	return ret, nil
}

func direntType(mode uint32) fuse.DirentType {
	switch {
	case sqlutils.IsDirMode(mode):
		return fuse.DT_Dir
	case sqlutils.IsSymlinkMode(mode):
		return fuse.DT_Link
	default:
		return fuse.DT_File
	}
}

func basename(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

var _ = fs.NodeMkdirer(&Dir{})

// Mkdir creates a directory under Dir d
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	full := joinPath(d.path, req.Name)

	if err := d.backend.Mkdir(full, unixPerm(req.Mode)); err != nil {
		return nil, errnoFor(err)
	}
	return &Dir{d.backend, full}, nil
}

var _ = fs.NodeMknoder(&Dir{})

// Mknod creates an empty regular file under Dir d
func (d *Dir) Mknod(ctx context.Context, req *fuse.MknodRequest) (fs.Node, error) {
	full := joinPath(d.path, req.Name)

	if err := d.backend.Mknod(full, unixPerm(req.Mode), int64(req.Rdev)); err != nil {
		return nil, errnoFor(err)
	}
	return &File{d.backend, full}, nil
}

var _ = fs.NodeCreater(&Dir{})

// Create creates a file under Dir d and opens it
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, res *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	full := joinPath(d.path, req.Name)

	if err := d.backend.Mknod(full, unixPerm(req.Mode), 0); err != nil {
		return nil, nil, errnoFor(err)
	}

	fileID, err := d.backend.FindFileID(full)
	if err != nil {
		return nil, nil, errnoFor(err)
	}

	f := &File{d.backend, full}
	return f, &FileHandle{d.backend, full, fileID}, nil
}

var _ = fs.NodeRemover(&Dir{})

// Remove unlinks a file or removes a directory under Dir d
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	full := joinPath(d.path, req.Name)

	var err error
	if req.Dir {
		err = d.backend.Rmdir(full)
	} else {
		err = d.backend.Unlink(full)
	}
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

var _ = fs.NodeRenamer(&Dir{})

// Rename moves an entry of Dir d into newDir, replacing an existing
// non-directory target
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	nd, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(syscall.ENOTDIR)
	}

	oldPath := joinPath(d.path, req.OldName)
	newPath := joinPath(nd.path, req.NewName)

	if err := d.backend.Rename(oldPath, newPath, 0); err != nil {
		return errnoFor(err)
	}
	return nil
}

var _ = fs.NodeLinker(&Dir{})

// Link creates a hard link to old under Dir d
func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	oldFile, ok := old.(*File)
	if !ok {
		return nil, fuse.Errno(syscall.EPERM)
	}

	newPath := joinPath(d.path, req.NewName)
	if err := d.backend.Link(oldFile.path, newPath); err != nil {
		return nil, errnoFor(err)
	}
	return &File{d.backend, newPath}, nil
}

var _ = fs.NodeSymlinker(&Dir{})

// Symlink creates a symbolic link under Dir d
func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	full := joinPath(d.path, req.NewName)

	if err := d.backend.Symlink(req.Target, full); err != nil {
		return nil, errnoFor(err)
	}
	return &File{d.backend, full}, nil
}
