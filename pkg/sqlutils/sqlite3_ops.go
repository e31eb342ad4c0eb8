package sqlutils

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// exec runs a statement that returns no rows, binding args in order.
func (b *SQLiteBackend) exec(sql string, args ...any) error {
	return sqlitex.Execute(b.conn, sql, &sqlitex.ExecOptions{Args: args})
}

// queryRow runs a statement expected to yield at most one row and
// reports whether a row was found.
func (b *SQLiteBackend) queryRow(sql string, scan func(stmt *sqlite.Stmt), args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(b.conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			scan(stmt)
			return nil
		},
	})
	return found, err
}

func (b *SQLiteBackend) FindPathID(path string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findPathID(path)
}

func (b *SQLiteBackend) findPathID(path string) (int64, error) {
	if isRoot(path) {
		return RootID, nil
	}

	var id int64
	found, err := b.queryRow(selectPathIDSQL, func(stmt *sqlite.Stmt) {
		id = stmt.ColumnInt64(0)
	}, path)
	if err != nil {
		log.WithError(err).Errorf("path id lookup failed for %q", path)
		return 0, ErrIO
	}
	if !found {
		return 0, ErrNotFound
	}
	return id, nil
}

func (b *SQLiteBackend) FindPathInfo(path string) (PathInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findPathInfo(path)
}

func (b *SQLiteBackend) findPathInfo(path string) (PathInfo, error) {
	if isRoot(path) {
		return PathInfo{}, nil
	}

	var info PathInfo
	found, err := b.queryRow(selectPathInfoSQL, func(stmt *sqlite.Stmt) {
		info.ID = stmt.ColumnInt64(0)
		info.Mode = uint32(stmt.ColumnInt64(1))
		info.FileID = stmt.ColumnInt64(2)
		info.Size = stmt.ColumnInt64(3)
	}, path)
	if err != nil {
		log.WithError(err).Errorf("path info lookup failed for %q", path)
		return PathInfo{}, ErrIO
	}
	if !found {
		return PathInfo{}, ErrNotFound
	}
	return info, nil
}

func (b *SQLiteBackend) FindFileID(path string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isRoot(path) {
		return 0, ErrNotFound
	}

	var fileID int64
	found, err := b.queryRow(selectFileIDSQL, func(stmt *sqlite.Stmt) {
		fileID = stmt.ColumnInt64(0)
	}, path)
	if err != nil {
		log.WithError(err).Errorf("file id lookup failed for %q", path)
		return 0, ErrIO
	}
	if !found {
		return 0, ErrNotFound
	}
	return fileID, nil
}

func scanStat(stmt *sqlite.Stmt) Stat {
	return Stat{
		Path:  stmt.ColumnText(0),
		UID:   uint32(stmt.ColumnInt64(1)),
		GID:   uint32(stmt.ColumnInt64(2)),
		Mode:  uint32(stmt.ColumnInt64(3)),
		Atime: stmt.ColumnInt64(4),
		Mtime: stmt.ColumnInt64(5),
		Ctime: stmt.ColumnInt64(6),
		Size:  stmt.ColumnInt64(7),
		Nlink: stmt.ColumnInt64(8),
	}
}

// rootStat synthesizes the stat record for the implicit root: a
// directory owned by the mounting process, timestamped now.
func rootStat() Stat {
	now := time.Now().Unix()
	return Stat{
		Path:  "/",
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Mode:  ModeDir | 0755,
		Atime: now,
		Mtime: now,
		Ctime: now,
		Nlink: 1,
	}
}

func (b *SQLiteBackend) GetAttr(path string) (Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isRoot(path) {
		return rootStat(), nil
	}

	var st Stat
	found, err := b.queryRow(selectStatSQL, func(stmt *sqlite.Stmt) {
		st = scanStat(stmt)
	}, path)
	if err != nil {
		log.WithError(err).Errorf("stat failed for %q", path)
		return Stat{}, ErrIO
	}
	if !found {
		return Stat{}, ErrNotFound
	}
	return st, nil
}

// insertPath creates one paths row. The parent directory must already
// exist; its id becomes the new row's parent_id. Ownership is the
// mounting process, all three timestamps are now.
func (b *SQLiteBackend) insertPath(path string, mode, typ uint32, fileID int64) error {
	if isRoot(path) {
		return nil
	}

	parentID, err := b.findPathID(parentPath(path))
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	err = b.exec(insertPathSQL,
		path, parentID, int64(os.Getuid()), int64(os.Getgid()), int64(typedMode(mode, typ)),
		now, now, now, fileID)
	if err != nil {
		log.WithError(err).Errorf("couldn't insert path row for %q", path)
		return ErrIO
	}
	return nil
}

// requireAbsent fails with ErrExists when path already has a row.
func (b *SQLiteBackend) requireAbsent(path string) error {
	_, err := b.findPathID(path)
	switch err {
	case nil:
		return ErrExists
	case ErrNotFound:
		return nil
	default:
		return err
	}
}

func (b *SQLiteBackend) Mkdir(path string, mode uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isRoot(path) {
		return ErrExists
	}
	if err := b.requireAbsent(path); err != nil {
		return err
	}
	return b.insertPath(path, mode, ModeDir, 0)
}

func (b *SQLiteBackend) Rmdir(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(path)
	if err != nil {
		return err
	}
	if IsRegularMode(info.Mode) {
		return ErrNotDir
	}

	var children int64
	_, err = b.queryRow(countChildrenSQL, func(stmt *sqlite.Stmt) {
		children = stmt.ColumnInt64(0)
	}, info.ID)
	if err != nil {
		log.WithError(err).Errorf("couldn't count children of %q", path)
		return ErrIO
	}
	if children != 0 {
		return ErrNotEmpty
	}

	if err := b.exec(deletePathSQL, info.ID); err != nil {
		log.WithError(err).Errorf("couldn't delete directory row for %q", path)
		return ErrIO
	}
	return nil
}

func (b *SQLiteBackend) ReadDir(dirID int64, offset int64) ([]Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Stat
	err := sqlitex.Execute(b.conn, selectStatsByParentSQL, &sqlitex.ExecOptions{
		Args: []any{dirID, offset},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, scanStat(stmt))
			return nil
		},
	})
	if err != nil {
		log.WithError(err).Errorf("readdir failed for directory id %d", dirID)
		return nil, ErrIO
	}
	return entries, nil
}

func (b *SQLiteBackend) Mknod(path string, mode uint32, dev int64) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isRoot(path) {
		return ErrExists
	}
	if err := b.requireAbsent(path); err != nil {
		return err
	}

	release := sqlitex.Save(b.conn)
	defer release(&err)

	fileID, err := b.insertFile(nil, dev)
	if err != nil {
		return err
	}
	return b.insertPath(path, mode, ModeRegular, fileID)
}

func (b *SQLiteBackend) Unlink(path string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	release := sqlitex.Save(b.conn)
	defer release(&err)

	return b.unlink(path)
}

// unlink removes one name: the path row goes away, the file's link
// count drops, and the file row itself is deleted once no other name
// references it. Caller provides the transaction.
func (b *SQLiteBackend) unlink(path string) error {
	info, err := b.findPathInfo(path)
	if err != nil {
		return err
	}
	if IsDirMode(info.Mode) {
		return ErrIsDir
	}

	if err := b.exec(deletePathSQL, info.ID); err != nil {
		log.WithError(err).Errorf("couldn't delete path row for %q", path)
		return ErrIO
	}
	if err := b.exec(decrementNlinkSQL, info.FileID); err != nil {
		log.WithError(err).WithField("file_id", info.FileID).Error("couldn't decrement nlink")
		return ErrIO
	}

	nlink, err := b.readNlink(info.FileID)
	if err != nil {
		return err
	}
	if nlink == 0 {
		if err := b.deleteFile(info.FileID); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) Rename(oldPath, newPath string, flags uint32) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(oldPath)
	if err != nil {
		return err
	}

	release := sqlitex.Save(b.conn)
	defer release(&err)

	// Replace semantics: an existing non-directory target is
	// unlinked first. Exchange/no-replace flag variants are not
	// supported; flags pass through unread.
	newInfo, err := b.findPathInfo(newPath)
	switch err {
	case nil:
		if IsDirMode(newInfo.Mode) {
			return ErrIsDir
		}
		if err := b.unlink(newPath); err != nil {
			return err
		}
	case ErrNotFound:
	default:
		return err
	}

	newParentID, err := b.findPathID(parentPath(newPath))
	if err != nil {
		return err
	}

	if err := b.exec(updatePathNameSQL, newPath, newParentID, info.ID); err != nil {
		log.WithError(err).Errorf("couldn't rename %q to %q", oldPath, newPath)
		return ErrIO
	}

	// Paths are stored as full strings, so moving a directory means
	// rewriting every descendant row under the old prefix.
	if IsDirMode(info.Mode) {
		oldPrefix := childPrefix(oldPath)
		err := b.exec(updateDescendantsSQL,
			newPath, int64(len(oldPath))+1, int64(len(oldPrefix)), oldPrefix)
		if err != nil {
			log.WithError(err).Errorf("couldn't rewrite descendants of %q", oldPath)
			return ErrIO
		}
	}
	return nil
}

func (b *SQLiteBackend) Link(oldPath, newPath string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireAbsent(newPath); err != nil {
		return err
	}
	info, err := b.findPathInfo(oldPath)
	if err != nil {
		return err
	}

	release := sqlitex.Save(b.conn)
	defer release(&err)

	if err := b.insertPath(newPath, info.Mode, info.Mode, info.FileID); err != nil {
		return err
	}
	if err := b.exec(incrementNlinkSQL, info.FileID); err != nil {
		log.WithError(err).WithField("file_id", info.FileID).Error("couldn't increment nlink")
		return ErrIO
	}
	return nil
}

func (b *SQLiteBackend) Symlink(target, linkPath string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireAbsent(linkPath); err != nil {
		return err
	}

	release := sqlitex.Save(b.conn)
	defer release(&err)

	// The target is stored as file content, NUL-terminated.
	content := append([]byte(target), 0)
	fileID, err := b.insertFile(content, 0)
	if err != nil {
		return err
	}
	return b.insertPath(linkPath, 0755, ModeSymlink, fileID)
}

func (b *SQLiteBackend) Readlink(path string, dest []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(path)
	if err != nil {
		return 0, err
	}
	return b.readBlob(info.FileID, dest, 0)
}

func (b *SQLiteBackend) Chmod(path string, mode uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(path)
	if err != nil {
		return err
	}

	// Permission bits are replaced wholesale; the type bits survive.
	newMode := (info.Mode & ModeMask) | (mode & PermMask)
	if err := b.exec(updateModeSQL, int64(newMode), info.ID); err != nil {
		log.WithError(err).Errorf("chmod failed for %q", path)
		return ErrIO
	}
	return nil
}

func (b *SQLiteBackend) Chown(path string, uid, gid uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(path)
	if err != nil {
		return err
	}
	if err := b.exec(updateOwnerSQL, int64(uid), int64(gid), info.ID); err != nil {
		log.WithError(err).Errorf("chown failed for %q", path)
		return ErrIO
	}
	return nil
}

func (b *SQLiteBackend) Utimens(path string, atime, mtime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(path)
	if err != nil {
		return err
	}
	if err := b.exec(updateTimesSQL, atime, mtime, info.ID); err != nil {
		log.WithError(err).Errorf("utimens failed for %q", path)
		return ErrIO
	}
	return nil
}

func (b *SQLiteBackend) Truncate(path string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.findPathInfo(path)
	if err != nil {
		return err
	}
	return b.truncateTo(info.FileID, size)
}
