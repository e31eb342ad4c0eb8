package sqlutils

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	sqlx "github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// genericBackend implements the backend operations on database/sql,
// shared by the MySQL and Postgres backends. Network databases expose
// no incremental blob handles, so every write — in-place or growing —
// materializes the new content and rewrites the row; reads load the
// whole content column and slice it. Multi-row operations run in
// explicit transactions and lean on the server's isolation.
type genericBackend struct {
	db *sqlx.DB
}

func (g *genericBackend) Close() error {
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

func (g *genericBackend) LockPath(dsn string) string { return "" }

// initialize executes a schema script statement by statement; not
// every driver accepts multi-statement Exec calls.
func (g *genericBackend) initialize(schema string) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := g.db.Exec(stmt); err != nil {
			log.WithError(err).Error("couldn't create tables")
			return ErrIO
		}
	}
	return nil
}

// splitStatements cuts a SQL script into individual statements,
// dropping comments and blank lines.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		statements = append(statements, s)
	}
	return statements
}

func (g *genericBackend) FindPathID(path string) (int64, error) {
	return g.findPathID(g.db, path)
}

func (g *genericBackend) findPathID(q sqlx.Ext, path string) (int64, error) {
	if isRoot(path) {
		return RootID, nil
	}

	var id int64
	err := sqlx.Get(q, &id, q.Rebind(selectPathIDSQL), path)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		log.WithError(err).Errorf("path id lookup failed for %q", path)
		return 0, ErrIO
	}
	return id, nil
}

func (g *genericBackend) FindPathInfo(path string) (PathInfo, error) {
	return g.findPathInfo(g.db, path)
}

func (g *genericBackend) findPathInfo(q sqlx.Ext, path string) (PathInfo, error) {
	if isRoot(path) {
		return PathInfo{}, nil
	}

	var info PathInfo
	row := q.QueryRowx(q.Rebind(
		`select p.id, p.mode, p.file_id, coalesce(f.size, 0)
		 from paths p left join files f on p.file_id = f.id
		 where p.path = ?`), path)
	err := row.Scan(&info.ID, &info.Mode, &info.FileID, &info.Size)
	if err == sql.ErrNoRows {
		return PathInfo{}, ErrNotFound
	}
	if err != nil {
		log.WithError(err).Errorf("path info lookup failed for %q", path)
		return PathInfo{}, ErrIO
	}
	return info, nil
}

func (g *genericBackend) FindFileID(path string) (int64, error) {
	if isRoot(path) {
		return 0, ErrNotFound
	}

	var fileID int64
	err := sqlx.Get(g.db, &fileID, g.db.Rebind(selectFileIDSQL), path)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		log.WithError(err).Errorf("file id lookup failed for %q", path)
		return 0, ErrIO
	}
	return fileID, nil
}

const genericStatColumns = `p.path, p.uid, p.gid, p.mode, p.atime, p.mtime, p.ctime,
	coalesce(f.size, 0), coalesce(f.nlink, 1)`

func scanStatRow(rows interface {
	Scan(dest ...interface{}) error
}) (Stat, error) {
	var st Stat
	err := rows.Scan(&st.Path, &st.UID, &st.GID, &st.Mode,
		&st.Atime, &st.Mtime, &st.Ctime, &st.Size, &st.Nlink)
	return st, err
}

func (g *genericBackend) GetAttr(path string) (Stat, error) {
	if isRoot(path) {
		return rootStat(), nil
	}

	row := g.db.QueryRowx(g.db.Rebind(
		`select `+genericStatColumns+`
		 from paths p left join files f on p.file_id = f.id
		 where p.path = ?`), path)
	st, err := scanStatRow(row)
	if err == sql.ErrNoRows {
		return Stat{}, ErrNotFound
	}
	if err != nil {
		log.WithError(err).Errorf("stat failed for %q", path)
		return Stat{}, ErrIO
	}
	return st, nil
}

func (g *genericBackend) ReadDir(dirID int64, offset int64) ([]Stat, error) {
	rows, err := g.db.Queryx(g.db.Rebind(
		`select `+genericStatColumns+`
		 from paths p left join files f on p.file_id = f.id
		 where p.parent_id = ? order by p.id`), dirID)
	if err != nil {
		log.WithError(err).Errorf("readdir failed for directory id %d", dirID)
		return nil, ErrIO
	}
	defer rows.Close()

	var entries []Stat
	var i int64
	for rows.Next() {
		st, err := scanStatRow(rows)
		if err != nil {
			log.WithError(err).Error("couldn't scan directory entry")
			return nil, ErrIO
		}
		if i >= offset {
			entries = append(entries, st)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("couldn't iterate directory entries")
		return nil, ErrIO
	}
	return entries, nil
}

// nextID hands out the next free id for a table. Not every driver
// reports LastInsertId, so ids are assigned explicitly inside the
// surrounding transaction.
func nextID(tx *sqlx.Tx, table string) (int64, error) {
	var id int64
	if err := tx.Get(&id, "select coalesce(max(id), 0) + 1 from "+table); err != nil {
		log.WithError(err).Errorf("couldn't allocate id on %s", table)
		return 0, ErrIO
	}
	return id, nil
}

// insertFile creates one files row and returns its id.
func (g *genericBackend) insertFile(tx *sqlx.Tx, content []byte, dev int64) (int64, error) {
	id, err := nextID(tx, "files")
	if err != nil {
		return 0, err
	}

	var blob interface{}
	if len(content) > 0 {
		blob = content
	}
	_, err = tx.Exec(tx.Rebind(
		`insert into files(id, nlink, content, dev, size) values(?, 1, ?, ?, ?)`),
		id, blob, dev, len(content))
	if err != nil {
		log.WithError(err).Error("couldn't insert file row")
		return 0, ErrIO
	}
	return id, nil
}

func (g *genericBackend) insertPath(tx *sqlx.Tx, path string, mode, typ uint32, fileID int64) error {
	if isRoot(path) {
		return nil
	}

	parentID, err := g.findPathID(tx, parentPath(path))
	if err != nil {
		return err
	}

	id, err := nextID(tx, "paths")
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = tx.Exec(tx.Rebind(
		`insert into paths(id, path, parent_id, uid, gid, mode, atime, mtime, ctime, file_id)
		 values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, path, parentID, os.Getuid(), os.Getgid(), typedMode(mode, typ),
		now, now, now, fileID)
	if err != nil {
		log.WithError(err).Errorf("couldn't insert path row for %q", path)
		return ErrIO
	}
	return nil
}

func (g *genericBackend) requireAbsent(path string) error {
	_, err := g.FindPathID(path)
	switch err {
	case nil:
		return ErrExists
	case ErrNotFound:
		return nil
	default:
		return err
	}
}

// inTx runs fn in a transaction, committing on success and rolling
// back on any error.
func (g *genericBackend) inTx(op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := g.db.Beginx()
	if err != nil {
		log.WithError(err).Errorf("couldn't begin %s transaction", op)
		return ErrIO
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Errorf("couldn't commit %s transaction", op)
		return ErrIO
	}
	return nil
}

func (g *genericBackend) Mkdir(path string, mode uint32) error {
	if isRoot(path) {
		return ErrExists
	}
	if err := g.requireAbsent(path); err != nil {
		return err
	}
	return g.inTx("mkdir", func(tx *sqlx.Tx) error {
		return g.insertPath(tx, path, mode, ModeDir, 0)
	})
}

func (g *genericBackend) Rmdir(path string) error {
	info, err := g.FindPathInfo(path)
	if err != nil {
		return err
	}
	if IsRegularMode(info.Mode) {
		return ErrNotDir
	}

	var children int64
	if err := g.db.Get(&children, g.db.Rebind(countChildrenSQL), info.ID); err != nil {
		log.WithError(err).Errorf("couldn't count children of %q", path)
		return ErrIO
	}
	if children != 0 {
		return ErrNotEmpty
	}

	if _, err := g.db.Exec(g.db.Rebind(deletePathSQL), info.ID); err != nil {
		log.WithError(err).Errorf("couldn't delete directory row for %q", path)
		return ErrIO
	}
	return nil
}

func (g *genericBackend) Mknod(path string, mode uint32, dev int64) error {
	if isRoot(path) {
		return ErrExists
	}
	if err := g.requireAbsent(path); err != nil {
		return err
	}
	return g.inTx("mknod", func(tx *sqlx.Tx) error {
		fileID, err := g.insertFile(tx, nil, dev)
		if err != nil {
			return err
		}
		return g.insertPath(tx, path, mode, ModeRegular, fileID)
	})
}

func (g *genericBackend) Unlink(path string) error {
	return g.inTx("unlink", func(tx *sqlx.Tx) error {
		return g.unlink(tx, path)
	})
}

func (g *genericBackend) unlink(tx *sqlx.Tx, path string) error {
	info, err := g.findPathInfo(tx, path)
	if err != nil {
		return err
	}
	if IsDirMode(info.Mode) {
		return ErrIsDir
	}

	if _, err := tx.Exec(tx.Rebind(deletePathSQL), info.ID); err != nil {
		log.WithError(err).Errorf("couldn't delete path row for %q", path)
		return ErrIO
	}
	if _, err := tx.Exec(tx.Rebind(decrementNlinkSQL), info.FileID); err != nil {
		log.WithError(err).WithField("file_id", info.FileID).Error("couldn't decrement nlink")
		return ErrIO
	}

	var nlink int64
	if err := tx.Get(&nlink, tx.Rebind(selectNlinkSQL), info.FileID); err != nil {
		log.WithError(err).WithField("file_id", info.FileID).Error("couldn't read nlink")
		return ErrIO
	}
	if nlink == 0 {
		if _, err := tx.Exec(tx.Rebind(deleteFileSQL), info.FileID); err != nil {
			log.WithError(err).WithField("file_id", info.FileID).Error("couldn't delete file row")
			return ErrIO
		}
	}
	return nil
}

func (g *genericBackend) Rename(oldPath, newPath string, flags uint32) error {
	info, err := g.FindPathInfo(oldPath)
	if err != nil {
		return err
	}

	return g.inTx("rename", func(tx *sqlx.Tx) error {
		newInfo, err := g.findPathInfo(tx, newPath)
		switch err {
		case nil:
			if IsDirMode(newInfo.Mode) {
				return ErrIsDir
			}
			if err := g.unlink(tx, newPath); err != nil {
				return err
			}
		case ErrNotFound:
		default:
			return err
		}

		newParentID, err := g.findPathID(tx, parentPath(newPath))
		if err != nil {
			return err
		}

		_, err = tx.Exec(tx.Rebind(updatePathNameSQL), newPath, newParentID, info.ID)
		if err != nil {
			log.WithError(err).Errorf("couldn't rename %q to %q", oldPath, newPath)
			return ErrIO
		}

		if IsDirMode(info.Mode) {
			return g.renameChildren(tx, info.ID, newPath)
		}
		return nil
	})
}

// renameChildren walks a renamed directory through the parent_id
// index and rewrites each descendant's stored path under the new
// prefix.
func (g *genericBackend) renameChildren(tx *sqlx.Tx, dirID int64, newDirPath string) error {
	rows, err := tx.Queryx(tx.Rebind(
		`select id, path, mode from paths where parent_id = ?`), dirID)
	if err != nil {
		log.WithError(err).Errorf("couldn't list children of directory id %d", dirID)
		return ErrIO
	}

	type child struct {
		id   int64
		path string
		mode uint32
	}
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.id, &c.path, &c.mode); err != nil {
			rows.Close()
			log.WithError(err).Error("couldn't scan child row")
			return ErrIO
		}
		children = append(children, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("couldn't iterate child rows")
		return ErrIO
	}

	for _, c := range children {
		newChildPath := newDirPath + "/" + baseName(c.path)
		_, err := tx.Exec(tx.Rebind(`update paths set path = ? where id = ?`),
			newChildPath, c.id)
		if err != nil {
			log.WithError(err).Errorf("couldn't move child row to %q", newChildPath)
			return ErrIO
		}
		if IsDirMode(c.mode) {
			if err := g.renameChildren(tx, c.id, newChildPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *genericBackend) Link(oldPath, newPath string) error {
	if err := g.requireAbsent(newPath); err != nil {
		return err
	}
	info, err := g.FindPathInfo(oldPath)
	if err != nil {
		return err
	}

	return g.inTx("link", func(tx *sqlx.Tx) error {
		if err := g.insertPath(tx, newPath, info.Mode, info.Mode, info.FileID); err != nil {
			return err
		}
		if _, err := tx.Exec(tx.Rebind(incrementNlinkSQL), info.FileID); err != nil {
			log.WithError(err).WithField("file_id", info.FileID).Error("couldn't increment nlink")
			return ErrIO
		}
		return nil
	})
}

func (g *genericBackend) Symlink(target, linkPath string) error {
	if err := g.requireAbsent(linkPath); err != nil {
		return err
	}
	return g.inTx("symlink", func(tx *sqlx.Tx) error {
		content := append([]byte(target), 0)
		fileID, err := g.insertFile(tx, content, 0)
		if err != nil {
			return err
		}
		return g.insertPath(tx, linkPath, 0755, ModeSymlink, fileID)
	})
}

// readContent loads the whole content column of one files row. A
// NULL column scans to a nil slice.
func (g *genericBackend) readContent(fileID int64) ([]byte, error) {
	var content []byte
	err := g.db.QueryRow(g.db.Rebind(
		`select content from files where id = ?`), fileID).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't read file content")
		return nil, ErrIO
	}
	return content, nil
}

func (g *genericBackend) Readlink(path string, dest []byte) (int, error) {
	info, err := g.FindPathInfo(path)
	if err != nil {
		return 0, err
	}
	content, err := g.readContent(info.FileID)
	if err != nil {
		return 0, err
	}
	return copy(dest, content), nil
}

func (g *genericBackend) Chmod(path string, mode uint32) error {
	info, err := g.FindPathInfo(path)
	if err != nil {
		return err
	}
	newMode := (info.Mode & ModeMask) | (mode & PermMask)
	if _, err := g.db.Exec(g.db.Rebind(updateModeSQL), newMode, info.ID); err != nil {
		log.WithError(err).Errorf("chmod failed for %q", path)
		return ErrIO
	}
	return nil
}

func (g *genericBackend) Chown(path string, uid, gid uint32) error {
	info, err := g.FindPathInfo(path)
	if err != nil {
		return err
	}
	if _, err := g.db.Exec(g.db.Rebind(updateOwnerSQL), uid, gid, info.ID); err != nil {
		log.WithError(err).Errorf("chown failed for %q", path)
		return ErrIO
	}
	return nil
}

func (g *genericBackend) Utimens(path string, atime, mtime int64) error {
	info, err := g.FindPathInfo(path)
	if err != nil {
		return err
	}
	if _, err := g.db.Exec(g.db.Rebind(updateTimesSQL), atime, mtime, info.ID); err != nil {
		log.WithError(err).Errorf("utimens failed for %q", path)
		return ErrIO
	}
	return nil
}

func (g *genericBackend) Truncate(path string, size int64) error {
	info, err := g.FindPathInfo(path)
	if err != nil {
		return err
	}
	if size >= info.Size {
		return nil
	}

	return g.inTx("truncate", func(tx *sqlx.Tx) error {
		content, err := g.readContent(info.FileID)
		if err != nil {
			return err
		}
		if int64(len(content)) > size {
			content = content[:size]
		}
		var blob interface{}
		if len(content) > 0 {
			blob = content
		}
		_, err = tx.Exec(tx.Rebind(updateContentSQL), blob, size, info.FileID)
		if err != nil {
			log.WithError(err).WithField("file_id", info.FileID).Error("couldn't truncate file row")
			return ErrIO
		}
		return nil
	})
}

func (g *genericBackend) Read(fileID int64, dest []byte, offset int64) (int, error) {
	content, err := g.readContent(fileID)
	if err == ErrNotFound {
		log.WithField("file_id", fileID).Error("read from missing file row")
		return 0, ErrIO
	}
	if err != nil {
		return 0, err
	}
	if offset >= int64(len(content)) {
		return 0, nil
	}
	return copy(dest, content[offset:]), nil
}

func (g *genericBackend) Write(path string, data []byte, offset int64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	info, err := g.FindPathInfo(path)
	if err != nil {
		return 0, err
	}

	err = g.inTx("write", func(tx *sqlx.Tx) error {
		content, err := g.readContent(info.FileID)
		if err != nil {
			return err
		}

		// No blob handles here: both the in-place and the grow
		// case rewrite the full row.
		var buf []byte
		if offset+int64(len(data)) <= int64(len(content)) {
			buf = bytes.Clone(content)
			copy(buf[offset:], data)
		} else {
			buf = growContent(content, data, offset)
		}

		_, err = tx.Exec(tx.Rebind(updateContentSQL), buf, len(buf), info.FileID)
		if err != nil {
			log.WithError(err).WithField("file_id", info.FileID).Error("couldn't rewrite file content")
			return ErrIO
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Verify loads both tables and checks the structural invariants in
// memory; SQL-side checks would need per-dialect text for blob
// lengths and octal masks.
func (g *genericBackend) Verify() error {
	type fileRow struct {
		ID      int64  `db:"id"`
		Nlink   int64  `db:"nlink"`
		Content []byte `db:"content"`
		Size    int64  `db:"size"`
	}
	var files []fileRow
	if err := g.db.Select(&files, `select id, nlink, content, size from files`); err != nil {
		log.WithError(err).Error("couldn't load files table; was the database initialized?")
		return ErrIO
	}

	type pathRow struct {
		ID       int64         `db:"id"`
		Path     string        `db:"path"`
		ParentID sql.NullInt64 `db:"parent_id"`
		Mode     uint32        `db:"mode"`
		FileID   sql.NullInt64 `db:"file_id"`
	}
	var paths []pathRow
	if err := g.db.Select(&paths, `select id, path, parent_id, mode, file_id from paths`); err != nil {
		log.WithError(err).Error("couldn't load paths table")
		return ErrIO
	}

	fileByID := make(map[int64]fileRow, len(files))
	for _, f := range files {
		fileByID[f.ID] = f
	}
	dirByID := make(map[int64]bool, len(paths))
	refs := make(map[int64]int64)

	violations := 0
	for _, p := range paths {
		dirByID[p.ID] = IsDirMode(p.Mode)
		if p.FileID.Int64 != 0 {
			refs[p.FileID.Int64]++
			if _, ok := fileByID[p.FileID.Int64]; !ok {
				log.Errorf("verify: %q references missing file row %d", p.Path, p.FileID.Int64)
				violations++
			}
		}
		switch p.Mode & ModeMask {
		case ModeRegular, ModeDir, ModeSymlink:
		default:
			log.Errorf("verify: %q has mode %o without exactly one type bit", p.Path, p.Mode)
			violations++
		}
		if p.Path == "/" {
			log.Error("verify: found a stored row for the implicit root")
			violations++
		}
	}
	for _, p := range paths {
		parent := p.ParentID.Int64
		if parent != 0 && !dirByID[parent] {
			log.Errorf("verify: %q has dangling or non-directory parent id %d", p.Path, parent)
			violations++
		}
	}
	for _, f := range files {
		if f.Nlink != refs[f.ID] {
			log.Errorf("verify: file row %d has nlink %d but %d referencing paths", f.ID, f.Nlink, refs[f.ID])
			violations++
		}
		if f.Size != int64(len(f.Content)) {
			log.Errorf("verify: file row %d has size %d but %d content bytes", f.ID, f.Size, len(f.Content))
			violations++
		}
	}

	if violations != 0 {
		return fmt.Errorf("%d invariant(s) violated", violations)
	}
	return nil
}
