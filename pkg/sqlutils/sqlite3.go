package sqlutils

import (
	_ "embed"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteBackend stores the filesystem in a single SQLite database
// file. It is the only backend with an in-place write path: byte
// ranges inside the current content are written through incremental
// blob handles instead of rewriting the whole row.
//
// The backend owns exactly one connection. Statements are prepared
// once per SQL string and cached on the connection by sqlitex; every
// call binds its parameters, steps, and resets the statement before
// returning, so no bindings leak across calls. Neither the statements
// nor blob handles are reentrant, so all operations are serialized
// behind a single mutex.
type SQLiteBackend struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

var _ SQLBackend = (*SQLiteBackend)(nil)

func NewSQLiteBackend() *SQLiteBackend {
	return &SQLiteBackend{}
}

//go:embed init-sqlite3.sql
var createTablesSQLite string

// The full statement set. sqlitex keeps one prepared statement per
// distinct string for the lifetime of the connection; they are
// finalized when the connection closes at unmount.
const (
	selectPathIDSQL = `select id from paths where path = ?`

	selectPathInfoSQL = `select p.id, p.mode, p.file_id, ifnull(f.size, 0)
		from paths p left join files f on p.file_id = f.id
		where p.path = ?`

	selectFileIDSQL = `select file_id from paths where path = ?`

	selectStatSQL = `select p.path, p.uid, p.gid, p.mode, p.atime, p.mtime, p.ctime,
		ifnull(f.size, 0), ifnull(f.nlink, 1)
		from paths p left join files f on p.file_id = f.id
		where p.path = ?`

	selectStatsByParentSQL = `select p.path, p.uid, p.gid, p.mode, p.atime, p.mtime, p.ctime,
		ifnull(f.size, 0), ifnull(f.nlink, 1)
		from paths p left join files f on p.file_id = f.id
		where p.parent_id = ? order by p.id limit -1 offset ?`

	insertPathSQL = `insert into paths(path, parent_id, uid, gid, mode, atime, mtime, ctime, file_id)
		values(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertFileSQL = `insert into files(content, dev, size) values(?, ?, ?)`

	deletePathSQL = `delete from paths where id = ?`
	deleteFileSQL = `delete from files where id = ?`

	incrementNlinkSQL = `update files set nlink = nlink + 1 where id = ?`
	decrementNlinkSQL = `update files set nlink = nlink - 1 where id = ?`
	selectNlinkSQL    = `select nlink from files where id = ?`
	selectFileSizeSQL = `select size from files where id = ?`

	countChildrenSQL = `select count(id) from paths where parent_id = ?`

	updateTimesSQL    = `update paths set atime = ?, mtime = ? where id = ?`
	updateModeSQL     = `update paths set mode = ? where id = ?`
	updateOwnerSQL    = `update paths set uid = ?, gid = ? where id = ?`
	updatePathNameSQL = `update paths set path = ?, parent_id = ? where id = ?`

	// Rewrites every descendant of a renamed directory: the old
	// prefix (including the trailing slash) is replaced by the new
	// one. substr comparison instead of LIKE so that % and _ in
	// path names match literally.
	updateDescendantsSQL = `update paths set path = ? || substr(path, ?)
		where substr(path, 1, ?) = ?`

	// Shrink-only truncate: content and size are cut down together,
	// and only when the new size is below the current one.
	shrinkFileSQL = `update files set content = substr(content, 1, ?), size = ?
		where id = ? and ? < size`

	updateContentSQL = `update files set content = ?, size = ? where id = ?`
)

// Open opens (and creates, if missing) the database file. Write-ahead
// logging is enabled for throughput and crash recovery; busy_timeout
// keeps a concurrent reader (e.g. the verify command) from failing
// immediately with SQLITE_BUSY.
func (b *SQLiteBackend) Open(dsn string) error {
	conn, err := sqlite.OpenConn(dsn,
		sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL|sqlite.OpenURI)
	if err != nil {
		log.WithError(err).Errorf("couldn't open sqlite database %q", dsn)
		return ErrIO
	}

	err = sqlitex.ExecuteTransient(conn, `pragma busy_timeout = 5000`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error { return nil },
	})
	if err != nil {
		conn.Close()
		log.WithError(err).Error("couldn't set busy_timeout")
		return ErrIO
	}

	b.conn = conn
	return nil
}

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Initialize creates the tables and indexes. All DDL is IF NOT
// EXISTS, so mounting an existing database is a no-op.
func (b *SQLiteBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := sqlitex.ExecuteScript(b.conn, createTablesSQLite, nil); err != nil {
		log.WithError(err).Error("couldn't create tables")
		return ErrIO
	}
	return nil
}

// LockPath returns the sidecar lock file guarding the database
// against a second mounter. In-memory databases need no lock.
func (b *SQLiteBackend) LockPath(dsn string) string {
	if dsn == ":memory:" {
		return ""
	}
	return dsn + ".lock"
}

// invariantChecks pairs a description with a query counting rows that
// violate it.
var invariantChecks = []struct {
	desc string
	sql  string
}{
	{
		"path rows referencing a missing files row",
		`select count(*) from paths p
		 where p.file_id != 0
		   and not exists (select 1 from files f where f.id = p.file_id)`,
	},
	{
		"files rows whose nlink disagrees with the referencing path count",
		`select count(*) from files f
		 where f.nlink != (select count(*) from paths p where p.file_id = f.id)`,
	},
	{
		"files rows whose size disagrees with the stored content",
		`select count(*) from files
		 where size != length(ifnull(content, x''))`,
	},
	{
		// SQLite has no octal literals: 61440 is the type mask
		// (S_IFMT), 16384 the directory bit (S_IFDIR).
		"path rows whose parent is neither the root nor an existing directory",
		`select count(*) from paths p
		 where p.parent_id != 0
		   and not exists (select 1 from paths q
		                   where q.id = p.parent_id and (q.mode & 61440) = 16384)`,
	},
	{
		"path rows whose mode does not encode exactly one file type",
		`select count(*) from paths
		 where (mode & 61440) not in (32768, 16384, 40960)`,
	},
	{
		"a path row for the implicit root",
		`select count(*) from paths where path = '/'`,
	},
}

// Verify runs the structural invariant checks and reports every
// violated one. The row counts come straight from SQL, so a large
// filesystem is checked without loading any content.
func (b *SQLiteBackend) Verify() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	violations := 0
	for _, check := range invariantChecks {
		var count int64
		err := sqlitex.ExecuteTransient(b.conn, check.sql, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			log.WithError(err).Error("invariant check failed to run; was the database initialized?")
			return ErrIO
		}
		if count != 0 {
			log.Errorf("verify: %d %s", count, check.desc)
			violations++
		}
	}

	if violations != 0 {
		return fmt.Errorf("%d invariant(s) violated", violations)
	}
	return nil
}
