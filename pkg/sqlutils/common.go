// Package sqlutils implements the filesystem core on top of SQL
// databases. Two tables back the whole namespace: `paths` holds one
// row per name (keyed by the absolute path string) and `files` holds
// one row per content object with its hard-link count. Multiple path
// rows may reference the same file row; the file row is deleted when
// its link count drops to zero.
//
// The root directory "/" is implicit: it has id 0 and no row of its
// own, so every lookup, parent resolution and stat special-cases it.
package sqlutils

// File type bits stored in paths.mode, POSIX encoding. Exactly one of
// these is set on every row.
const (
	ModeRegular = 0100000
	ModeDir     = 0040000
	ModeSymlink = 0120000
	ModeMask    = 0170000

	// PermMask covers the permission bits plus setuid/setgid/sticky.
	PermMask = 07777
)

// RootID is the id of the implicit root directory. No paths row ever
// carries it.
const RootID = 0

// AvailableBackends maps the --backend flag value to a constructor.
// Backends are stateful (they own a connection), so each mount gets a
// fresh instance.
var AvailableBackends = map[string]func() SQLBackend{
	"sqlite":   func() SQLBackend { return NewSQLiteBackend() },
	"mysql":    func() SQLBackend { return NewMySQLBackend() },
	"postgres": func() SQLBackend { return NewPostgresBackend() },
}

// PathInfo is the row record the path index resolves a name to.
// For "/" all fields are zero.
type PathInfo struct {
	ID     int64
	Mode   uint32
	FileID int64
	Size   int64
}

// Stat carries the joined paths+files attributes of one name.
// Directories have no files row and report size 0, nlink 1.
type Stat struct {
	Path  string
	UID   uint32
	GID   uint32
	Mode  uint32
	Atime int64
	Mtime int64
	Ctime int64
	Size  int64
	Nlink int64
}

// SQLBackend is the set of operations the FUSE layer is built on.
// Implementations are not reentrant unless documented otherwise: the
// SQLite backend serializes all calls internally, the database/sql
// backends rely on the server's transaction isolation.
type SQLBackend interface {
	// Open connects to the database named by dsn. It does not create
	// the schema; see Initialize.
	Open(dsn string) error
	Close() error

	// Initialize creates the tables and indexes. Idempotent.
	Initialize() error

	// Verify checks the structural invariants of the two tables:
	// dangling file references, nlink counts that disagree with the
	// number of referencing path rows, size columns that disagree
	// with the stored content, dangling parents, and rows whose mode
	// does not encode exactly one file type. Each violation is
	// logged; a non-nil error is returned if any were found.
	Verify() error

	// FindPathID resolves a path to its paths-row id. "/" resolves
	// to RootID without touching the database.
	FindPathID(path string) (int64, error)

	// FindPathInfo resolves a path to id, mode, file id and current
	// content size. For "/" it returns the zero PathInfo.
	FindPathInfo(path string) (PathInfo, error)

	// FindFileID resolves a path to the id of its files row. Used by
	// open to stash the file id in the kernel handle.
	FindFileID(path string) (int64, error)

	// GetAttr returns the full stat record for a path. For "/" a
	// directory stat is synthesized with the current process
	// ownership and the current time.
	GetAttr(path string) (Stat, error)

	Chmod(path string, mode uint32) error
	Chown(path string, uid, gid uint32) error

	// Utimens stores second-granularity Unix timestamps.
	Utimens(path string, atime, mtime int64) error

	// Truncate shrinks the named file's content to size. Growing a
	// file through truncate is a no-op.
	Truncate(path string, size int64) error

	Mkdir(path string, mode uint32) error
	Rmdir(path string) error

	// ReadDir lists the children of the directory with the given
	// paths-row id (RootID for "/"), starting at offset. The entries
	// carry full paths; callers take the basename. "." and ".." are
	// not included.
	ReadDir(dirID int64, offset int64) ([]Stat, error)

	Mknod(path string, mode uint32, dev int64) error
	Unlink(path string) error

	// Rename moves oldPath to newPath, replacing a non-directory
	// target. Renaming a directory rewrites all descendant paths in
	// the same transaction. Flags are accepted but not interpreted.
	Rename(oldPath, newPath string, flags uint32) error

	Link(oldPath, newPath string) error
	Symlink(target, linkPath string) error

	// Readlink copies the stored link target (including its
	// terminating NUL byte) into dest and returns the byte count.
	Readlink(path string, dest []byte) (int, error)

	// Read copies up to len(dest) bytes of file content starting at
	// offset. Returns 0 at or past end of file.
	Read(fileID int64, dest []byte, offset int64) (int, error)

	// Write stores len(data) bytes at offset, growing the file if
	// needed. Bytes between the old size and offset are zero-filled.
	Write(path string, data []byte, offset int64) (int, error)

	// LockPath names the file to flock for exclusive-mounter
	// protection, or "" when the backend has no local file.
	LockPath(dsn string) string
}

// IsDirMode reports whether mode encodes a directory.
func IsDirMode(mode uint32) bool { return mode&ModeMask == ModeDir }

// IsRegularMode reports whether mode encodes a regular file.
func IsRegularMode(mode uint32) bool { return mode&ModeMask == ModeRegular }

// IsSymlinkMode reports whether mode encodes a symbolic link.
func IsSymlinkMode(mode uint32) bool { return mode&ModeMask == ModeSymlink }
