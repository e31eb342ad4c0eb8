package sqlutils

// The shared database/sql implementation is exercised against an
// embedded SQLite driver: same SQL surface as the server backends,
// no container needed. The blob-handle fast path is SQLite-backend
// specific and is not in play here — every write rewrites the row.

import (
	"bytes"
	"testing"

	sqlx "github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func newGenericTestBackend(t *testing.T) *genericBackend {
	t.Helper()

	db, err := sqlx.Open("sqlite", t.TempDir()+"/fs.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g := &genericBackend{db: db}
	require.NoError(t, g.initialize(createTablesSQLite))
	return g
}

func genericReadAll(t *testing.T, g *genericBackend, path string) []byte {
	t.Helper()

	info, err := g.FindPathInfo(path)
	require.NoError(t, err)

	dest := make([]byte, info.Size)
	n, err := g.Read(info.FileID, dest, 0)
	require.NoError(t, err)
	return dest[:n]
}

func TestGenericWriteReadRoundTrip(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mknod("/a", 0644, 0))

	n, err := g.Write("/a", []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), genericReadAll(t, g, "/a"))

	st, err := g.GetAttr("/a")
	require.NoError(t, err)
	assert.EqualValues(t, 5, st.Size)
	assert.EqualValues(t, 1, st.Nlink)
	assert.True(t, IsRegularMode(st.Mode))

	require.NoError(t, g.Verify())
}

func TestGenericGrowWriteZeroFillsGap(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mknod("/grow", 0644, 0))
	_, err := g.Write("/grow", bytes.Repeat([]byte("a"), 100), 0)
	require.NoError(t, err)
	_, err = g.Write("/grow", bytes.Repeat([]byte("b"), 50), 200)
	require.NoError(t, err)

	got := genericReadAll(t, g, "/grow")
	require.Len(t, got, 250)
	assert.Equal(t, make([]byte, 100), got[100:200])
	assert.Equal(t, bytes.Repeat([]byte("b"), 50), got[200:])

	require.NoError(t, g.Verify())
}

func TestGenericOverwriteInPlaceRange(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mknod("/f", 0644, 0))
	_, err := g.Write("/f", []byte("0123456789"), 0)
	require.NoError(t, err)

	_, err = g.Write("/f", []byte("XY"), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123XY6789"), genericReadAll(t, g, "/f"))

	st, err := g.GetAttr("/f")
	require.NoError(t, err)
	assert.EqualValues(t, 10, st.Size)
}

func TestGenericHardLinkLifecycle(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mknod("/x", 0644, 0))
	_, err := g.Write("/x", []byte("shared"), 0)
	require.NoError(t, err)

	require.NoError(t, g.Link("/x", "/y"))

	st, err := g.GetAttr("/y")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Nlink)

	require.NoError(t, g.Unlink("/x"))
	assert.Equal(t, []byte("shared"), genericReadAll(t, g, "/y"))
	require.NoError(t, g.Unlink("/y"))

	require.NoError(t, g.Verify())
}

func TestGenericSymlink(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Symlink("/tmp/foo", "/s"))

	st, err := g.GetAttr("/s")
	require.NoError(t, err)
	assert.True(t, IsSymlinkMode(st.Mode))

	dest := make([]byte, st.Size)
	n, err := g.Readlink("/s", dest)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("/tmp/foo"), 0), dest[:n])
}

func TestGenericRmdirSemantics(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mkdir("/d", 0755))
	require.NoError(t, g.Mknod("/d/f", 0644, 0))

	assert.ErrorIs(t, g.Rmdir("/d"), ErrNotEmpty)
	assert.ErrorIs(t, g.Unlink("/d"), ErrIsDir)

	require.NoError(t, g.Unlink("/d/f"))
	require.NoError(t, g.Rmdir("/d"))
}

func TestGenericRenameDirectoryMovesDescendants(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mkdir("/d1", 0755))
	require.NoError(t, g.Mkdir("/d1/sub", 0755))
	require.NoError(t, g.Mknod("/d1/sub/f", 0644, 0))
	_, err := g.Write("/d1/sub/f", []byte("deep"), 0)
	require.NoError(t, err)

	require.NoError(t, g.Rename("/d1", "/d2", 0))

	_, err = g.FindPathID("/d1/sub/f")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []byte("deep"), genericReadAll(t, g, "/d2/sub/f"))

	require.NoError(t, g.Verify())
}

func TestGenericTruncate(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mknod("/t", 0644, 0))
	_, err := g.Write("/t", []byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, g.Truncate("/t", 4))
	assert.Equal(t, []byte("0123"), genericReadAll(t, g, "/t"))

	require.NoError(t, g.Truncate("/t", 100))
	st, err := g.GetAttr("/t")
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.Size)

	require.NoError(t, g.Verify())
}

func TestGenericChmod(t *testing.T) {
	g := newGenericTestBackend(t)

	require.NoError(t, g.Mknod("/a", 0644, 0))
	require.NoError(t, g.Chmod("/a", 0600))

	st, err := g.GetAttr("/a")
	require.NoError(t, err)
	assert.EqualValues(t, 0600, st.Mode&PermMask)
	assert.True(t, IsRegularMode(st.Mode))
}
