package fuse

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"bazil.org/fuse/fs/fstestutil"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"relfs/pkg/sqlutils"
)

// requireFuse skips mounted tests on machines without a fuse device
// (containers, CI runners without --device /dev/fuse).
func requireFuse(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skipf("skipping mounted test: %v", err)
	}
}

func assertFileSizeIs(t *testing.T, filepath string, expectedSize int64) {
	t.Helper()

	fileinfo, err := os.Stat(filepath)
	if err != nil {
		t.Fatalf("Couldn't stat file: %v", err)
	}

	fsSize := fileinfo.Size()
	if fsSize != expectedSize {
		t.Fatalf("Size on fs[%d] doesn't match expected size[%d]", fsSize, expectedSize)
	}
}

func getMountedFS(t *testing.T, backend sqlutils.SQLBackend, dsn string) *fstestutil.Mount {
	t.Helper()

	t.Logf("Using dsn '%s'", dsn)

	if err := backend.Open(dsn); err != nil {
		t.Fatalf("Couldn't open db[%s]: %v", dsn, err)
	}

	if err := backend.Initialize(); err != nil {
		t.Fatalf("Couldn't create tables: %v", err)
	}

	filesys := &FS{backend}
	mnt, err := fstestutil.MountedT(t, filesys, nil)
	if err != nil {
		t.Fatalf("Couldn't mount fs: %v", err)
	}

	return mnt
}

func testBasicFileOperations(t *testing.T, mnt *fstestutil.Mount) {
	mountedDir := mnt.Dir

	testfile := mountedDir + "/testfile"
	initialContents := "Hello!"

	t.Run("write", func(t *testing.T) {
		if err := os.WriteFile(testfile, []byte(initialContents), 0644); err != nil {
			t.Fatalf("Couldn't write to file: %v", err)
		}

		assertFileSizeIs(t, testfile, int64(len(initialContents)))
	})

	t.Run("read", func(t *testing.T) {
		contents, err := os.ReadFile(testfile)
		if err != nil {
			t.Fatalf("Couldn't read from file: %v", err)
		}
		if string(contents) != initialContents {
			t.Fatalf("Wrong contents read from file")
		}
	})

	t.Run("append", func(t *testing.T) {
		f, err := os.OpenFile(testfile, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			t.Fatalf("Couldn't open file: %v", err)
		}
		if _, err = f.WriteString(initialContents); err != nil {
			t.Fatalf("Couldn't write to file: %v", err)
		}
		if err = f.Close(); err != nil {
			t.Fatalf("Couldn't close file: %v", err)
		}

		// verify size
		assertFileSizeIs(t, testfile, 2*int64(len(initialContents)))
	})

	t.Run("overwrite-in-place", func(t *testing.T) {
		f, err := os.OpenFile(testfile, os.O_WRONLY, 0644)
		if err != nil {
			t.Fatalf("Couldn't open file: %v", err)
		}
		if _, err = f.WriteAt([]byte("Y"), 1); err != nil {
			t.Fatalf("Couldn't write at offset: %v", err)
		}
		if err = f.Close(); err != nil {
			t.Fatalf("Couldn't close file: %v", err)
		}

		contents, err := os.ReadFile(testfile)
		if err != nil {
			t.Fatalf("Couldn't read from file: %v", err)
		}
		if !bytes.HasPrefix(contents, []byte("HY")) {
			t.Fatalf("In-place overwrite not visible: %q", contents)
		}
	})

	t.Run("truncate-read", func(t *testing.T) {
		err := os.Truncate(testfile, int64(len(initialContents)))
		if err != nil {
			t.Fatalf("Couldn't truncate file: %v", err)
		}

		// verify size
		assertFileSizeIs(t, testfile, int64(len(initialContents)))
	})

	t.Run("truncate-full", func(t *testing.T) {
		err := os.Truncate(testfile, 0)
		if err != nil {
			t.Fatalf("Couldn't truncate file: %v", err)
		}

		// verify size
		assertFileSizeIs(t, testfile, 0)
	})
}

func testBasicDirOperations(t *testing.T, mnt *fstestutil.Mount) {
	mountedDir := mnt.Dir

	t.Run("mkdir", func(t *testing.T) {
		if err := os.MkdirAll(mountedDir+"/l1/l2/l3", 0755); err != nil {
			t.Fatalf("Couldn't create nested dir: %v", err)
		}
	})

	t.Run("readdir", func(t *testing.T) {
		entries, err := os.ReadDir(mountedDir + "/l1/l2")
		if err != nil {
			t.Fatalf("Couldn't read dir: %v", err)
		}
		if len(entries) != 1 || entries[0].Name() != "l3" {
			t.Fatalf("Unexpected dir contents: %v", entries)
		}
	})

	t.Run("rmdir", func(t *testing.T) {
		if err := os.Remove(mountedDir + "/l1/l2/l3"); err != nil {
			t.Fatalf("Couldn't remove dir: %v", err)
		}
	})

	t.Run("mkfile", func(t *testing.T) {
		if err := os.WriteFile(mountedDir+"/l1/l2/testfile", []byte(""), 0644); err != nil {
			t.Fatalf("Couldn't create file inside dir: %v", err)
		}
	})

	t.Run("rename", func(t *testing.T) {
		if err := os.Rename(mountedDir+"/l1/l2/testfile", mountedDir+"/l1/renamed"); err != nil {
			t.Fatalf("Couldn't rename file: %v", err)
		}
	})

	t.Run("rmfile", func(t *testing.T) {
		if err := os.Remove(mountedDir + "/l1/renamed"); err != nil {
			t.Fatalf("Couldn't remove file: %v", err)
		}
	})

	t.Run("rmdir-r", func(t *testing.T) {
		if err := os.RemoveAll(mountedDir + "/l1"); err != nil {
			t.Fatalf("Couldn't remove dir: %v", err)
		}
	})
}

func testLinkOperations(t *testing.T, mnt *fstestutil.Mount) {
	mountedDir := mnt.Dir

	t.Run("symlink", func(t *testing.T) {
		if err := os.Symlink("/tmp/foo", mountedDir+"/sym"); err != nil {
			t.Fatalf("Couldn't create symlink: %v", err)
		}

		target, err := os.Readlink(mountedDir + "/sym")
		if err != nil {
			t.Fatalf("Couldn't read symlink: %v", err)
		}
		if target != "/tmp/foo" {
			t.Fatalf("Wrong symlink target: %q", target)
		}
	})

	t.Run("hardlink", func(t *testing.T) {
		src := mountedDir + "/linksrc"
		dst := mountedDir + "/linkdst"

		if err := os.WriteFile(src, []byte("shared"), 0644); err != nil {
			t.Fatalf("Couldn't create file: %v", err)
		}
		if err := os.Link(src, dst); err != nil {
			t.Fatalf("Couldn't create hard link: %v", err)
		}
		if err := os.Remove(src); err != nil {
			t.Fatalf("Couldn't remove original: %v", err)
		}

		contents, err := os.ReadFile(dst)
		if err != nil {
			t.Fatalf("Couldn't read through link: %v", err)
		}
		if string(contents) != "shared" {
			t.Fatalf("Wrong contents through link: %q", contents)
		}
	})
}

func setupMySQLContainer(t *testing.T) string {
	t.Helper()

	if os.Getenv("RELFS_TEST_MYSQL") == "" {
		t.Skip("set RELFS_TEST_MYSQL=1 to run the mysql e2e test (needs docker)")
	}

	ctx := context.Background()

	user := "user"
	password := "password"
	dbname := "relfs"

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:latest",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_USER":                 user,
			"MARIADB_PASSWORD":             password,
			"MARIADB_DATABASE":             dbname,
			"MARIADB_RANDOM_ROOT_PASSWORD": "yes",
		},
		WaitingFor: wait.ForListeningPort(nat.Port("3306")),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Couldn't start mysql container: %v", err)
	}

	ip, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Couldn't get ip for mysql container: %v", err)
	}

	mappedPort, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Couldn't get mapped port for mysql container: %v", err)
	}

	dsn := fmt.Sprintf("%s:%s@(%s:%s)/%s", user, password, ip, mappedPort.Port(), dbname)

	// NOTE: not terminating container myself, relying on
	// testcontainer's reaper
	// https://golang.testcontainers.org/features/garbage_collector/
	return dsn
}

func sqliteTestDSN(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "fs.db")
}
