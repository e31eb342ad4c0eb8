package fuse

import (
	"fmt"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"relfs/pkg/sqlutils"
)

// openBackend connects the configured backend to dsn.
func openBackend(dsn string) (sqlutils.SQLBackend, error) {
	backend := Backend
	if err := backend.Open(dsn); err != nil {
		log.WithError(err).Error("couldn't open database")
		return nil, err
	}
	return backend, nil
}

// InitializeDB creates the tables and indexes necessary for the fs to
// function. Safe to run on an existing database.
func InitializeDB(dsn string) error {
	backend, err := openBackend(dsn)
	if err != nil {
		return err
	}
	defer backend.Close()

	return backend.Initialize()
}

// VerifyDB checks the structural invariants of the stored filesystem.
func VerifyDB(dsn string) error {
	backend, err := openBackend(dsn)
	if err != nil {
		return err
	}
	defer backend.Close()

	return backend.Verify()
}

// MountFS mounts the filesystem at mountpoint and serves until
// unmounted. Prepared statements and blob handles are not safe for a
// second mounter, so file-backed databases are guarded with an
// exclusive flock for the lifetime of the mount.
func MountFS(dsn, mountpoint string) error {
	backend, err := openBackend(dsn)
	if err != nil {
		return err
	}

	// The schema is created on first mount, same as init.
	if err := backend.Initialize(); err != nil {
		backend.Close()
		return err
	}
	if err := backend.Verify(); err != nil {
		backend.Close()
		return err
	}

	if lockPath := backend.LockPath(dsn); lockPath != "" {
		fileLock := flock.New(lockPath)
		locked, err := fileLock.TryLock()
		if err != nil {
			backend.Close()
			return fmt.Errorf("couldn't take mount lock %s: %w", lockPath, err)
		}
		if !locked {
			backend.Close()
			return fmt.Errorf("%s is locked; is the filesystem mounted elsewhere?", lockPath)
		}
		defer fileLock.Unlock()
	}

	c, err := fuse.Mount(mountpoint,
		fuse.FSName("relfs"),
		fuse.Subtype("relfs"),
	)
	if err != nil {
		backend.Close()
		return err
	}
	defer c.Close()

	log.WithField("mountpoint", mountpoint).Info("filesystem mounted")

	filesys := &FS{backend}
	if err = fs.Serve(c, filesys); err != nil {
		return err
	}

	<-c.Ready
	if err = c.MountError; err != nil {
		return err
	}

	return nil
}
