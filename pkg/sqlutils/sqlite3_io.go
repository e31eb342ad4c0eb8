package sqlutils

import (
	"io"

	log "github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
)

// insertFile creates one files row with the given content and device
// id. Empty content is stored as NULL, matching the schema default of
// size 0. nlink starts at 1. Returns the new row id.
func (b *SQLiteBackend) insertFile(content []byte, dev int64) (int64, error) {
	var blob any
	if len(content) > 0 {
		blob = content
	}
	if err := b.exec(insertFileSQL, blob, dev, int64(len(content))); err != nil {
		log.WithError(err).Error("couldn't insert file row")
		return 0, ErrIO
	}
	return b.conn.LastInsertRowID(), nil
}

func (b *SQLiteBackend) readNlink(fileID int64) (int64, error) {
	var nlink int64
	found, err := b.queryRow(selectNlinkSQL, func(stmt *sqlite.Stmt) {
		nlink = stmt.ColumnInt64(0)
	}, fileID)
	if err != nil || !found {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't read nlink")
		return 0, ErrIO
	}
	return nlink, nil
}

func (b *SQLiteBackend) deleteFile(fileID int64) error {
	if err := b.exec(deleteFileSQL, fileID); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't delete file row")
		return ErrIO
	}
	return nil
}

// truncateTo cuts a file's content and size down to size. The
// statement's guard makes growing a no-op: only `size < current`
// rows are touched.
func (b *SQLiteBackend) truncateTo(fileID int64, size int64) error {
	if err := b.exec(shrinkFileSQL, size, size, fileID, size); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't truncate file row")
		return ErrIO
	}
	return nil
}

// readBlob copies bytes [offset, offset+len(dest)) of the content
// column into dest through a read-only incremental blob handle,
// clamped to the blob's end. The handle is closed on every path;
// a leaked handle would block later writes to the row.
func (b *SQLiteBackend) readBlob(fileID int64, dest []byte, offset int64) (int, error) {
	blob, err := b.conn.OpenBlob("", "files", "content", fileID, false)
	if err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't open blob for reading")
		return 0, ErrIO
	}
	defer blob.Close()

	blobSize := blob.Size()
	if offset >= blobSize {
		return 0, nil
	}
	n := int64(len(dest))
	if blobSize-offset < n {
		n = blobSize - offset
	}

	if _, err := blob.Seek(offset, io.SeekStart); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't seek blob")
		return 0, ErrIO
	}
	if _, err := io.ReadFull(blob, dest[:n]); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't read blob")
		return 0, ErrIO
	}
	return int(n), nil
}

// writeBlob overwrites bytes [offset, offset+len(data)) in place. A
// blob handle cannot grow the blob, so callers must take the
// writeRow path when the write extends past the current size.
func (b *SQLiteBackend) writeBlob(fileID int64, data []byte, offset int64) error {
	blob, err := b.conn.OpenBlob("", "files", "content", fileID, true)
	if err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't open blob for writing")
		return ErrIO
	}
	defer blob.Close()

	if _, err := blob.Seek(offset, io.SeekStart); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't seek blob")
		return ErrIO
	}
	if _, err := blob.Write(data); err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't write blob")
		return ErrIO
	}
	return nil
}

// writeRow materializes the grown content and replaces the whole
// content column, updating size in the same statement.
func (b *SQLiteBackend) writeRow(info PathInfo, data []byte, offset int64) error {
	old := make([]byte, info.Size)
	if info.Size > 0 {
		if _, err := b.readBlob(info.FileID, old, 0); err != nil {
			return err
		}
	}

	buf := growContent(old, data, offset)
	if err := b.exec(updateContentSQL, buf, int64(len(buf)), info.FileID); err != nil {
		log.WithError(err).WithField("file_id", info.FileID).Error("couldn't rewrite file content")
		return ErrIO
	}
	return nil
}

func (b *SQLiteBackend) Read(fileID int64, dest []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The content column is NULL until the first grow-write, and a
	// blob handle cannot be opened on NULL, so empty and past-EOF
	// reads are answered from the size column alone.
	var size int64
	found, err := b.queryRow(selectFileSizeSQL, func(stmt *sqlite.Stmt) {
		size = stmt.ColumnInt64(0)
	}, fileID)
	if err != nil || !found {
		log.WithError(err).WithField("file_id", fileID).Error("couldn't read file size")
		return 0, ErrIO
	}
	if size == 0 || offset >= size {
		return 0, nil
	}

	n := int64(len(dest))
	if size-offset < n {
		n = size - offset
	}
	return b.readBlob(fileID, dest[:n], offset)
}

// Write picks between the two write paths: ranges that fit inside the
// current content go through the in-place blob handle, everything
// else rewrites the row with the grown content.
func (b *SQLiteBackend) Write(path string, data []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) == 0 {
		return 0, nil
	}

	info, err := b.findPathInfo(path)
	if err != nil {
		return 0, err
	}

	if offset+int64(len(data)) <= info.Size {
		err = b.writeBlob(info.FileID, data, offset)
	} else {
		err = b.writeRow(info, data, offset)
	}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
