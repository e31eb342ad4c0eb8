package sqlutils

import "path"

// isRoot reports whether p names the implicit root directory.
func isRoot(p string) bool { return p == "/" }

// parentPath returns the enclosing directory of p ("/" for top-level
// names).
func parentPath(p string) string {
	return path.Dir(p)
}

// baseName returns the final component of p.
func baseName(p string) string {
	return path.Base(p)
}

// childPrefix is the string every descendant path of dir starts with.
func childPrefix(dir string) string {
	return dir + "/"
}

// growContent materializes the content buffer for a write that ends
// past the current end of file: a buffer of offset+len(data)
// bytes, the old content copied into its prefix, the gap between old
// size and offset left zero-filled, and data overwriting
// [offset, offset+len(data)).
func growContent(old []byte, data []byte, offset int64) []byte {
	buf := make([]byte, offset+int64(len(data)))
	copy(buf, old)
	copy(buf[offset:], data)
	return buf
}

// typedMode combines permission bits with exactly one file type bit.
func typedMode(mode, typ uint32) uint32 {
	return (mode & PermMask) | (typ & ModeMask)
}
