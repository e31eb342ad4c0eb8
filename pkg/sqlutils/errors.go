package sqlutils

import "errors"

// Every operation either succeeds or returns exactly one of these.
// Backend-level failures (failed statement, failed blob open, failed
// blob read/write) are logged with their underlying cause and then
// collapsed into ErrIO; callers never see driver errors directly.
var (
	ErrNotFound = errors.New("no such file or directory")
	ErrExists   = errors.New("file exists")
	ErrIsDir    = errors.New("is a directory")
	ErrNotDir   = errors.New("not a directory")
	ErrNotEmpty = errors.New("directory not empty")
	ErrIO       = errors.New("input/output error")
)
