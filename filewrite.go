package ftp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WriteMode controls what happens when a download destination exists.
type WriteMode int

const (
	// WriteSafe fails if the destination exists.
	WriteSafe WriteMode = iota
	// WriteSafeWithRename writes to "name N.ext" with the first N that is
	// free, starting at 0, when the destination exists.
	WriteSafeWithRename
	// WriteOverwrite truncates an existing destination.
	WriteOverwrite
	// WriteAppend appends to an existing destination.
	WriteAppend
)

func (m WriteMode) String() string {
	switch m {
	case WriteSafe:
		return "safe"
	case WriteSafeWithRename:
		return "safe-with-rename"
	case WriteOverwrite:
		return "overwrite"
	case WriteAppend:
		return "append"
	}
	return "WriteMode(" + strconv.Itoa(int(m)) + ")"
}

// maxRenameAttempts bounds the numbered names tried by WriteSafeWithRename.
const maxRenameAttempts = 10000

// numberedPath returns path with " n" inserted before the extension:
// "dir/foo.txt" becomes "dir/foo 3.txt".
func numberedPath(path string, n int) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// dot files like ".profile" have no stem
		stem, ext = base, ""
	}
	return filepath.Join(dir, fmt.Sprintf("%s %d%s", stem, n, ext))
}

// checkDestination fails if path may not be written with mode. It runs
// before any command is sent so a refused download costs no round trip.
func checkDestination(path string, mode WriteMode) error {
	if mode != WriteSafe {
		return nil
	}
	if _, err := os.Lstat(path); err == nil {
		return errorf(KindFileWriteFailed, "retrieve", "destination %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return newError(KindFileWriteFailed, "retrieve", err)
	}
	return nil
}

// openDestination opens path for writing according to mode and returns the
// file together with the path actually opened.
func openDestination(path string, mode WriteMode) (*os.File, string, error) {
	const op = "open destination"
	switch mode {
	case WriteSafe:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, "", newError(KindFileOpenFailed, op, err)
		}
		return f, path, nil

	case WriteSafeWithRename:
		candidate := path
		for n := 0; n <= maxRenameAttempts; n++ {
			f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err == nil {
				return f, candidate, nil
			}
			if !errors.Is(err, fs.ErrExist) {
				return nil, "", newError(KindFileOpenFailed, op, err)
			}
			candidate = numberedPath(path, n)
		}
		return nil, "", errorf(KindFileOpenFailed, op, "no free name for %s", path)

	case WriteOverwrite:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, "", newError(KindFileOpenFailed, op, err)
		}
		return f, path, nil

	case WriteAppend:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, "", newError(KindFileOpenFailed, op, err)
		}
		return f, path, nil
	}
	return nil, "", errorf(KindFileOpenFailed, op, "unknown write mode %v", mode)
}

// lazyFile is an io.Writer that opens its destination on the first write.
type lazyFile struct {
	path string
	mode WriteMode

	f      *os.File
	actual string
}

func (l *lazyFile) open() error {
	if l.f != nil {
		return nil
	}
	f, actual, err := openDestination(l.path, l.mode)
	if err != nil {
		return err
	}
	l.f, l.actual = f, actual
	return nil
}

func (l *lazyFile) Write(p []byte) (int, error) {
	if err := l.open(); err != nil {
		return 0, err
	}
	return l.f.Write(p)
}

// Close closes the file if it was opened.
func (l *lazyFile) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// openSource opens a local upload source and checks it is a regular file.
func openSource(path string) (*os.File, error) {
	const op = "open source"
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(KindFileOpenFailed, op, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newError(KindFileReadFailed, op, err)
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, errorf(KindFileOpenFailed, op, "%s is not a regular file", path)
	}
	return f, nil
}
