// Package fileutil provides crash-safe file replacement.
//
// Files in the data directory are never modified in place. A new version is
// written to a temp file in the same directory, synced, and renamed over the
// destination, so a reader either sees the old file or the new one.
package fileutil

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks files that are still being written. Anything carrying it
// after a crash is garbage.
const TempPrefix = "_tmp_"

// TempPath returns the temp file used while writing path.
func TempPath(path string) string {
	return filepath.Join(filepath.Dir(path), TempPrefix+filepath.Base(path))
}

// IsTemp reports whether name (a base name) is a temp file.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// AtomicFile writes a complete replacement for a destination path.
type AtomicFile struct {
	path string
	tmp  string
	file *os.File
	buf  *bufio.Writer
	sync bool
	done bool
}

// Create opens the temp file for path, creating parent directories. When
// sync is set, Commit fdatasyncs the file and its directory.
func Create(path string, sync bool) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp := TempPath(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &AtomicFile{
		path: path,
		tmp:  tmp,
		file: f,
		buf:  bufio.NewWriterSize(f, 64*1024),
		sync: sync,
	}, nil
}

// Write appends p to the pending file.
func (a *AtomicFile) Write(p []byte) (int, error) {
	if a.done {
		return 0, os.ErrClosed
	}
	return a.buf.Write(p)
}

// Path returns the destination path.
func (a *AtomicFile) Path() string {
	return a.path
}

// Commit flushes, optionally syncs, and renames the temp file into place.
func (a *AtomicFile) Commit() error {
	if a.done {
		return os.ErrClosed
	}
	a.done = true

	if err := a.buf.Flush(); err != nil {
		a.discard()
		return fmt.Errorf("flush %s: %w", a.tmp, err)
	}
	if a.sync {
		if err := Fdatasync(a.file); err != nil {
			a.discard()
			return fmt.Errorf("sync %s: %w", a.tmp, err)
		}
	}
	if err := a.file.Close(); err != nil {
		os.Remove(a.tmp)
		return fmt.Errorf("close %s: %w", a.tmp, err)
	}
	if err := os.Rename(a.tmp, a.path); err != nil {
		os.Remove(a.tmp)
		return fmt.Errorf("rename %s: %w", a.path, err)
	}
	if a.sync {
		if err := SyncDir(filepath.Dir(a.path)); err != nil {
			return err
		}
	}
	return nil
}

// Abort discards the temp file. Abort after Commit is a no-op.
func (a *AtomicFile) Abort() error {
	if a.done {
		return nil
	}
	a.done = true
	return a.discard()
}

func (a *AtomicFile) discard() error {
	a.file.Close()
	if err := os.Remove(a.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", a.tmp, err)
	}
	return nil
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, sync bool) error {
	f, err := Create(path, sync)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Commit()
}

// SyncDir fsyncs a directory so that renames and removals inside it are
// durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// RemoveIfExists removes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
