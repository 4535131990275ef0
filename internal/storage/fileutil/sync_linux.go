//go:build linux

package fileutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data without forcing a metadata update.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
