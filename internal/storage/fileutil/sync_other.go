//go:build !linux

package fileutil

import "os"

// Fdatasync falls back to a full fsync.
func Fdatasync(f *os.File) error {
	return f.Sync()
}
