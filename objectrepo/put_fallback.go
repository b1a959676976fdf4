//go:build !linux

package objectrepo

import (
	"fmt"
	"os"
)

// createAnonTemp opens a named temporary file in dir. Non-Linux platforms
// lack O_TMPFILE; the file is visible under a random name until linkObject
// renames it into place, but it is never visible under its final content
// address until that rename completes.
func createAnonTemp(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, ".obj-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	return f, nil
}

// linkObject publishes f at finalPath by renaming it. Rename is atomic on a
// single filesystem, matching the visibility guarantee O_TMPFILE+linkat
// gives on Linux.
func linkObject(f *os.File, finalPath string) error {
	tmpPath := f.Name()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		if os.IsExist(err) {
			_ = os.Remove(tmpPath)
			return nil
		}
		return fmt.Errorf("rename %s to %s: %w", tmpPath, finalPath, err)
	}
	return nil
}
