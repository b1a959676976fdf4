//go:build linux

package objectrepo

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// createAnonTemp opens an unnamed temporary file in dir using O_TMPFILE, so
// that on any failure before linkObject the file disappears with no trace —
// satisfying the contract "partial writes never become visible".
func createAnonTemp(dir string) (*os.File, error) {
	fd, err := unix.Open(dir, unix.O_TMPFILE|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open O_TMPFILE in %s: %w", dir, err)
	}
	return os.NewFile(uintptr(fd), dir+"/(anonymous)"), nil
}

// linkObject publishes f at finalPath using linkat via the /proc/self/fd
// magic symlink, so the object either ends up fully written at finalPath or
// not linked at all — there is no intermediate visible state.
func linkObject(f *os.File, finalPath string) error {
	src := fmt.Sprintf("/proc/self/fd/%d", int(f.Fd()))
	err := unix.Linkat(unix.AT_FDCWD, src, unix.AT_FDCWD, finalPath, unix.AT_SYMLINK_FOLLOW)
	if err != nil {
		if err == unix.EEXIST { //nolint:errorlint
			// Another writer published the identical content first; content
			// addressing guarantees byte-equality, so this is success.
			return nil
		}
		return fmt.Errorf("linkat %s: %w", finalPath, err)
	}
	return nil
}
