//go:build linux

package softreboot

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// escapeToGlobalMountNamespace switches the calling OS thread into PID 1's
// mount namespace, so the bind mounts this package performs land in the
// namespace every process on the host shares, not whatever private
// namespace this process happens to have been started in. The returned
// restore func must be deferred to switch back before the thread is
// released to the Go scheduler.
func escapeToGlobalMountNamespace() (restore func(), err error) {
	runtime.LockOSThread()

	self, err := os.Open("/proc/self/ns/mnt")
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("open current mount namespace: %w", err)
	}

	target, err := os.Open("/proc/1/ns/mnt")
	if err != nil {
		self.Close() //nolint:errcheck
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("open pid 1 mount namespace: %w", err)
	}
	defer target.Close() //nolint:errcheck

	if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNS); err != nil {
		self.Close() //nolint:errcheck
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("setns into pid 1 mount namespace: %w", err)
	}

	return func() {
		_ = unix.Setns(int(self.Fd()), unix.CLONE_NEWNS)
		_ = self.Close()
		runtime.UnlockOSThread()
	}, nil
}

// bindMountRunOntoItself bind-mounts /run onto itself. Once the calling
// thread has escaped into the global mount namespace, this ensures
// subsequent mounts under /run (in particular /run/nextroot) are visible
// there rather than shadowed by a private /run this process may have
// inherited.
func bindMountRunOntoItself() error {
	return bindMount("/run", "/run")
}

func bindMount(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s onto %s: %w", src, dst, err)
	}
	return nil
}

func unmountDetach(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach-unmount %s: %w", target, err)
	}
	return nil
}

// isMounted reports whether target is itself a mount point, by scanning
// /proc/self/mountinfo for an entry whose mount point field equals target.
func isMounted(target string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, fmt.Errorf("open /proc/self/mountinfo: %w", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if fields[4] == target {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("scan /proc/self/mountinfo: %w", err)
	}
	return false, nil
}
