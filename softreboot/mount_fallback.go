//go:build !linux

package softreboot

import "fmt"

// errUnsupported is returned by every mount-namespace primitive on
// platforms without composefs/soft-reboot support; SRD is Linux-only by
// nature (it manipulates the kernel mount namespace directly), mirroring
// how the object repository's O_TMPFILE path is Linux-only with a
// degraded fallback elsewhere — here there is no meaningful fallback, so
// every entry point simply refuses.
var errUnsupported = fmt.Errorf("softreboot: unsupported on this platform")

func escapeToGlobalMountNamespace() (func(), error) {
	return nil, errUnsupported
}

func bindMountRunOntoItself() error {
	return errUnsupported
}

func bindMount(_, _ string) error {
	return errUnsupported
}

func unmountDetach(_ string) error {
	return errUnsupported
}

func isMounted(_ string) (bool, error) {
	return false, errUnsupported
}
