// Package selinux checks whether a candidate deployment's SELinux policy
// is compatible with the currently booted one, a precondition the
// soft-reboot driver enforces before it will hand off to a new root
// without a full kernel reboot.
package selinux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/projecteru2/bootc-composefs/types"
)

// ErrNoPolicyFile is returned when a deployment's SELinux config names a
// type whose policy directory exists but contains no policy.<N> file.
var ErrNoPolicyFile = fmt.Errorf("selinux: no SELinux policy file found")

// Info is what one deployment's root tree reports about its SELinux
// configuration.
type Info struct {
	Enabled    bool
	Type       string // SELINUXTYPE, e.g. "targeted"
	PolicyFile string // absolute path of the highest-numbered policy.<N> found
	PolicyHash types.Hash
}

// Inspect reads /etc/selinux/config under root and, if SELinux is
// configured, hashes the highest-numbered policy.<N> file under
// etc/selinux/<type>/policy/.
func Inspect(root string) (Info, error) {
	cfgPath := filepath.Join(root, "etc", "selinux", "config")
	data, err := os.ReadFile(cfgPath) //nolint:gosec // path built from a mounted deployment root
	if err != nil {
		if os.IsNotExist(err) {
			return Info{Enabled: false}, nil
		}
		return Info{}, fmt.Errorf("read %s: %w", cfgPath, err)
	}

	seType := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == "SELINUXTYPE" {
			seType = strings.TrimSpace(v)
		}
	}
	if seType == "" {
		return Info{Enabled: false}, nil
	}

	policyDir := filepath.Join(root, "etc", "selinux", seType, "policy")
	policyFile, err := highestPolicyFile(policyDir)
	if err != nil {
		return Info{}, err
	}
	if policyFile == "" {
		return Info{}, fmt.Errorf("%w: %s", ErrNoPolicyFile, policyDir)
	}

	h, err := hashFile(policyFile)
	if err != nil {
		return Info{}, err
	}
	return Info{Enabled: true, Type: seType, PolicyFile: policyFile, PolicyHash: h}, nil
}

// highestPolicyFile returns the path of policy.<N> with the greatest
// integer N in dir, or "" if none exist.
func highestPolicyFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read policy dir %s: %w", dir, err)
	}
	var best int
	var bestName string
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := strings.CutPrefix(e.Name(), "policy.")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(n)
		if err != nil {
			continue
		}
		if !found || v > best {
			best = v
			bestName = e.Name()
			found = true
		}
	}
	if !found {
		return "", nil
	}
	return filepath.Join(dir, bestName), nil
}

func hashFile(path string) (types.Hash, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path derived from highestPolicyFile, under a mounted deployment root
	if err != nil {
		return types.Hash{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return types.HashBytes(data), nil
}

// Compatible reports whether booted and target may be soft-rebooted
// between: both must lack SELinux configuration, or both must have it
// with hash-identical policy files. Any other combination is incompatible.
func Compatible(booted, target Info) bool {
	if !booted.Enabled && !target.Enabled {
		return true
	}
	if booted.Enabled != target.Enabled {
		return false
	}
	return booted.PolicyHash == target.PolicyHash
}
