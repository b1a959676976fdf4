package config

import (
	"os"
	"path/filepath"

	"github.com/projecteru2/bootc-composefs/utils"
)

// EnsureObjectRepoDirs creates all directories required by the object
// repository.
func (c *Config) EnsureObjectRepoDirs() error {
	return utils.EnsureDirs(
		c.ObjectsDir(),
		c.ObjectsTempDir(),
		c.StreamsDir(),
	)
}

func (c *Config) objectRepoDir() string { return filepath.Join(c.RootDir, "objects") }

// ObjectsDir holds immutable content-addressed objects, named by hex hash.
func (c *Config) ObjectsDir() string { return filepath.Join(c.objectRepoDir(), "by-hash") }

// ObjectsTempDir holds O_TMPFILE-style scratch files prior to linking into
// ObjectsDir. On platforms without O_TMPFILE support this is where the
// fallback temp-then-rename path writes before the final rename.
func (c *Config) ObjectsTempDir() string { return filepath.Join(c.objectRepoDir(), "tmp") }

// StreamsDir maps named stream pointers (e.g. a layer diff-id, a manifest
// reference) to the Hash of the split-stream object they currently resolve
// to.
func (c *Config) StreamsDir() string { return filepath.Join(c.objectRepoDir(), "streams") }

// ObjectPath returns the path an object with the given hex hash is stored
// at once published.
func (c *Config) ObjectPath(hex string) string {
	return filepath.Join(c.ObjectsDir(), hex)
}

// StreamPath returns the path of a named stream pointer file. Names are
// escaped with EscapeStreamName so every valid Hash, and every caller-chosen
// stream name, is a valid single path component.
func (c *Config) StreamPath(name string) string {
	return filepath.Join(c.StreamsDir(), EscapeStreamName(name))
}

// EscapeStreamName canonically escapes name so it is safe to use as a single
// filesystem path component: '/' becomes "%2F" and '%' becomes "%25". Hash
// strings (lowercase hex) are already valid names and round-trip unchanged.
func EscapeStreamName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '%':
			out = append(out, '%', '2', '5')
		case '/':
			out = append(out, '%', '2', 'F')
		default:
			out = append(out, name[i])
		}
	}
	return string(out)
}

// MountBaseDir is where OR.Mount materialises a content-addressed tree for
// a given ID (e.g. under /run for a soft-reboot target, or a scratch dir
// for read-only inspection).
func (c *Config) MountBaseDir() string {
	return filepath.Join(c.RunDir, "bootc-composefs", "mounts")
}

func (c *Config) MountPath(id string) string {
	return filepath.Join(c.MountBaseDir(), id)
}

// ObjectExists reports whether an object with the given hex hash exists.
func (c *Config) ObjectExists(hex string) bool {
	info, err := os.Stat(c.ObjectPath(hex))
	return err == nil && info.Mode().IsRegular()
}
