package config

import (
	"path/filepath"

	"github.com/projecteru2/bootc-composefs/utils"
)

// EnsureBootLoaderDirs creates the loader directories for both supported
// schemes (bls, uki) so BAM never needs to mkdir on the hot path. The GRUB
// directory is not created here: its presence is how the UKI path tells
// that GRUB, not systemd-boot, is the loader in effect.
func (c *Config) EnsureBootLoaderDirs() error {
	return utils.EnsureDirs(
		c.BLSEntriesDir(),
		c.BLSStagedEntriesDir(),
		c.BLSKernelBaseDir(),
		c.UKIEntriesDir(),
	)
}

// --- BLS (Boot Loader Specification type-1) ---

func (c *Config) loaderDir() string { return filepath.Join(c.BootDir, "loader") }

// BLSEntriesDir holds finalized type-1 entries.
func (c *Config) BLSEntriesDir() string { return filepath.Join(c.loaderDir(), "entries") }

// BLSStagedEntriesDir holds entries written for a commit not yet finalized;
// promoted to BLSEntriesDir at finalize time.
func (c *Config) BLSStagedEntriesDir() string { return filepath.Join(c.loaderDir(), "entries.staged") }

// BLSEntryFile returns the path of the .conf file for id.
func (c *Config) BLSEntryFile(id string) string {
	return filepath.Join(c.BLSEntriesDir(), id+".conf")
}

func (c *Config) BLSStagedEntryFile(id string) string {
	return filepath.Join(c.BLSStagedEntriesDir(), id+".conf")
}

// BLSKernelBaseDir is /boot; kernel+initrd live under BLSKernelBaseDir/<ID>/.
func (c *Config) BLSKernelBaseDir() string { return c.BootDir }

func (c *Config) BLSKernelDir(id string) string {
	return filepath.Join(c.BootDir, id)
}

func (c *Config) BLSVmlinuzPath(id string) string {
	return filepath.Join(c.BLSKernelDir(id), "vmlinuz")
}

func (c *Config) BLSInitrdPath(id string) string {
	return filepath.Join(c.BLSKernelDir(id), "initramfs.img")
}

// --- UKI (Unified Kernel Image) ---

// UKIEntriesDir is the ESP-visible directory UKIs are written under.
func (c *Config) UKIEntriesDir() string {
	return filepath.Join(c.BootDir, "EFI", "Linux")
}

func (c *Config) UKIPath(id string) string {
	return filepath.Join(c.UKIEntriesDir(), id+".efi")
}

// GRUBUserCfgPath is the GRUB menu fragment chainloading the UKI; its staged
// sibling lives at GRUBUserCfgPath+".staged".
func (c *Config) GRUBUserCfgPath() string {
	return filepath.Join(c.BootDir, "grub2", "user.cfg")
}

func (c *Config) GRUBUserCfgStagedPath() string {
	return c.GRUBUserCfgPath() + ".staged"
}

// SystemdBootEntryFile is the systemd-boot-compatible type-1 EFI entry for
// a UKI deployment (an alternative to GRUB chainloading).
func (c *Config) SystemdBootEntryFile(id string) string {
	return filepath.Join(c.BLSEntriesDir(), id+".conf")
}
