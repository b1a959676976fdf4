package config

import (
	"path/filepath"

	"github.com/projecteru2/bootc-composefs/utils"
)

// EnsureAssembleDirs creates the scratch tree used while assembling a new
// image before it is encoded into the object repository.
func (c *Config) EnsureAssembleDirs() error {
	return utils.EnsureDirs(c.AssembleTempDir())
}

// AssembleTempDir holds in-progress assembled trees, one subdirectory per
// attempt, removed once that attempt's tree has been encoded (or on
// failure).
func (c *Config) AssembleTempDir() string {
	return filepath.Join(c.RootDir, "state", "assemble-tmp")
}
