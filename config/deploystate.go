package config

import (
	"path/filepath"

	"github.com/projecteru2/bootc-composefs/utils"
)

// EnsureDeployStateDirs creates the top-level deployment-state-store tree.
func (c *Config) EnsureDeployStateDirs() error {
	return utils.EnsureDirs(c.DeployBaseDir(), c.VarDir())
}

// DeployBaseDir is state/deploy/ under the physical sysroot.
func (c *Config) DeployBaseDir() string {
	return filepath.Join(c.RootDir, "state", "deploy")
}

// DeployDir returns the per-deployment directory for id.
func (c *Config) DeployDir(id string) string {
	return filepath.Join(c.DeployBaseDir(), id)
}

// DeployEtcDir is the mutable pristine-etc overlay for a deployment.
func (c *Config) DeployEtcDir(id string) string {
	return filepath.Join(c.DeployDir(id), "etc")
}

// DeployVarLink is the symlink to the shared /var under the physical sysroot.
func (c *Config) DeployVarLink(id string) string {
	return filepath.Join(c.DeployDir(id), "var")
}

// VarDir is the single shared /var all deployments symlink to.
func (c *Config) VarDir() string {
	return filepath.Join(c.RootDir, "var")
}

// DeployOriginFile is the <ID>.origin INI descriptor.
func (c *Config) DeployOriginFile(id string) string {
	return filepath.Join(c.DeployDir(id), id+".origin")
}

// DeployImgInfoFile is the <ID>.imginfo JSON snapshot of
// {ImageConfiguration, ImageManifest}. deploy.Install records only the
// image configuration captured at pull time; ImageManifest is left empty.
func (c *Config) DeployImgInfoFile(id string) string {
	return filepath.Join(c.DeployDir(id), id+".imginfo")
}

// DeployTempDir is scratch space used while assembling a new deployment
// directory before its final atomic rename into DeployDir.
func (c *Config) DeployTempDir() string {
	return filepath.Join(c.RootDir, "state", "deploy-tmp")
}
