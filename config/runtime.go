package config

import "path/filepath"

const transientDir = "bootc-composefs"

// StagedDeploymentMarker is the transient file whose contents are the
// staged deployment's ID. Its presence is the sole synchronization point
// between the host agent and the init system across a reboot: the init
// system finalizes whatever ID this file names.
func (c *Config) StagedDeploymentMarker() string {
	return filepath.Join(c.RunDir, transientDir, "staged-deployment")
}

// CommitLockFile guards the process-wide commit lock serializing DM
// operations (and, transitively, BAM/DSS writes) across concurrent
// invocations.
func (c *Config) CommitLockFile() string {
	return filepath.Join(c.RunDir, transientDir, "commit.lock")
}

// NextRootDir is where SRD materialises the soft-reboot target before
// requesting userspace-only restart.
func (c *Config) NextRootDir() string {
	return filepath.Join(c.RunDir, "nextroot")
}
