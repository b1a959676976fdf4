package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global host-agent configuration.
type Config struct {
	// RootDir is the base directory for persistent data (the physical
	// sysroot's state tree: objects, deployments).
	RootDir string `json:"root_dir"`
	// RunDir is the base directory for transient, tmpfs-backed state
	// (staged-deployment marker, /run/nextroot).
	RunDir string `json:"run_dir"`
	// BootDir is the ESP/boot partition mount point.
	BootDir string `json:"boot_dir"`
	// PoolSize is the goroutine pool size for concurrent layer fetch/encode.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`
	// Insecure opens the object repository without kernel-verified reads.
	// Only valid on non-production hosts that assemble digests.
	Insecure bool `json:"insecure"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults for a booted host.
func DefaultConfig() *Config {
	return &Config{
		RootDir:  "/sysroot",
		RunDir:   "/run",
		BootDir:  "/boot",
		PoolSize: runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	return cfg, nil
}
