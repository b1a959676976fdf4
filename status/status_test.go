package status

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/deploystate"
)

func TestParseCmdline(t *testing.T) {
	cases := []struct {
		cmdline  string
		digest   string
		insecure bool
		found    bool
	}{
		{"console=ttyS0 composefs=abc123 quiet", "abc123", false, true},
		{"composefs=?abc123", "abc123", true, true},
		{"console=ttyS0", "", false, false},
	}
	for _, c := range cases {
		digest, insecure, found := ParseCmdline(c.cmdline)
		if digest != c.digest || insecure != c.insecure || found != c.found {
			t.Fatalf("ParseCmdline(%q) = (%q, %v, %v), want (%q, %v, %v)",
				c.cmdline, digest, insecure, found, c.digest, c.insecure, c.found)
		}
	}
}

func setupDeployment(t *testing.T, cfg *config.Config, id, container string) {
	t.Helper()
	setupDeploymentWithCmdline(t, cfg, id, container, "digest-"+id, "composefs="+id)
}

func setupDeploymentWithCmdline(t *testing.T, cfg *config.Config, id, container, bootDigest, cmdline string) {
	t.Helper()
	if err := cfg.EnsureDeployStateDirs(); err != nil {
		t.Fatalf("EnsureDeployStateDirs: %v", err)
	}
	if err := os.MkdirAll(cfg.DeployDir(id), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	origin := deploystate.Origin{Container: container, BootType: "bls", BootDigest: bootDigest, Cmdline: cmdline}
	if err := deploystate.WriteOrigin(cfg, id, origin); err != nil {
		t.Fatalf("WriteOrigin: %v", err)
	}
}

func writeLoaderEntry(t *testing.T, cfg *config.Config, id, sortKey string) {
	t.Helper()
	if err := cfg.EnsureBootLoaderDirs(); err != nil {
		t.Fatalf("EnsureBootLoaderDirs: %v", err)
	}
	content := fmt.Sprintf("title %s\nsort-key %s\n", id, sortKey)
	if err := os.WriteFile(cfg.BLSEntryFile(id), []byte(content), 0o644); err != nil {
		t.Fatalf("write loader entry: %v", err)
	}
}

func TestComputeClassifiesBootedStagedRollback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()

	setupDeployment(t, cfg, "booted000", "registry.example/base:v1")
	setupDeployment(t, cfg, "staged0000", "registry.example/base:v2")
	setupDeployment(t, cfg, "rollback00", "registry.example/base:v0")

	writeLoaderEntry(t, cfg, "rollback00", "00000000000000000001")
	writeLoaderEntry(t, cfg, "booted000", "00000000000000000010")

	if err := deploystate.SetStagedDeployment(cfg, "staged0000"); err != nil {
		t.Fatalf("SetStagedDeployment: %v", err)
	}

	view, err := Compute(context.Background(), cfg, "composefs=booted000", "composefs:booted000")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if view.Status.Booted == nil || view.Status.Booted.ID != "booted000" {
		t.Fatalf("expected booted000, got %+v", view.Status.Booted)
	}
	if view.Status.Staged == nil || view.Status.Staged.ID != "staged0000" {
		t.Fatalf("expected staged0000, got %+v", view.Status.Staged)
	}
	if view.Status.Rollback == nil || view.Status.Rollback.ID != "rollback00" {
		t.Fatalf("expected rollback00, got %+v", view.Status.Rollback)
	}
	if !view.Status.RollbackQueued {
		t.Fatalf("expected rollback_queued=true since rollback00 sorts before booted000")
	}
}

func TestComputeDetectsSoftRebootSwap(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	setupDeployment(t, cfg, "oldroot000", "registry.example/base:v1")
	setupDeployment(t, cfg, "newroot000", "registry.example/base:v2")

	view, err := Compute(context.Background(), cfg, "composefs=oldroot000", "composefs:newroot000")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if view.Status.Booted == nil || view.Status.Booted.ID != "newroot000" {
		t.Fatalf("expected effective booted ID newroot000 from mount source, got %+v", view.Status.Booted)
	}
}

func TestComputeSoftRebootCapableRequiresMatchingCmdline(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()

	setupDeploymentWithCmdline(t, cfg, "booted0000", "registry.example/base:v1", "shared-digest", "composefs=booted0000 console=ttyS0")
	setupDeploymentWithCmdline(t, cfg, "matching00", "registry.example/base:v2", "shared-digest", "composefs=matching00 console=ttyS0")
	setupDeploymentWithCmdline(t, cfg, "differing0", "registry.example/base:v3", "shared-digest", "composefs=differing0 console=ttyS0 selinux=0")

	view, err := Compute(context.Background(), cfg, "composefs=booted0000", "composefs:booted0000")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	found := map[string]bool{}
	for _, e := range view.Status.Other {
		found[e.ID] = e.SoftRebootCapable
	}
	if !found["matching00"] {
		t.Fatalf("expected matching00 to be soft-reboot-capable (same digest, cmdline equal modulo composefs= token)")
	}
	if found["differing0"] {
		t.Fatalf("expected differing0 to NOT be soft-reboot-capable (extra selinux=0 token)")
	}
}

func TestComputeInconsistentRollback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	setupDeployment(t, cfg, "booted000", "a:1")
	setupDeployment(t, cfg, "extra00001", "a:2")
	setupDeployment(t, cfg, "extra00002", "a:3")
	writeLoaderEntry(t, cfg, "booted000", "00000000000000000001")
	writeLoaderEntry(t, cfg, "extra00001", "00000000000000000002")
	writeLoaderEntry(t, cfg, "extra00002", "00000000000000000003")

	_, err := Compute(context.Background(), cfg, "composefs=booted000", "composefs:booted000")
	if err == nil {
		t.Fatalf("expected inconsistent rollback error")
	}
}
