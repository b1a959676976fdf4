package softreboot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
)

func testDriver(t *testing.T) *Driver {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	or, err := objectrepo.Open(context.Background(), cfg, objectrepo.ModeStrict)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(cfg, or)
}

func TestProbeCapable(t *testing.T) {
	dir := t.TempDir()

	systemd := filepath.Join(dir, "systemd-comm")
	if err := os.WriteFile(systemd, []byte("systemd\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// systemctl may or may not be on PATH in a test sandbox; only assert
	// that a non-systemd comm file is never capable, regardless of PATH.
	other := filepath.Join(dir, "other-comm")
	if err := os.WriteFile(other, []byte("init\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	capable, err := probeCapable(other)
	if err != nil {
		t.Fatalf("probeCapable: %v", err)
	}
	if capable {
		t.Fatalf("expected not capable when pid 1 is not systemd")
	}

	missing := filepath.Join(dir, "does-not-exist")
	capable, err = probeCapable(missing)
	if err != nil {
		t.Fatalf("probeCapable missing file: %v", err)
	}
	if capable {
		t.Fatalf("expected not capable when comm file is absent")
	}
}

func TestPrepareRefusesSameTarget(t *testing.T) {
	d := testDriver(t)
	id := types.HashBytes([]byte("deployment"))
	err := d.Prepare(context.Background(), PrepareOpts{
		TargetID:          id,
		BootedID:          id.String(),
		SoftRebootCapable: true,
		SELinuxCompatible: true,
	})
	if err == nil {
		t.Fatalf("expected refusal for target == booted")
	}
}

func TestPrepareRefusesWhenNotSoftRebootCapable(t *testing.T) {
	d := testDriver(t)
	id := types.HashBytes([]byte("deployment"))
	err := d.Prepare(context.Background(), PrepareOpts{
		TargetID:          id,
		BootedID:          "different",
		SoftRebootCapable: false,
		SELinuxCompatible: true,
	})
	if err == nil {
		t.Fatalf("expected refusal when not soft-reboot-capable")
	}
}

func TestPrepareRefusesOnSELinuxMismatch(t *testing.T) {
	d := testDriver(t)
	id := types.HashBytes([]byte("deployment"))
	err := d.Prepare(context.Background(), PrepareOpts{
		TargetID:          id,
		BootedID:          "different",
		SoftRebootCapable: true,
		SELinuxCompatible: false,
	})
	if err == nil {
		t.Fatalf("expected refusal on SELinux mismatch")
	}
}

func TestResetNoopWhenNothingStaged(t *testing.T) {
	d := testDriver(t)
	if err := d.Reset(context.Background()); err != nil {
		t.Fatalf("Reset on clean state: %v", err)
	}
}

func TestBuildCmdline(t *testing.T) {
	got := buildCmdline("abc123", []string{"quiet", "console=ttyS0"})
	want := "composefs=abc123 quiet console=ttyS0"
	if got != want {
		t.Fatalf("buildCmdline = %q, want %q", got, want)
	}
}
