// Package softreboot prepares and executes a kexec-free "soft reboot":
// materialising a target deployment under /run/nextroot and handing off to
// the init system's userspace-only restart, skipping the firmware/kernel
// reload a full reboot would pay for.
package softreboot

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/lock"
	"github.com/projecteru2/bootc-composefs/lock/flock"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// ErrInitNotCapable is returned when the running init system does not
// support userspace-only restart.
var ErrInitNotCapable = fmt.Errorf("softreboot: init system does not support soft reboot")

// ErrRefused is returned when the precondition checks the caller must run
// before Prepare (target != booted, soft_reboot_capable, SELinux
// compatibility) have not been satisfied.
var ErrRefused = fmt.Errorf("softreboot: refused")

const initCommPath = "/proc/1/comm"

// Driver prepares and drives the soft-reboot handoff.
type Driver struct {
	cfg  *config.Config
	or   *objectrepo.Repo
	lock lock.Locker
}

// New creates a Driver guarded by the same process-wide commit lock the
// deployment manager uses, since /run/nextroot is a shared resource that
// requires the commit lock for both creation and reset.
func New(cfg *config.Config, or *objectrepo.Repo) *Driver {
	return &Driver{cfg: cfg, or: or, lock: flock.New(cfg.CommitLockFile())}
}

// PrepareOpts carries the caller's precomputed gating decisions — SRD does
// not itself read the status engine or run the SELinux check, so those
// packages are exercised once by the caller rather than re-derived here.
type PrepareOpts struct {
	TargetID          types.Hash
	BootedID          string
	SoftRebootCapable bool
	SELinuxCompatible bool
	ExtraCmdline      []string
	DryRun            bool
}

// Prepare stages /run/nextroot for a soft reboot into TargetID. On success
// with DryRun=false, the init system has been asked to perform the
// handoff; on DryRun=true, nextroot is staged but untouched by init.
func (d *Driver) Prepare(ctx context.Context, opts PrepareOpts) error {
	logger := log.WithFunc("softreboot.Prepare")

	targetStr := opts.TargetID.String()
	if targetStr == opts.BootedID {
		return fmt.Errorf("%w: target %s is already booted", ErrRefused, targetStr)
	}
	if !opts.SoftRebootCapable {
		return fmt.Errorf("%w: %s is not soft-reboot-capable (different kernel state)", ErrRefused, targetStr)
	}
	if !opts.SELinuxCompatible {
		return fmt.Errorf("%w: SELinux policy mismatch between booted and %s", ErrRefused, targetStr)
	}

	capable, err := ProbeCapable()
	if err != nil {
		return fmt.Errorf("prepare soft reboot: %w", err)
	}
	if !capable {
		return ErrInitNotCapable
	}

	if err := d.lock.Lock(ctx); err != nil {
		return fmt.Errorf("prepare soft reboot: %w", err)
	}
	defer d.lock.Unlock(ctx) //nolint:errcheck

	restore, err := escapeToGlobalMountNamespace()
	if err != nil {
		return fmt.Errorf("prepare soft reboot: %w", err)
	}
	defer restore()

	if err := bindMountRunOntoItself(); err != nil {
		return fmt.Errorf("prepare soft reboot: %w", err)
	}

	tree, err := d.or.Mount(ctx, opts.TargetID)
	if err != nil {
		return fmt.Errorf("prepare soft reboot: mount %s: %w", targetStr, err)
	}

	nextroot := d.cfg.NextRootDir()
	if err := os.MkdirAll(nextroot, 0o755); err != nil { //nolint:gosec // next root of the OS, world-traversable like /
		return fmt.Errorf("prepare soft reboot: create %s: %w", nextroot, err)
	}
	if err := bindMount(tree, nextroot); err != nil {
		return fmt.Errorf("prepare soft reboot: mount %s onto %s: %w", tree, nextroot, err)
	}

	cmdline := buildCmdline(targetStr, opts.ExtraCmdline)
	if err := writeCmdline(nextroot, cmdline); err != nil {
		return fmt.Errorf("prepare soft reboot: %w", err)
	}

	logger.Infof(ctx, "staged soft reboot into %s at %s (dry-run=%v)", targetStr, nextroot, opts.DryRun)
	if opts.DryRun {
		return nil
	}
	return execSoftReboot(ctx)
}

// Reset detaches and removes /run/nextroot if a soft reboot is staged.
// Doing nothing when nothing is staged is not an error.
func (d *Driver) Reset(ctx context.Context) error {
	if err := d.lock.Lock(ctx); err != nil {
		return fmt.Errorf("reset soft reboot: %w", err)
	}
	defer d.lock.Unlock(ctx) //nolint:errcheck

	nextroot := d.cfg.NextRootDir()
	if _, err := os.Stat(nextroot); os.IsNotExist(err) {
		return nil
	}

	if mounted, err := isMounted(nextroot); err != nil {
		return fmt.Errorf("reset soft reboot: %w", err)
	} else if mounted {
		if err := unmountDetach(nextroot); err != nil {
			return fmt.Errorf("reset soft reboot: %w", err)
		}
	}
	if err := os.Remove(nextroot); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset soft reboot: remove %s: %w", nextroot, err)
	}
	log.WithFunc("softreboot.Reset").Infof(ctx, "cleared staged soft reboot")
	return nil
}

func buildCmdline(targetID string, extra []string) string {
	cmdline := "composefs=" + targetID
	for _, e := range extra {
		cmdline += " " + e
	}
	return cmdline
}

func writeCmdline(nextroot, cmdline string) error {
	path := nextroot + "/etc/kernel/cmdline"
	if err := os.MkdirAll(nextroot+"/etc/kernel", 0o755); err != nil { //nolint:gosec
		return fmt.Errorf("create %s: %w", nextroot+"/etc/kernel", err)
	}
	if err := os.WriteFile(path, []byte(cmdline+"\n"), 0o644); err != nil { //nolint:gosec // read by the next boot's init, not secret
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ProbeCapable reports whether the running init system supports
// userspace-only restart: PID 1 must be systemd (soft-reboot is a systemd
// feature) and the systemctl binary driving the request must be resolvable.
func ProbeCapable() (bool, error) {
	return probeCapable(initCommPath)
}

func probeCapable(commPath string) (bool, error) {
	data, err := os.ReadFile(commPath) //nolint:gosec // fixed kernel-exposed path
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", commPath, err)
	}
	if trimNewline(string(data)) != "systemd" {
		return false, nil
	}
	if _, err := exec.LookPath("systemctl"); err != nil {
		return false, nil
	}
	return true, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func execSoftReboot(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "soft-reboot")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl soft-reboot: %w", err)
	}
	return nil
}
