// Command bootctl is the host-agent entry point: it drives the deployment
// manager, status engine, SELinux compatibility check, and soft-reboot
// driver from a single process invoked per command, dispatching on the
// raw os.Args without a command-line framework.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/deploy"
	"github.com/projecteru2/bootc-composefs/deploystate"
	"github.com/projecteru2/bootc-composefs/export"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/progress"
	progressdeploy "github.com/projecteru2/bootc-composefs/progress/deploy"
	"github.com/projecteru2/bootc-composefs/selinux"
	"github.com/projecteru2/bootc-composefs/softreboot"
	"github.com/projecteru2/bootc-composefs/status"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

func main() {
	conf := config.DefaultConfig()
	if root := os.Getenv("BOOTCTL_ROOT"); root != "" {
		conf.RootDir = root
	}
	if run := os.Getenv("BOOTCTL_RUN"); run != "" {
		conf.RunDir = run
	}
	if cfgPath := os.Getenv("BOOTCTL_CONFIG"); cfgPath != "" {
		loaded, err := config.LoadConfig(cfgPath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		conf = loaded
	}

	if len(os.Args) < 2 {
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := log.SetupLog(ctx, conf.Log, ""); err != nil {
		fatalf("set up logging: %v", err)
	}

	mode := objectrepo.ModeStrict
	if conf.Insecure {
		mode = objectrepo.ModeInsecure
	}
	if cmdline, err := status.ReadProcCmdline(); err == nil {
		if _, insecure, found := status.ParseCmdline(cmdline); found && insecure {
			mode = objectrepo.ModeInsecure
		}
	}
	or, err := objectrepo.Open(ctx, conf, mode)
	if err != nil {
		fatalf("open object repository: %v", err)
	}

	switch os.Args[1] {
	case "status":
		cmdStatus(ctx, conf)
	case "upgrade":
		cmdInstall(ctx, conf, or, os.Args[2:], false)
	case "switch":
		cmdInstall(ctx, conf, or, os.Args[2:], true)
	case "rollback":
		cmdRollback(ctx, conf, or, os.Args[2:])
	case "boot-order":
		cmdBootOrder(ctx, conf, or, os.Args[2:])
	case "soft-reboot":
		cmdSoftReboot(ctx, conf, or, os.Args[2:])
	case "soft-reboot-reset":
		cmdSoftRebootReset(ctx, conf, or)
	case "export":
		cmdExport(ctx, or, os.Args[2:])
	case "gc":
		cmdGC(ctx, conf, or)
	default:
		fatalf("unknown command: %s", os.Args[1])
	}
}

func cmdStatus(ctx context.Context, conf *config.Config) {
	cmdline, err := status.ReadProcCmdline()
	if err != nil {
		fatalf("status: %v", err)
	}
	rootSrc, err := status.ReadRootMountSource()
	if err != nil {
		fatalf("status: %v", err)
	}
	view, err := status.Compute(ctx, conf, cmdline, rootSrc)
	if err != nil {
		fatalf("status: %v", err)
	}

	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		fatalf("status: marshal: %v", err)
	}
	fmt.Println(string(data))
}

func cmdInstall(ctx context.Context, conf *config.Config, or *objectrepo.Repo, args []string, isSwitch bool) {
	name := "upgrade"
	if isSwitch {
		name = "switch"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cmdline := fs.String("cmdline", "", "extra kernel command line arguments, space-separated")
	fs.Parse(args) //nolint:errcheck

	var imageRef string
	if isSwitch {
		if fs.NArg() == 0 {
			fatalf("usage: bootctl switch [flags] <image>")
		}
		imageRef = fs.Arg(0)
	}

	bootedID := currentBootedID(ctx, conf)
	if !isSwitch {
		if bootedID == "" {
			fatalf("upgrade: not booted from a composefs deployment")
		}
		origin, err := currentBootedImageRef(ctx, conf, bootedID)
		if err != nil {
			fatalf("upgrade: %v", err)
		}
		imageRef = origin
	}

	var extra []string
	if *cmdline != "" {
		extra = strings.Fields(*cmdline)
	}

	tracker := progress.NewTracker(func(e progressdeploy.Event) {
		switch e.Phase {
		case progressdeploy.PhasePull:
			fmt.Printf("Pulling %s (%d layers)\n", imageRef, e.Total)
		case progressdeploy.PhaseLayer:
			fmt.Printf("  [%d/%d] %s done\n", e.Index+1, e.Total, e.Digest)
		case progressdeploy.PhaseAssemble:
			fmt.Println("Assembling...")
		case progressdeploy.PhaseDone:
			fmt.Printf("Pulled: %s\n", imageRef)
		}
	})

	mgr := deploy.New(conf, or)
	outcome, err := mgr.Install(ctx, deploy.InstallOpts{
		ImageRef:     imageRef,
		BootedID:     bootedID,
		IsSwitch:     isSwitch,
		ExtraCmdline: extra,
		Tracker:      tracker,
	})
	if err != nil {
		fatalf("%s: %v", name, err)
	}

	switch outcome.Action {
	case deploy.ActionSkip:
		fmt.Printf("No changes in: %s\n", imageRef)
	case deploy.ActionUpdateOrigin:
		fmt.Printf("Image reference updated: %s\n", imageRef)
	case deploy.ActionStaged:
		fmt.Printf("Staged deployment %s (%s scheme)\n", outcome.ID, outcome.Scheme)
	}
}

func cmdRollback(ctx context.Context, conf *config.Config, or *objectrepo.Repo, args []string) {
	id := rollbackCandidateID(ctx, conf, args)
	if err := deploy.New(conf, or).Rollback(ctx, id); err != nil {
		fatalf("rollback: %v", err)
	}
	fmt.Printf("Rolled back to %s\n", id)
}

func cmdBootOrder(ctx context.Context, conf *config.Config, or *objectrepo.Repo, args []string) {
	if len(args) == 0 {
		fatalf("usage: bootctl boot-order <deployment-id>")
	}
	if err := deploy.New(conf, or).SetBootOrder(ctx, args[0]); err != nil {
		fatalf("boot-order: %v", err)
	}
	fmt.Printf("Boot order now starts at %s\n", args[0])
}

func cmdSoftReboot(ctx context.Context, conf *config.Config, or *objectrepo.Repo, args []string) {
	fs := flag.NewFlagSet("soft-reboot", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "stage but do not request the restart")
	cmdline := fs.String("cmdline", "", "extra kernel command line arguments, space-separated")
	fs.Parse(args) //nolint:errcheck
	if fs.NArg() == 0 {
		fatalf("usage: bootctl soft-reboot [flags] <deployment-id>")
	}
	targetIDStr := fs.Arg(0)
	targetID, err := types.ParseHash(targetIDStr)
	if err != nil {
		fatalf("soft-reboot: %v", err)
	}

	cmdlineRaw, err := status.ReadProcCmdline()
	if err != nil {
		fatalf("soft-reboot: %v", err)
	}
	rootSrc, err := status.ReadRootMountSource()
	if err != nil {
		fatalf("soft-reboot: %v", err)
	}
	view, err := status.Compute(ctx, conf, cmdlineRaw, rootSrc)
	if err != nil {
		fatalf("soft-reboot: %v", err)
	}
	if view.Status.Booted == nil {
		fatalf("soft-reboot: not booted from a composefs deployment")
	}

	var target *types.BootEntry
	switch {
	case view.Status.Staged != nil && view.Status.Staged.ID == targetIDStr:
		target = view.Status.Staged
	case view.Status.Rollback != nil && view.Status.Rollback.ID == targetIDStr:
		target = view.Status.Rollback
	default:
		for _, o := range view.Status.Other {
			if o.ID == targetIDStr {
				target = &o
			}
		}
	}
	if target == nil {
		fatalf("soft-reboot: %s is not a known deployment", targetIDStr)
	}

	bootedInfo, err := selinux.Inspect("/")
	if err != nil {
		fatalf("soft-reboot: inspect booted SELinux state: %v", err)
	}
	targetRoot, err := or.Mount(ctx, targetID)
	if err != nil {
		fatalf("soft-reboot: mount target: %v", err)
	}
	targetInfo, err := selinux.Inspect(targetRoot)
	if err != nil {
		fatalf("soft-reboot: inspect target SELinux state: %v", err)
	}

	var extra []string
	if *cmdline != "" {
		extra = strings.Fields(*cmdline)
	}

	drv := softreboot.New(conf, or)
	err = drv.Prepare(ctx, softreboot.PrepareOpts{
		TargetID:          targetID,
		BootedID:          view.Status.Booted.ID,
		SoftRebootCapable: target.SoftRebootCapable,
		SELinuxCompatible: selinux.Compatible(bootedInfo, targetInfo),
		ExtraCmdline:      extra,
		DryRun:            *dryRun,
	})
	if err != nil {
		fatalf("soft-reboot: %v", err)
	}
	if *dryRun {
		fmt.Printf("Staged soft reboot into %s (dry run, not applied)\n", targetIDStr)
	} else {
		fmt.Printf("Soft reboot into %s requested\n", targetIDStr)
	}
}

func cmdSoftRebootReset(ctx context.Context, conf *config.Config, or *objectrepo.Repo) {
	if err := softreboot.New(conf, or).Reset(ctx); err != nil {
		fatalf("soft-reboot-reset: %v", err)
	}
	fmt.Println("Cleared staged soft reboot")
}

func cmdExport(ctx context.Context, or *objectrepo.Repo, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Parse(args) //nolint:errcheck
	if fs.NArg() != 2 {
		fatalf("usage: bootctl export <config-stream-hash> <dest-dir>")
	}
	configStreamH, err := types.ParseHash(fs.Arg(0))
	if err != nil {
		fatalf("export: %v", err)
	}
	destDir := fs.Arg(1)

	result, err := export.Export(ctx, or, configStreamH, destDir)
	if err != nil {
		fatalf("export: %v", err)
	}
	fmt.Printf("Exported %d layers to %s\n", len(result.Manifest.Layers), destDir)
}

func cmdGC(ctx context.Context, conf *config.Config, or *objectrepo.Repo) {
	ids, err := deploymentRoots(conf)
	if err != nil {
		fatalf("gc: %v", err)
	}
	if err := or.GC(ctx, ids); err != nil {
		fatalf("gc: %v", err)
	}
	fmt.Println("GC complete")
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func deploymentRoots(conf *config.Config) ([]types.Hash, error) {
	ids, err := deploystate.List(conf)
	if err != nil {
		return nil, err
	}
	roots := make([]types.Hash, 0, len(ids))
	for _, id := range ids {
		h, err := types.ParseHash(id)
		if err != nil {
			continue
		}
		roots = append(roots, h)
	}
	return roots, nil
}

func currentBootedID(ctx context.Context, conf *config.Config) string {
	cmdline, err := status.ReadProcCmdline()
	if err != nil {
		return ""
	}
	rootSrc, err := status.ReadRootMountSource()
	if err != nil {
		return ""
	}
	view, err := status.Compute(ctx, conf, cmdline, rootSrc)
	if err != nil || view.Status.Booted == nil {
		return ""
	}
	return view.Status.Booted.ID
}

func currentBootedImageRef(ctx context.Context, conf *config.Config, bootedID string) (string, error) {
	cmdline, err := status.ReadProcCmdline()
	if err != nil {
		return "", err
	}
	rootSrc, err := status.ReadRootMountSource()
	if err != nil {
		return "", err
	}
	view, err := status.Compute(ctx, conf, cmdline, rootSrc)
	if err != nil {
		return "", err
	}
	if view.Status.Booted == nil || view.Status.Booted.ID != bootedID {
		return "", fmt.Errorf("booted deployment %s has no recorded image reference", bootedID)
	}
	return view.Status.Booted.ImageRef, nil
}

func rollbackCandidateID(ctx context.Context, conf *config.Config, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	cmdline, err := status.ReadProcCmdline()
	if err != nil {
		fatalf("rollback: %v", err)
	}
	rootSrc, err := status.ReadRootMountSource()
	if err != nil {
		fatalf("rollback: %v", err)
	}
	view, err := status.Compute(ctx, conf, cmdline, rootSrc)
	if err != nil {
		fatalf("rollback: %v", err)
	}
	if view.Status.Rollback == nil {
		fatalf("rollback: no rollback candidate deployment")
	}
	return view.Status.Rollback.ID
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintln(os.Stderr, "bootctl - composefs host agent")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage: bootctl <command> [arguments]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(w, "  status\tPrint the reconstructed host view as JSON")
	fmt.Fprintln(w, "  upgrade [-cmdline ...]\tRe-pull the booted image reference and install it")
	fmt.Fprintln(w, "  switch [-cmdline ...] <image>\tInstall a different image reference")
	fmt.Fprintln(w, "  rollback [deployment-id]\tPromote a deployment to boot first (default: current rollback candidate)")
	fmt.Fprintln(w, "  boot-order <deployment-id>\tAlias for rollback with an explicit id")
	fmt.Fprintln(w, "  soft-reboot [-dry-run] [-cmdline ...] <deployment-id>\tPrepare (and apply) a soft reboot into a deployment")
	fmt.Fprintln(w, "  soft-reboot-reset\tUnstage a prepared soft reboot")
	fmt.Fprintln(w, "  export <config-stream-hash> <dest-dir>\tRe-emit an image's layers as an OCI layout directory")
	fmt.Fprintln(w, "  gc\tRemove object repository blobs unreferenced by any deployment")
	w.Flush() //nolint:errcheck
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
