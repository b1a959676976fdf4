// Package status reconstructs the host's deployment view: which
// deployment is booted, staged, or a rollback candidate, and whether each
// non-booted deployment is eligible for a soft reboot. It is a pure
// function of its inputs (kernel command line, mount source, and on-disk
// deployment/loader state) and never mutates anything. It does not repair
// a deployment whose origin lacks a boot digest; such a deployment is never
// reported as soft-reboot-capable.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/deploystate"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// ErrInconsistentRollback is returned when more than one deployment is a
// candidate for the rollback slot — the bootloader knows about it, but it
// is neither booted nor staged.
var ErrInconsistentRollback = fmt.Errorf("status: more than one rollback-candidate deployment found")

// CmdlineToken is the recognised kernel command line token name.
const CmdlineToken = "composefs"

// ParseCmdline extracts the composefs=[?]<digest> token from a raw kernel
// command line. insecure is true when the value carries the leading '?'.
func ParseCmdline(cmdline string) (digest string, insecure bool, found bool) {
	for _, field := range strings.Fields(cmdline) {
		k, v, ok := strings.Cut(field, "=")
		if !ok || k != CmdlineToken {
			continue
		}
		if strings.HasPrefix(v, "?") {
			return strings.TrimPrefix(v, "?"), true, true
		}
		return v, false, true
	}
	return "", false, false
}

// ReadProcCmdline reads the live kernel command line.
func ReadProcCmdline() (string, error) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", fmt.Errorf("read /proc/cmdline: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadRootMountSource returns the source field of the "/" entry in
// /proc/self/mountinfo.
func ReadRootMountSource() (string, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/mountinfo: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		// mountinfo format: ... mount-point ... - fstype source options
		dashIdx := -1
		for i, f := range fields {
			if f == "-" {
				dashIdx = i
				break
			}
		}
		if dashIdx < 0 || dashIdx+2 >= len(fields) {
			continue
		}
		mountPoint := fields[4]
		if mountPoint == "/" {
			return fields[dashIdx+2], nil
		}
	}
	return "", fmt.Errorf("read root mount source: no \"/\" entry in mountinfo")
}

// Compute reconstructs the HostView from the supplied cmdline and root
// mount source (pass the live values from ReadProcCmdline/
// ReadRootMountSource, or fixed ones in tests).
func Compute(ctx context.Context, cfg *config.Config, cmdline, rootMountSource string) (*types.HostView, error) {
	logger := log.WithFunc("status.Compute")

	cmdlineDigest, _, found := ParseCmdline(cmdline)
	if !found {
		return nil, fmt.Errorf("status: no %s= token on kernel command line", CmdlineToken)
	}

	bootedID := cmdlineDigest
	if suffix, ok := strings.CutPrefix(rootMountSource, "composefs:"); ok && suffix != cmdlineDigest {
		logger.Infof(ctx, "root mount source %s differs from cmdline digest %s: soft reboot already applied", rootMountSource, cmdlineDigest)
		bootedID = suffix
	}

	ids, err := deploystate.List(cfg)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	stagedID, hasStaged, err := deploystate.StagedDeployment(cfg)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	loaderOrder, err := readLoaderOrder(cfg)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	knownToLoader := make(map[string]struct{}, len(loaderOrder))
	for _, id := range loaderOrder {
		knownToLoader[id] = struct{}{}
	}

	view := &types.HostView{}
	view.Status.RollbackQueued = len(loaderOrder) > 0 && loaderOrder[0] != bootedID

	entries := make(map[string]types.BootEntry, len(ids))
	for _, id := range ids {
		entry, err := buildEntry(cfg, id)
		if err != nil {
			logger.Warnf(ctx, "skip deployment %s: %v", id, err)
			continue
		}
		entries[id] = entry
	}

	var bootedEntry *types.BootEntry
	if e, ok := entries[bootedID]; ok {
		e.Classification = types.ClassificationBooted
		entries[bootedID] = e
		bootedEntry = &e
	}

	var rollbackCandidate string
	for id := range entries {
		if id == bootedID || id == stagedID {
			continue
		}
		if _, ok := knownToLoader[id]; !ok {
			continue
		}
		if rollbackCandidate != "" {
			return nil, fmt.Errorf("%w: %s and %s", ErrInconsistentRollback, rollbackCandidate, id)
		}
		rollbackCandidate = id
	}

	for id, e := range entries {
		switch {
		case id == bootedID:
			e.Classification = types.ClassificationBooted
		case hasStaged && id == stagedID:
			e.Classification = types.ClassificationStaged
		case id == rollbackCandidate:
			e.Classification = types.ClassificationRollback
		default:
			e.Classification = types.ClassificationOther
		}
		if bootedEntry != nil && id != bootedID {
			e.SoftRebootCapable = softRebootCapable(e, *bootedEntry)
		}
		entries[id] = e

		switch e.Classification {
		case types.ClassificationBooted:
			v := e
			view.Status.Booted = &v
		case types.ClassificationStaged:
			v := e
			view.Status.Staged = &v
		case types.ClassificationRollback:
			v := e
			view.Status.Rollback = &v
		default:
			view.Status.Other = append(view.Status.Other, e)
		}
	}
	sort.Slice(view.Status.Other, func(i, j int) bool { return view.Status.Other[i].ID < view.Status.Other[j].ID })

	if view.Status.Booted != nil {
		view.Spec.Image = view.Status.Booted.ImageRef
	}
	view.Spec.BootOrder = types.BootOrderDefault
	if view.Status.RollbackQueued {
		view.Spec.BootOrder = types.BootOrderRollback
	}

	return view, nil
}

func buildEntry(cfg *config.Config, id string) (types.BootEntry, error) {
	origin, err := deploystate.ReadOrigin(cfg, id)
	if err != nil {
		return types.BootEntry{}, err
	}
	return types.BootEntry{
		ID:         id,
		ImageRef:   origin.Container,
		Scheme:     types.BootScheme(origin.BootType),
		BootDigest: origin.BootDigest,
		Cmdline:    origin.Cmdline,
	}, nil
}

// softRebootCapable reports whether candidate shares the booted entry's
// boot digest and differs from its command line only in the composefs=
// token.
func softRebootCapable(candidate, booted types.BootEntry) bool {
	return candidate.BootDigest != "" &&
		candidate.BootDigest == booted.BootDigest &&
		stripCmdlineToken(candidate.Cmdline) == stripCmdlineToken(booted.Cmdline)
}

// stripCmdlineToken removes the composefs=<id> (or composefs=?<id>) field
// from a kernel command line, leaving the remaining fields in order and
// space-joined, so two otherwise-identical command lines that differ only
// in which deployment they boot compare equal.
func stripCmdlineToken(cmdline string) string {
	fields := strings.Fields(cmdline)
	kept := fields[:0]
	for _, f := range fields {
		if k, _, ok := strings.Cut(f, "="); ok && k == CmdlineToken {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// readLoaderOrder reads BLS/systemd-boot .conf entries (shared directory
// for both in this layout) and returns deployment IDs ordered newest-first
// by their sort-key field, which is the order the loader presents them in.
func readLoaderOrder(cfg *config.Config) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(cfg.BLSEntriesDir(), "*.conf"))
	if err != nil {
		return nil, fmt.Errorf("glob loader entries: %w", err)
	}
	type entry struct {
		id      string
		sortKey string
	}
	var parsed []entry
	for _, m := range matches {
		data, err := os.ReadFile(m) //nolint:gosec // loader-owned path
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(m), ".conf")
		sortKey := ""
		for _, line := range strings.Split(string(data), "\n") {
			if k, v, ok := strings.Cut(strings.TrimSpace(line), " "); ok && k == "sort-key" {
				sortKey = v
			}
		}
		parsed = append(parsed, entry{id: id, sortKey: sortKey})
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].sortKey < parsed[j].sortKey })

	ids := make([]string, len(parsed))
	for i, e := range parsed {
		ids[i] = e.id
	}
	return ids, nil
}
