// Package deploystate persists the on-disk record of each deployment: its
// mutable /etc copy, its shared /var symlink, the origin descriptor
// recording how it was built, and the JSON snapshot of the image metadata
// captured at pull time. Creating one is an all-or-nothing commit; the
// transient staged-deployment marker is written last so a crash midway
// leaves nothing that Status Engine will mistake for a staged deployment.
package deploystate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/bootc-composefs/utils"
	"github.com/projecteru2/core/log"
)

// ErrNotFound is returned when a deployment ID has no recorded state.
var ErrNotFound = fmt.Errorf("deploystate: deployment not found")

// Origin is the descriptor recorded alongside a deployment: which
// container reference it was built from and which boot scheme/digest BAM
// produced for it.
type Origin struct {
	Container  string
	BootType   string
	BootDigest string
	Cmdline    string
}

// ImgInfo is the JSON snapshot of image metadata captured at pull time.
type ImgInfo struct {
	ImageConfiguration v1.ConfigFile `json:"imageConfiguration"`
	ImageManifest      v1.Manifest   `json:"imageManifest"`
}

// Commit writes a new deployment's on-disk state: the /etc copy, the /var
// symlink, the origin descriptor, and the imginfo snapshot, then — last —
// the staged-deployment marker. Any failure before the marker write leaves
// only GC-eligible partial state behind.
func Commit(ctx context.Context, cfg *config.Config, or *objectrepo.Repo, treeID types.Hash, origin Origin, info ImgInfo, markStaged bool) error {
	logger := log.WithFunc("deploystate.Commit")
	if err := cfg.EnsureDeployStateDirs(); err != nil {
		return fmt.Errorf("deploystate commit: %w", err)
	}

	id := treeID.String()
	dir := cfg.DeployDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // deployment directory, world-traversable
		return fmt.Errorf("deploystate commit: create %s: %w", dir, err)
	}

	tree, err := or.Mount(ctx, treeID)
	if err != nil {
		return fmt.Errorf("deploystate commit: mount %s: %w", id, err)
	}
	if err := copyEtc(filepath.Join(tree, "etc"), cfg.DeployEtcDir(id)); err != nil {
		return fmt.Errorf("deploystate commit: copy etc: %w", err)
	}

	if err := ensureVarLink(cfg, id); err != nil {
		return fmt.Errorf("deploystate commit: %w", err)
	}

	if err := WriteOrigin(cfg, id, origin); err != nil {
		return fmt.Errorf("deploystate commit: %w", err)
	}

	if err := writeImgInfo(cfg, id, info); err != nil {
		return fmt.Errorf("deploystate commit: %w", err)
	}

	if markStaged {
		if err := SetStagedDeployment(cfg, id); err != nil {
			return fmt.Errorf("deploystate commit: %w", err)
		}
	}
	logger.Infof(ctx, "committed deployment %s (staged=%v)", id, markStaged)
	return nil
}

func ensureVarLink(cfg *config.Config, id string) error {
	if err := os.MkdirAll(cfg.VarDir(), 0o755); err != nil { //nolint:gosec
		return fmt.Errorf("create shared var dir: %w", err)
	}
	link := cfg.DeployVarLink(id)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	return os.Symlink(cfg.VarDir(), link)
}

// copyEtc recursively copies src (the assembled tree's /etc) into dst,
// preserving symlinks and regular file contents.
func copyEtc(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755) //nolint:gosec // mirrors source tree permissions intentionally loosely
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		in, err := os.Open(path) //nolint:gosec // path from a mounted, content-addressed tree
		if err != nil {
			return err
		}
		defer in.Close() //nolint:errcheck
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()) //nolint:gosec
		if err != nil {
			return err
		}
		defer out.Close() //nolint:errcheck
		_, err = io.Copy(out, in)
		return err
	})
}

// WriteOrigin atomically rewrites the full origin descriptor for id.
func WriteOrigin(cfg *config.Config, id string, o Origin) error {
	var b strings.Builder
	fmt.Fprintf(&b, "container=%s\n", o.Container)
	fmt.Fprintf(&b, "boot.type=%s\n", o.BootType)
	fmt.Fprintf(&b, "boot.digest=%s\n", o.BootDigest)
	fmt.Fprintf(&b, "cmdline=%s\n", o.Cmdline)
	return atomicWrite(cfg.DeployOriginFile(id), []byte(b.String()))
}

// ReadOrigin parses the origin descriptor for id.
func ReadOrigin(cfg *config.Config, id string) (Origin, error) {
	data, err := os.ReadFile(cfg.DeployOriginFile(id)) //nolint:gosec // repo-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return Origin{}, fmt.Errorf("read origin %s: %w", id, ErrNotFound)
		}
		return Origin{}, fmt.Errorf("read origin %s: %w", id, err)
	}
	var o Origin
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "container":
			o.Container = v
		case "boot.type":
			o.BootType = v
		case "boot.digest":
			o.BootDigest = v
		case "cmdline":
			o.Cmdline = v
		}
	}
	return o, nil
}

// UpdateOrigin rewrites a single key in the origin descriptor, preserving
// the others, and writes the result atomically.
func UpdateOrigin(cfg *config.Config, id, key, value string) error {
	o, err := ReadOrigin(cfg, id)
	if err != nil {
		return err
	}
	switch key {
	case "container":
		o.Container = value
	case "boot.type":
		o.BootType = value
	case "boot.digest":
		o.BootDigest = value
	case "cmdline":
		o.Cmdline = value
	default:
		return fmt.Errorf("update origin: unknown key %q", key)
	}
	return WriteOrigin(cfg, id, o)
}

func writeImgInfo(cfg *config.Config, id string, info ImgInfo) error {
	return atomicWriteJSON(cfg.DeployImgInfoFile(id), info)
}

// ReadImgInfo loads the imginfo snapshot for id.
func ReadImgInfo(cfg *config.Config, id string) (ImgInfo, error) {
	data, err := os.ReadFile(cfg.DeployImgInfoFile(id)) //nolint:gosec // repo-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return ImgInfo{}, fmt.Errorf("read imginfo %s: %w", id, ErrNotFound)
		}
		return ImgInfo{}, fmt.Errorf("read imginfo %s: %w", id, err)
	}
	var info ImgInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ImgInfo{}, fmt.Errorf("parse imginfo %s: %w", id, err)
	}
	return info, nil
}

// SetStagedDeployment writes the transient marker recording which
// deployment is staged for the next boot. Always the last write of a
// commit.
func SetStagedDeployment(cfg *config.Config, id string) error {
	path := cfg.StagedDeploymentMarker()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec
		return fmt.Errorf("set staged deployment: %w", err)
	}
	return atomicWrite(path, []byte(id))
}

// StagedDeployment reads the transient staged-deployment marker, if any.
func StagedDeployment(cfg *config.Config) (string, bool, error) {
	data, err := os.ReadFile(cfg.StagedDeploymentMarker()) //nolint:gosec // transient runtime marker
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read staged deployment marker: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// ClearStagedDeployment removes the transient marker, e.g. after a soft
// reboot reset.
func ClearStagedDeployment(cfg *config.Config) error {
	err := os.Remove(cfg.StagedDeploymentMarker())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear staged deployment marker: %w", err)
	}
	return nil
}

// List enumerates every deployment ID with recorded state.
func List(cfg *config.Config) ([]string, error) {
	entries, err := os.ReadDir(cfg.DeployBaseDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Remove deletes a deployment's entire state directory. Callers must have
// already confirmed it is neither booted nor staged.
func Remove(cfg *config.Config, id string) error {
	if err := os.RemoveAll(cfg.DeployDir(id)); err != nil {
		return fmt.Errorf("remove deployment %s: %w", id, err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	return utils.AtomicWriteFile(path, data, 0o644)
}

func atomicWriteJSON(path string, v any) error {
	return utils.AtomicWriteJSON(path, v)
}
