// Package assembler synthesises an assembled deployment tree from an OCI
// image configuration and its layer set, runs the boot transform over it,
// and computes the deterministic image identifier that every other
// component addresses the deployment by.
package assembler

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/uuid"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/layercodec"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// ErrMissingLayer is returned when the config stream's lookup table has no
// entry for one of the image configuration's declared diff-ids.
var ErrMissingLayer = fmt.Errorf("assembler: layer not found for diff-id")

// ErrActiveRoot is returned by GuardNotActiveRoot when a caller attempts to
// assemble directly into the currently booted root.
var ErrActiveRoot = fmt.Errorf("assembler: refusing to operate on the active root")

// ErrBootTransform is returned when the assembled tree fails the boot
// transform's structural requirements.
var ErrBootTransform = fmt.Errorf("assembler: boot transform failed")

// Result is the outcome of a successful Assemble call.
type Result struct {
	ID     types.Hash
	Config v1.ConfigFile
}

// GuardNotActiveRoot refuses any path that resolves to the filesystem root.
// Every write path in this package targets a scratch directory under
// config.AssembleTempDir, never "/", but callers building higher-level
// operations on top of Assemble call this first as a defence-in-depth
// check against accidentally passing the live root through.
func GuardNotActiveRoot(path string) error {
	if filepath.Clean(path) == "/" {
		return ErrActiveRoot
	}
	return nil
}

// Assemble reads the OCI image configuration addressed by configStreamH,
// applies every layer named in rootfs.diff_ids (resolved through the config
// stream's lookup table) onto a fresh tree in order, runs the boot
// transform, and returns the deterministic ID of the result.
func Assemble(ctx context.Context, or *objectrepo.Repo, cfg *config.Config, configStreamH types.Hash) (*Result, error) {
	logger := log.WithFunc("assembler.Assemble")

	ss, _, err := or.OpenStream(ctx, configStreamH.String(), &configStreamH)
	if err != nil {
		return nil, fmt.Errorf("assemble: open config stream: %w", err)
	}

	raw, err := io.ReadAll(or.StreamFrameReader(ctx, ss))
	if err != nil {
		return nil, fmt.Errorf("assemble: read config stream: %w", err)
	}
	var imgCfg v1.ConfigFile
	if err := json.Unmarshal(raw, &imgCfg); err != nil {
		return nil, fmt.Errorf("assemble: parse image configuration: %w", err)
	}

	if err := cfg.EnsureAssembleDirs(); err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	staging := filepath.Join(cfg.AssembleTempDir(), uuid.NewString())
	if err := GuardNotActiveRoot(staging); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil { //nolint:gosec // root of an assembled OS tree
		return nil, fmt.Errorf("assemble: create staging dir: %w", err)
	}
	defer os.RemoveAll(staging) //nolint:errcheck

	for _, diffID := range imgCfg.RootFS.DiffIDs {
		key := types.HashBytes([]byte(diffID.String()))
		layerH, ok := ss.Lookups[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingLayer, diffID.String())
		}
		if err := applyLayer(ctx, or, staging, layerH); err != nil {
			return nil, fmt.Errorf("assemble: apply layer %s: %w", diffID.String(), err)
		}
	}

	if err := bootTransform(staging); err != nil {
		return nil, err
	}

	id, err := encodeTree(ctx, or, staging)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	logger.Infof(ctx, "assembled image %s from %d layers", id, len(imgCfg.RootFS.DiffIDs))
	return &Result{ID: id, Config: imgCfg}, nil
}

// applyLayer decodes the layer addressed by layerH and applies its entries
// onto root, honouring OCI whiteout conventions: a ".wh.<name>" entry
// removes the sibling <name> without itself being materialised, and a
// ".wh..wh..opq" entry clears the directory it sits in of everything
// written by earlier layers before this layer's own entries are applied.
func applyLayer(ctx context.Context, or *objectrepo.Repo, root string, layerH types.Hash) error {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- layercodec.Decode(ctx, or, layerH, pw)
		_ = pw.Close()
	}()

	tr := tar.NewReader(pr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = pr.CloseWithError(err)
			<-errCh
			return fmt.Errorf("read layer entry: %w", err)
		}
		if err := applyEntry(root, hdr, tr); err != nil {
			_ = pr.CloseWithError(err)
			<-errCh
			return err
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("decode layer: %w", err)
	}
	return nil
}

func applyEntry(root string, hdr *tar.Header, r io.Reader) error {
	name := strings.TrimPrefix(filepath.Clean("/"+hdr.Name), "/")
	dir, base := filepath.Split(name)

	if base == ".wh..wh..opq" {
		target := filepath.Join(root, dir)
		entries, err := os.ReadDir(target)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("opaque whiteout %s: %w", target, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
				return fmt.Errorf("opaque whiteout %s: %w", target, err)
			}
		}
		return nil
	}
	if strings.HasPrefix(base, ".wh.") {
		hidden := filepath.Join(root, dir, strings.TrimPrefix(base, ".wh."))
		if err := os.RemoveAll(hidden); err != nil {
			return fmt.Errorf("whiteout %s: %w", hidden, err)
		}
		return nil
	}

	target := filepath.Join(root, name)
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil { //nolint:gosec // mode from a layer already admitted through the codec
			return err
		}
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777) //nolint:gosec
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil { //nolint:gosec // size bounded by hdr.Size via tar.Reader
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkTarget := filepath.Join(root, strings.TrimPrefix(filepath.Clean("/"+hdr.Linkname), "/"))
		_ = os.Remove(target)
		return os.Link(linkTarget, target)
	default:
		return nil
	}
}

// bootTransform enforces that the assembled tree has the directories the
// boot artifact manager and deployment state store require.
func bootTransform(root string) error {
	for _, dir := range []string{"boot", "sysroot"} {
		path := filepath.Join(root, dir)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(path, 0o755); mkErr != nil { //nolint:gosec // boot/sysroot mountpoints
				return fmt.Errorf("%w: create /%s: %v", ErrBootTransform, dir, mkErr)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: stat /%s: %v", ErrBootTransform, dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: /%s exists but is not a directory", ErrBootTransform, dir)
		}
	}
	return nil
}

// encodeTree walks root in deterministic (lexical) path order, builds a tar
// stream from it, and encodes that stream into the object repository. The
// resulting Hash is the image's ID: identical trees always produce an
// identical ID because the walk order and every header field written is a
// pure function of the tree's own content.
func encodeTree(ctx context.Context, or *objectrepo.Repo, root string) (types.Hash, error) {
	paths, err := sortedRelPaths(root)
	if err != nil {
		return types.Hash{}, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTree(root, paths, pw))
	}()

	id, err := layercodec.Encode(ctx, or, pr)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode assembled tree: %w", err)
	}
	return id, nil
}

func sortedRelPaths(root string) ([]string, error) {
	var rel []string
	err := filepath.WalkDir(root, func(path string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		r, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = append(rel, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk assembled tree: %w", err)
	}
	sort.Strings(rel)
	return rel, nil
}

// epoch is the canonical ModTime written for every entry in the encoded
// tree, independent of bootTransform's own MkdirAll calls or of when the
// layers happened to be extracted to disk.
var epoch = time.Unix(0, 0)

func writeTree(root string, rel []string, w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, r := range rel {
		full := filepath.Join(root, r)
		info, err := os.Lstat(full)
		if err != nil {
			return fmt.Errorf("lstat %s: %w", r, err)
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(full)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", r, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("header for %s: %w", r, err)
		}
		hdr.Name = filepath.ToSlash(r)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		// ModTime is canonicalised rather than taken from the staging file's
		// live mtime: applyEntry restores each layer's original header time,
		// but two Assemble runs that straddle a wall-clock boundary (e.g. the
		// MkdirAll calls in bootTransform) must still encode to the same ID.
		hdr.ModTime = epoch
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", r, err)
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(full) //nolint:gosec // path from our own deterministic walk
			if err != nil {
				return fmt.Errorf("open %s: %w", r, err)
			}
			_, cpErr := io.Copy(tw, f)
			_ = f.Close()
			if cpErr != nil {
				return fmt.Errorf("copy %s: %w", r, cpErr)
			}
		}
	}
	return tw.Close()
}
