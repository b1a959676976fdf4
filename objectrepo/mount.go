package objectrepo

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// Mount materialises the filesystem referenced by id as a directory of
// extracted files and returns its path. id must name a split stream whose
// frames form a well-formed tar stream (as produced by the image
// assembler). In ModeStrict, object content is verified against its
// recorded Hash while the tree is extracted, because every External frame
// is opened through OpenObject; later reads of the extracted files are
// plain file reads and are not verified, and an already-extracted tree is
// returned without verifying it again.
func (r *Repo) Mount(ctx context.Context, id types.Hash) (string, error) {
	dst := r.cfg.MountPath(id.String())
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		// Idempotent: an identical ID always extracts to identical content.
		return dst, nil
	}

	ss, _, err := r.OpenStream(ctx, id.String(), &id)
	if err != nil {
		return "", fmt.Errorf("mount %s: %w", id, err)
	}

	tmp := dst + ".tmp"
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil { //nolint:gosec // boot content tree must be world-traversable
		return "", fmt.Errorf("mount %s: create staging dir: %w", id, err)
	}

	tr := tar.NewReader(r.StreamFrameReader(ctx, ss))
	for {
		hdr, terr := tr.Next()
		if terr == io.EOF {
			break
		}
		if terr != nil {
			_ = os.RemoveAll(tmp)
			return "", fmt.Errorf("mount %s: read tar entry: %w", id, terr)
		}
		if err := extractEntry(tmp, hdr, tr); err != nil {
			_ = os.RemoveAll(tmp)
			return "", fmt.Errorf("mount %s: extract %s: %w", id, hdr.Name, err)
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("mount %s: publish: %w", id, err)
	}
	log.WithFunc("objectrepo.Mount").Infof(ctx, "mounted %s at %s", id, dst)
	return dst, nil
}

func extractEntry(root string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(root, filepath.Clean("/"+hdr.Name))
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777) //nolint:gosec // mode from trusted assembled tree
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777) //nolint:gosec
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck
		if _, err := io.Copy(f, r); err != nil { //nolint:gosec // size bounded by hdr.Size via tar.Reader
			return err
		}
		return nil
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkTarget := filepath.Join(root, filepath.Clean("/"+hdr.Linkname))
		return os.Link(linkTarget, target)
	default:
		// Device nodes, FIFOs, sockets: not needed for a read-only mount used
		// for boot/status inspection. Skip rather than fail the whole mount.
		return nil
	}
}
