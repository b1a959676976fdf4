package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/layercodec"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
)

func testRepo(t *testing.T) *objectrepo.Repo {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	r, err := objectrepo.Open(context.Background(), cfg, objectrepo.ModeStrict)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

// buildLayer encodes a tar of entries into or and returns the split
// stream's Hash together with the tar's sha256 diff-id hex.
func buildLayer(t *testing.T, or *objectrepo.Repo, entries map[string]string) (types.Hash, string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	diffHex := fmt.Sprintf("%x", sha256.Sum256(buf.Bytes()))
	h, err := layercodec.Encode(context.Background(), or, &buf)
	if err != nil {
		t.Fatalf("layercodec.Encode: %v", err)
	}
	return h, diffHex
}

func buildConfigStream(t *testing.T, or *objectrepo.Repo, cfgFile v1.ConfigFile, lookups map[string]types.Hash) types.Hash {
	t.Helper()
	raw, err := json.Marshal(cfgFile)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	ss := &objectrepo.SplitStream{Lookups: make(map[types.Hash]types.Hash)}
	ss.Frames = append(ss.Frames, objectrepo.Frame{Kind: objectrepo.FrameInline, Size: int64(len(raw)), Inline: raw})
	for diffIDStr, layerH := range lookups {
		key := types.HashBytes([]byte("sha256:" + diffIDStr))
		ss.Lookups[key] = layerH
	}
	h, err := or.PutStream(context.Background(), ss)
	if err != nil {
		t.Fatalf("PutStream: %v", err)
	}
	return h
}

func TestExportWritesOCILayout(t *testing.T) {
	or := testRepo(t)
	ctx := context.Background()

	layerH, diffHex := buildLayer(t, or, map[string]string{
		"usr/lib/modules/6.0/vmlinuz": "kernel-bytes",
		"etc/hostname":                "box\n",
	})

	cfgFile := v1.ConfigFile{}
	cfgFile.RootFS.DiffIDs = []v1.Hash{{Algorithm: "sha256", Hex: diffHex}}
	cfgFile.History = []v1.History{{CreatedBy: "original build"}}
	configH := buildConfigStream(t, or, cfgFile, map[string]types.Hash{diffHex: layerH})

	destDir := t.TempDir()
	result, err := Export(ctx, or, configH, destDir)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if _, err := os.Stat(filepath.Join(destDir, "oci-layout")); err != nil {
		t.Fatalf("missing oci-layout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "index.json")); err != nil {
		t.Fatalf("missing index.json: %v", err)
	}
	if len(result.Manifest.Layers) != 1 {
		t.Fatalf("expected 1 layer in manifest, got %d", len(result.Manifest.Layers))
	}

	blobPath := filepath.Join(destDir, "blobs", "sha256", result.Manifest.Layers[0].Digest.Hex)
	f, err := os.Open(blobPath)
	if err != nil {
		t.Fatalf("open layer blob: %v", err)
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close() //nolint:errcheck

	tr := tar.NewReader(gz)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		if hdr.Name == "etc/hostname" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected etc/hostname in re-emitted layer tar")
	}

	// Layer content round-trips unchanged, so the diff-id shouldn't have
	// been rewritten and the original history entry should survive.
	if result.Config.RootFS.DiffIDs[0].Hex != diffHex {
		t.Fatalf("expected unchanged diff-id %s, got %s", diffHex, result.Config.RootFS.DiffIDs[0].Hex)
	}
	if result.Config.History[0].CreatedBy != "original build" {
		t.Fatalf("expected original history entry to survive unchanged layer, got %q", result.Config.History[0].CreatedBy)
	}
}

func TestExportMissingLayer(t *testing.T) {
	or := testRepo(t)
	ctx := context.Background()

	cfgFile := v1.ConfigFile{}
	cfgFile.RootFS.DiffIDs = []v1.Hash{{Algorithm: "sha256", Hex: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}}
	configH := buildConfigStream(t, or, cfgFile, nil)

	_, err := Export(ctx, or, configH, t.TempDir())
	if err == nil {
		t.Fatalf("expected missing-layer error")
	}
}
