// Package export is the inverse of the pull path: it re-emits an image's
// layers as gzip-compressed tars from their split-stream form, and writes
// a fresh OCI image layout whose manifest and config reflect whatever
// those layers actually hash to now, so a copy tool can push the result
// to a container store.
package export

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/projecteru2/bootc-composefs/layercodec"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

const layoutVersion = "1.0.0"

// Result is the outcome of an Export call.
type Result struct {
	Manifest v1.Manifest
	Config   v1.ConfigFile
}

// Export reads the image configuration addressed by configStreamH (the
// same stream Pull produces), re-emits every referenced layer as a
// gzip-compressed tar blob under destDir in OCI layout, and writes a
// config and manifest reflecting the layers' recomputed digests. Layers
// whose re-emitted tar no longer hashes to their recorded diff-id (for
// example because the original tar carried header fields the layer codec
// does not keep) have their corresponding
// history entry replaced rather than carried over unchanged, since that
// entry no longer describes how the current bytes were produced.
func Export(ctx context.Context, or *objectrepo.Repo, configStreamH types.Hash, destDir string) (*Result, error) {
	logger := log.WithFunc("export.Export")

	ss, _, err := or.OpenStream(ctx, configStreamH.String(), &configStreamH)
	if err != nil {
		return nil, fmt.Errorf("export: open config stream: %w", err)
	}
	raw, err := io.ReadAll(or.StreamFrameReader(ctx, ss))
	if err != nil {
		return nil, fmt.Errorf("export: read config stream: %w", err)
	}
	var imgCfg v1.ConfigFile
	if err := json.Unmarshal(raw, &imgCfg); err != nil {
		return nil, fmt.Errorf("export: parse image configuration: %w", err)
	}

	if err := ensureOCILayout(destDir); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	newDiffIDs := make([]v1.Hash, len(imgCfg.RootFS.DiffIDs))
	layers := make([]v1.Descriptor, len(imgCfg.RootFS.DiffIDs))
	changed := make([]bool, len(imgCfg.RootFS.DiffIDs))

	for i, diffID := range imgCfg.RootFS.DiffIDs {
		key := types.HashBytes([]byte(diffID.String()))
		layerH, ok := ss.Lookups[key]
		if !ok {
			return nil, fmt.Errorf("export: layer not found for diff-id %s", diffID)
		}

		newDiffID, desc, err := writeLayerBlob(ctx, or, layerH, destDir)
		if err != nil {
			return nil, fmt.Errorf("export: layer %d: %w", i, err)
		}
		newDiffIDs[i] = newDiffID
		layers[i] = desc
		changed[i] = newDiffID != diffID
	}

	newCfg := imgCfg.DeepCopy()
	newCfg.RootFS.DiffIDs = newDiffIDs
	newCfg.History = rewriteHistory(imgCfg.History, changed)

	cfgBytes, err := json.Marshal(newCfg)
	if err != nil {
		return nil, fmt.Errorf("export: marshal config: %w", err)
	}
	cfgDesc, err := writeBlob(destDir, cfgBytes, "application/vnd.oci.image.config.v1+json")
	if err != nil {
		return nil, fmt.Errorf("export: write config blob: %w", err)
	}

	manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     "application/vnd.oci.image.manifest.v1+json",
		Config:        cfgDesc,
		Layers:        layers,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("export: marshal manifest: %w", err)
	}
	manifestDesc, err := writeBlob(destDir, manifestBytes, manifest.MediaType)
	if err != nil {
		return nil, fmt.Errorf("export: write manifest blob: %w", err)
	}
	if err := writeIndex(destDir, manifestDesc); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	logger.Infof(ctx, "exported image to %s (%d layers)", destDir, len(layers))
	return &Result{Manifest: manifest, Config: *newCfg}, nil
}

func ensureOCILayout(destDir string) error {
	if err := os.MkdirAll(filepath.Join(destDir, "blobs", "sha256"), 0o755); err != nil { //nolint:gosec // OCI layout, world-readable by design
		return fmt.Errorf("create blobs dir: %w", err)
	}
	layout := []byte(fmt.Sprintf(`{"imageLayoutVersion":%q}`, layoutVersion))
	if err := os.WriteFile(filepath.Join(destDir, "oci-layout"), layout, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write oci-layout: %w", err)
	}
	return nil
}

// writeLayerBlob decodes layerH's tar stream, gzip-compresses it straight
// to its final content-addressed path, and returns the recomputed
// uncompressed diff-id alongside the manifest descriptor for the
// compressed blob.
func writeLayerBlob(ctx context.Context, or *objectrepo.Repo, layerH types.Hash, destDir string) (v1.Hash, v1.Descriptor, error) {
	tmp, err := os.CreateTemp(filepath.Join(destDir, "blobs", "sha256"), ".layer-*")
	if err != nil {
		return v1.Hash{}, v1.Descriptor{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed into place

	compressedHasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, compressedHasher))
	uncompressedHasher := sha256.New()
	w := io.MultiWriter(uncompressedHasher, gz)

	decErr := layercodec.Decode(ctx, or, layerH, w)
	gzErr := gz.Close()
	closeErr := tmp.Close()
	if decErr != nil {
		return v1.Hash{}, v1.Descriptor{}, fmt.Errorf("decode layer: %w", decErr)
	}
	if gzErr != nil {
		return v1.Hash{}, v1.Descriptor{}, fmt.Errorf("close gzip writer: %w", gzErr)
	}
	if closeErr != nil {
		return v1.Hash{}, v1.Descriptor{}, fmt.Errorf("close blob file: %w", closeErr)
	}

	size, err := fileSize(tmpPath)
	if err != nil {
		return v1.Hash{}, v1.Descriptor{}, err
	}

	compressedDigest := v1.Hash{Algorithm: "sha256", Hex: hexSum(compressedHasher)}
	finalPath := filepath.Join(destDir, "blobs", "sha256", compressedDigest.Hex)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return v1.Hash{}, v1.Descriptor{}, fmt.Errorf("publish layer blob: %w", err)
	}

	diffID := v1.Hash{Algorithm: "sha256", Hex: hexSum(uncompressedHasher)}
	desc := v1.Descriptor{
		MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
		Digest:    compressedDigest,
		Size:      size,
	}
	return diffID, desc, nil
}

func writeBlob(destDir string, data []byte, mediaType string) (v1.Descriptor, error) {
	h := sha256.Sum256(data)
	digest := v1.Hash{Algorithm: "sha256", Hex: fmt.Sprintf("%x", h)}
	path := filepath.Join(destDir, "blobs", "sha256", digest.Hex)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return v1.Descriptor{}, fmt.Errorf("write blob %s: %w", digest, err)
	}
	return v1.Descriptor{MediaType: mediaType, Digest: digest, Size: int64(len(data))}, nil
}

func writeIndex(destDir string, manifestDesc v1.Descriptor) error {
	index := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     "application/vnd.oci.image.index.v1+json",
		Manifests:     []v1.Descriptor{manifestDesc},
	}
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "index.json"), data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write index.json: %w", err)
	}
	return nil
}

// rewriteHistory replaces the history entry for every changed non-empty
// layer with a fresh one, since the original entry's CreatedBy no longer
// describes how the current bytes came to be; unchanged layers keep their
// original entry untouched.
func rewriteHistory(orig []v1.History, changed []bool) []v1.History {
	out := make([]v1.History, len(orig))
	copy(out, orig)
	layerIdx := 0
	now := time.Now().UTC()
	for i := range out {
		if out[i].EmptyLayer {
			continue
		}
		if layerIdx < len(changed) && changed[layerIdx] {
			out[i] = v1.History{
				Created:   v1.Time{Time: now},
				CreatedBy: "exported deployment (content re-derived)",
			}
		}
		layerIdx++
	}
	return out
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

func hexSum(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}
