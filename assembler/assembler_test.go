package assembler

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/layercodec"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
)

func testRepo(t *testing.T) (*objectrepo.Repo, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	r, err := objectrepo.Open(context.Background(), cfg, objectrepo.ModeStrict)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, cfg
}

func buildLayer(t *testing.T, or *objectrepo.Repo, entries map[string]string) types.Hash {
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
	h, err := layercodec.Encode(context.Background(), or, &buf)
	if err != nil {
		t.Fatalf("layercodec.Encode: %v", err)
	}
	return h
}

func buildConfigStream(t *testing.T, or *objectrepo.Repo, diffIDs []string, lookups map[string]types.Hash) types.Hash {
	t.Helper()
	cfgFile := v1.ConfigFile{}
	for _, d := range diffIDs {
		cfgFile.RootFS.DiffIDs = append(cfgFile.RootFS.DiffIDs, v1.Hash{Algorithm: "sha256", Hex: d})
	}
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

func TestAssembleIsDeterministic(t *testing.T) {
	or, cfg := testRepo(t)
	ctx := context.Background()

	layerH := buildLayer(t, or, map[string]string{
		"usr/lib/modules/6.0/vmlinuz": "kernel-bytes",
		"etc/hostname":                "box\n",
	})
	diffHex := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	configH := buildConfigStream(t, or, []string{diffHex}, map[string]types.Hash{diffHex: layerH})

	r1, err := Assemble(ctx, or, cfg, configH)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	r2, err := Assemble(ctx, or, cfg, configH)
	if err != nil {
		t.Fatalf("Assemble (2nd): %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("expected identical ID across runs, got %s vs %s", r1.ID, r2.ID)
	}
}

func TestAssembleMissingLayer(t *testing.T) {
	or, cfg := testRepo(t)
	ctx := context.Background()

	configH := buildConfigStream(t, or, []string{"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}, nil)
	_, err := Assemble(ctx, or, cfg, configH)
	if err == nil {
		t.Fatalf("expected missing-layer error")
	}
}

func TestGuardNotActiveRoot(t *testing.T) {
	if err := GuardNotActiveRoot("/"); err != ErrActiveRoot {
		t.Fatalf("expected ErrActiveRoot for /, got %v", err)
	}
	if err := GuardNotActiveRoot("/var/tmp/x"); err != nil {
		t.Fatalf("unexpected error for non-root path: %v", err)
	}
}
