package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/objectrepo"
)

func testManager(t *testing.T) (*Manager, *config.Config, *objectrepo.Repo) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	or, err := objectrepo.Open(context.Background(), cfg, objectrepo.ModeStrict)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(cfg, or), cfg, or
}

// buildTestImage assembles a one-layer image carrying a fake kernel, so
// that it clears the boot-artifact scheme detector.
func buildTestImage(t *testing.T) v1.Image {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := map[string]string{
		"usr/lib/modules/6.0.0/vmlinuz":     "kernel-bytes",
		"usr/lib/modules/6.0.0/initramfs.img": "initrd-bytes",
		"etc/hostname":                      "box\n",
	}
	for path, content := range files {
		hdr := &tar.Header{Name: path, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
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

	layer, err := tarball.LayerFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("LayerFromReader: %v", err)
	}
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		t.Fatalf("AppendLayers: %v", err)
	}
	return img
}

func startTestRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPullAndInstallStagesNewDeployment(t *testing.T) {
	host := startTestRegistry(t)
	ref := host + "/test/image:latest"

	img := buildTestImage(t)
	if err := crane.Push(img, ref); err != nil {
		t.Fatalf("crane.Push: %v", err)
	}

	m, cfg, _ := testManager(t)
	ctx := context.Background()

	out, err := m.Install(ctx, InstallOpts{ImageRef: ref})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if out.Action != ActionStaged {
		t.Fatalf("expected staged outcome, got %v", out.Action)
	}

	if _, err := os.Stat(cfg.DeployDir(out.ID.String())); err != nil {
		t.Fatalf("expected deployment state dir: %v", err)
	}
	if _, err := os.Stat(cfg.BLSEntryFile(out.ID.String())); err != nil {
		t.Fatalf("expected promoted BLS entry: %v", err)
	}
	if staged, err := os.ReadFile(cfg.StagedDeploymentMarker()); err != nil || string(staged) != out.ID.String() {
		t.Fatalf("expected staged marker to name %s, got %q, err %v", out.ID, staged, err)
	}

	// Installing the exact same image again, now that it has deployment
	// state on disk, must be a no-op.
	out2, err := m.Install(ctx, InstallOpts{ImageRef: ref})
	if err != nil {
		t.Fatalf("Install (2nd): %v", err)
	}
	if out2.Action != ActionSkip {
		t.Fatalf("expected skip outcome for already-deployed image, got %v", out2.Action)
	}
}

func TestInstallSwitchUpdatesOriginWhenAlreadyBooted(t *testing.T) {
	host := startTestRegistry(t)
	ref := host + "/test/image:latest"
	img := buildTestImage(t)
	if err := crane.Push(img, ref); err != nil {
		t.Fatalf("crane.Push: %v", err)
	}

	m, _, _ := testManager(t)
	ctx := context.Background()

	first, err := m.Install(ctx, InstallOpts{ImageRef: ref})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	out, err := m.Install(ctx, InstallOpts{ImageRef: ref, BootedID: first.ID.String(), IsSwitch: true})
	if err != nil {
		t.Fatalf("Install (switch): %v", err)
	}
	if out.Action != ActionUpdateOrigin {
		t.Fatalf("expected update-origin outcome, got %v", out.Action)
	}
}

func TestRollbackRewritesSortKey(t *testing.T) {
	m, cfg, _ := testManager(t)
	ctx := context.Background()
	if err := cfg.EnsureBootLoaderDirs(); err != nil {
		t.Fatalf("EnsureBootLoaderDirs: %v", err)
	}
	entry := "title test\nsort-key 00000000000000000010\n"
	if err := os.WriteFile(cfg.BLSEntryFile("rollback00"), []byte(entry), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	if err := m.Rollback(ctx, "rollback00"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	data, err := os.ReadFile(cfg.BLSEntryFile("rollback00"))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if !strings.Contains(string(data), "sort-key 00000000000000000000") {
		t.Fatalf("expected rewritten sort-key, got %q", data)
	}
}
