package selinux

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeConfig(t *testing.T, root, seType string, policy []byte, policyN int) {
	t.Helper()
	cfgDir := filepath.Join(root, "etc", "selinux")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "SELINUX=enforcing\nSELINUXTYPE=" + seType + "\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "config"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if policy != nil {
		policyDir := filepath.Join(cfgDir, seType, "policy")
		if err := os.MkdirAll(policyDir, 0o755); err != nil {
			t.Fatalf("mkdir policy: %v", err)
		}
		name := filepath.Join(policyDir, "policy."+strconv.Itoa(policyN))
		if err := os.WriteFile(name, policy, 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
}

func TestInspectAbsentConfig(t *testing.T) {
	root := t.TempDir()
	info, err := Inspect(root)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Enabled {
		t.Fatalf("expected disabled, got %+v", info)
	}
}

func TestInspectSelectsHighestPolicy(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "targeted", []byte("policy-33-bytes"), 33)
	// an older, lower-numbered policy must be ignored
	os.WriteFile(filepath.Join(root, "etc", "selinux", "targeted", "policy", "policy.30"), []byte("stale"), 0o644) //nolint:errcheck

	info, err := Inspect(root)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.Enabled || info.Type != "targeted" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if filepath.Base(info.PolicyFile) != "policy.33" {
		t.Fatalf("expected policy.33 selected, got %s", info.PolicyFile)
	}
}

func TestInspectEmptyPolicyDirErrors(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "targeted", nil, 0)
	policyDir := filepath.Join(root, "etc", "selinux", "targeted", "policy")
	if err := os.MkdirAll(policyDir, 0o755); err != nil {
		t.Fatalf("mkdir policy: %v", err)
	}

	_, err := Inspect(root)
	if err == nil {
		t.Fatalf("expected error for empty policy directory")
	}
	if !errors.Is(err, ErrNoPolicyFile) {
		t.Fatalf("expected ErrNoPolicyFile, got %v", err)
	}
}

func TestCompatible(t *testing.T) {
	absent := Info{Enabled: false}
	a := Info{Enabled: true, PolicyHash: [64]byte{1}}
	b := Info{Enabled: true, PolicyHash: [64]byte{1}}
	c := Info{Enabled: true, PolicyHash: [64]byte{2}}

	if !Compatible(absent, absent) {
		t.Fatalf("absent/absent must be compatible")
	}
	if Compatible(absent, a) {
		t.Fatalf("absent/present must be incompatible")
	}
	if !Compatible(a, b) {
		t.Fatalf("matching hashes must be compatible")
	}
	if Compatible(a, c) {
		t.Fatalf("differing hashes must be incompatible")
	}
}
