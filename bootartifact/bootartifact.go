// Package bootartifact extracts boot files from an assembled deployment
// tree and writes them into the loader directories, under either the Boot
// Loader Specification (BLS) type-1 scheme or a Unified Kernel Image (UKI)
// scheme, computing the boot digest each scheme's compatibility checks key
// off of.
package bootartifact

import (
	"context"
	"debug/pe"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// ErrNoKernel is returned when neither a UKI nor a traditional vmlinuz can
// be found in the assembled tree.
var ErrNoKernel = fmt.Errorf("bootartifact: no kernel found in assembled tree")

// ErrAmbiguousModules is returned when /usr/lib/modules contains more than
// one version directory, since BLS kernel detection has no way to choose.
var ErrAmbiguousModules = fmt.Errorf("bootartifact: multiple kernel module directories found")

// Result is the outcome of writing boot artifacts for a deployment.
type Result struct {
	Scheme     types.BootScheme
	BootDigest types.Hash
	// Cmdline is the loader-entry kernel command line: rendered fresh by
	// buildCmdline for BLS, or parsed out of the UKI's own .cmdline PE
	// section for UKI, where it is baked in at image-build time and cannot
	// be rendered by this package.
	Cmdline string
}

// DetectScheme chooses BLS or UKI for the tree rooted at dir. UKI wins
// whenever /boot/EFI/Linux/*.efi is non-empty, even if a vmlinuz is also
// present.
func DetectScheme(dir string) (types.BootScheme, error) {
	ukis, err := filepath.Glob(filepath.Join(dir, "boot", "EFI", "Linux", "*.efi"))
	if err != nil {
		return "", fmt.Errorf("detect scheme: glob UKI: %w", err)
	}
	if len(ukis) > 0 {
		return types.BootSchemeUKI, nil
	}
	modDirs, err := filepath.Glob(filepath.Join(dir, "usr", "lib", "modules", "*"))
	if err != nil {
		return "", fmt.Errorf("detect scheme: glob modules: %w", err)
	}
	if len(modDirs) > 0 {
		return types.BootSchemeBLS, nil
	}
	return "", ErrNoKernel
}

// Write stages boot artifacts for id's assembled tree (mounted via or) under
// the scheme DetectScheme selects, and returns the boot digest and cmdline
// compatibility checks use. The BLS entry and the GRUB user.cfg fragment
// are staged, not promoted; call Promote once the rest of the commit (DSS)
// has succeeded. A UKI's systemd-boot entry is written directly into the
// entries directory and has no staged form.
func Write(ctx context.Context, cfg *config.Config, or *objectrepo.Repo, id types.Hash, extraCmdline []string) (*Result, error) {
	logger := log.WithFunc("bootartifact.Write")
	if err := cfg.EnsureBootLoaderDirs(); err != nil {
		return nil, fmt.Errorf("bootartifact write: %w", err)
	}

	tree, err := or.Mount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("bootartifact write: mount %s: %w", id, err)
	}

	scheme, err := DetectScheme(tree)
	if err != nil {
		return nil, err
	}

	var res *Result
	switch scheme {
	case types.BootSchemeBLS:
		res, err = writeBLS(tree, cfg, id, extraCmdline)
	case types.BootSchemeUKI:
		res, err = writeUKI(tree, cfg, id, extraCmdline)
	}
	if err != nil {
		return nil, fmt.Errorf("bootartifact write (%s): %w", scheme, err)
	}
	logger.Infof(ctx, "staged %s boot artifacts for %s (digest %s)", scheme, id, res.BootDigest)
	return res, nil
}

// Promote moves a deployment's staged loader entry into its finalized
// location. Safe to call once per successful commit; a second call is a
// no-op because the staged file will already be gone.
func Promote(cfg *config.Config, id types.Hash, scheme types.BootScheme) error {
	switch scheme {
	case types.BootSchemeBLS:
		return renameIfExists(cfg.BLSStagedEntryFile(id.String()), cfg.BLSEntryFile(id.String()))
	case types.BootSchemeUKI:
		if fileExists(cfg.GRUBUserCfgStagedPath()) {
			return renameIfExists(cfg.GRUBUserCfgStagedPath(), cfg.GRUBUserCfgPath())
		}
		return nil // systemd-boot entries are written directly, nothing to promote
	default:
		return fmt.Errorf("bootartifact promote: unknown scheme %q", scheme)
	}
}

// CleanStaged removes staged loader artifacts left behind by any
// deployment ID other than keepID: orphaned BLS entries.staged/*.conf
// files and a stale GRUB user.cfg.staged, both left over when a previous
// install attempt was abandoned before Promote ran for it. Called before
// staging a new attempt so orphans never accumulate across aborted
// upgrades.
func CleanStaged(cfg *config.Config, keepID string) error {
	matches, err := filepath.Glob(filepath.Join(cfg.BLSStagedEntriesDir(), "*.conf"))
	if err != nil {
		return fmt.Errorf("clean staged: glob BLS entries: %w", err)
	}
	keep := keepID + ".conf"
	for _, m := range matches {
		if filepath.Base(m) == keep {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clean staged: remove %s: %w", m, err)
		}
	}

	staged := cfg.GRUBUserCfgStagedPath()
	data, err := os.ReadFile(staged) //nolint:gosec // loader-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("clean staged: read %s: %w", staged, err)
	}
	if !strings.Contains(string(data), "/EFI/Linux/"+keepID+".efi") {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clean staged: remove %s: %w", staged, err)
		}
	}
	return nil
}

func renameIfExists(src, dst string) error {
	if !fileExists(src) {
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("promote %s -> %s: %w", src, dst, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// --- BLS scheme ---

func writeBLS(tree string, cfg *config.Config, id types.Hash, extraCmdline []string) (*Result, error) {
	modDirs, err := filepath.Glob(filepath.Join(tree, "usr", "lib", "modules", "*"))
	if err != nil {
		return nil, fmt.Errorf("glob modules: %w", err)
	}
	if len(modDirs) == 0 {
		return nil, ErrNoKernel
	}
	if len(modDirs) > 1 {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousModules, modDirs)
	}
	modDir := modDirs[0]
	version := filepath.Base(modDir)

	srcVmlinuz := filepath.Join(modDir, "vmlinuz")
	srcInitrd := filepath.Join(modDir, "initramfs.img")

	idStr := id.String()
	if err := os.MkdirAll(cfg.BLSKernelDir(idStr), 0o755); err != nil { //nolint:gosec // loader-visible boot dir
		return nil, fmt.Errorf("create kernel dir: %w", err)
	}
	if err := copyFile(srcVmlinuz, cfg.BLSVmlinuzPath(idStr)); err != nil {
		return nil, fmt.Errorf("copy vmlinuz: %w", err)
	}
	if err := copyFile(srcInitrd, cfg.BLSInitrdPath(idStr)); err != nil {
		return nil, fmt.Errorf("copy initrd: %w", err)
	}

	digest, err := hashFiles(cfg.BLSVmlinuzPath(idStr), cfg.BLSInitrdPath(idStr))
	if err != nil {
		return nil, err
	}

	cmdline := buildCmdline(idStr, extraCmdline)
	entry := renderBLSEntry(idStr, version, cmdline)
	if err := os.MkdirAll(cfg.BLSStagedEntriesDir(), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("create staged entries dir: %w", err)
	}
	if err := os.WriteFile(cfg.BLSStagedEntryFile(idStr), []byte(entry), 0o644); err != nil { //nolint:gosec // loader entry, readable by bootloader
		return nil, fmt.Errorf("write staged entry: %w", err)
	}

	return &Result{Scheme: types.BootSchemeBLS, BootDigest: digest, Cmdline: cmdline}, nil
}

func renderBLSEntry(id, version, cmdline string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title %s\n", id)
	fmt.Fprintf(&b, "version %s\n", version)
	fmt.Fprintf(&b, "linux /%s/vmlinuz\n", id)
	fmt.Fprintf(&b, "initrd /%s/initramfs.img\n", id)
	fmt.Fprintf(&b, "options %s\n", cmdline)
	fmt.Fprintf(&b, "sort-key %s\n", descendingSortKey(time.Now()))
	return b.String()
}

// descendingSortKey returns a 20-digit zero-padded decimal string that
// sorts lexicographically newest-first: each call subtracts the current
// nanosecond timestamp from a fixed 20-digit ceiling, so a later call
// always yields a smaller (and therefore earlier-sorting) string.
func descendingSortKey(t time.Time) string {
	const ceiling = ^uint64(0)    // math.MaxUint64, 20 digits: above every int64 UnixNano value
	nanos := uint64(t.UnixNano()) //nolint:gosec // monotonic for any realistic deployment time
	v := ceiling - nanos
	s := strconv.FormatUint(v, 10)
	if len(s) < 20 {
		s = strings.Repeat("0", 20-len(s)) + s
	}
	return s
}

func buildCmdline(id string, extra []string) string {
	parts := append([]string{}, extra...)
	parts = append(parts, "composefs="+id)
	return strings.Join(parts, " ")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // path derived from a mounted, content-addressed tree
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // loader-visible file
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func hashFiles(paths ...string) (types.Hash, error) {
	h := types.NewHasher()
	for _, p := range paths {
		f, err := os.Open(p) //nolint:gosec // loader-owned path
		if err != nil {
			return types.Hash{}, fmt.Errorf("hash %s: %w", p, err)
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return types.Hash{}, fmt.Errorf("hash %s: %w", p, err)
		}
	}
	return h.Sum(), nil
}

// --- UKI scheme ---

// ukiCmdlineSection is the PE section name systemd-stub embeds the kernel
// command line under when it assembles a UKI.
const ukiCmdlineSection = ".cmdline"

// readUKICmdline extracts the embedded kernel command line from a UKI's
// .cmdline PE section. A UKI bakes its cmdline in at image-build time, so
// unlike the BLS path there is nothing for this package to render.
func readUKICmdline(path string) (string, error) {
	f, err := pe.Open(path)
	if err != nil {
		return "", fmt.Errorf("open UKI %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	for _, sec := range f.Sections {
		if strings.TrimRight(sec.Name, "\x00") != ukiCmdlineSection {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return "", fmt.Errorf("read %s section of %s: %w", ukiCmdlineSection, path, err)
		}
		return strings.TrimRight(string(data), "\x00\n"), nil
	}
	return "", fmt.Errorf("%s has no %s section", path, ukiCmdlineSection)
}

func writeUKI(tree string, cfg *config.Config, id types.Hash, _ []string) (*Result, error) {
	efis, err := filepath.Glob(filepath.Join(tree, "boot", "EFI", "Linux", "*.efi"))
	if err != nil {
		return nil, fmt.Errorf("glob UKI: %w", err)
	}
	if len(efis) == 0 {
		return nil, ErrNoKernel
	}
	sort.Strings(efis)
	chosen := efis[0] // lexicographically smallest, for determinism when multiple are present

	idStr := id.String()
	if err := os.MkdirAll(filepath.Dir(cfg.UKIPath(idStr)), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("create UKI entries dir: %w", err)
	}
	if err := copyFile(chosen, cfg.UKIPath(idStr)); err != nil {
		return nil, fmt.Errorf("copy UKI: %w", err)
	}

	digest, err := hashFiles(cfg.UKIPath(idStr))
	if err != nil {
		return nil, err
	}

	cmdline, err := readUKICmdline(chosen)
	if err != nil {
		return nil, err
	}

	if grubInUse(cfg) {
		if err := os.MkdirAll(filepath.Dir(cfg.GRUBUserCfgStagedPath()), 0o755); err != nil { //nolint:gosec
			return nil, fmt.Errorf("create grub dir: %w", err)
		}
		menu := fmt.Sprintf("menuentry '%s' {\n\tchainloader /EFI/Linux/%s.efi\n}\n", idStr, idStr)
		if err := os.WriteFile(cfg.GRUBUserCfgStagedPath(), []byte(menu), 0o644); err != nil { //nolint:gosec
			return nil, fmt.Errorf("write staged grub entry: %w", err)
		}
	} else {
		entry := fmt.Sprintf("title %s\nefi /EFI/Linux/%s.efi\noptions %s\n", idStr, idStr, cmdline)
		if err := os.WriteFile(cfg.SystemdBootEntryFile(idStr), []byte(entry), 0o644); err != nil { //nolint:gosec
			return nil, fmt.Errorf("write systemd-boot entry: %w", err)
		}
	}

	return &Result{Scheme: types.BootSchemeUKI, BootDigest: digest, Cmdline: cmdline}, nil
}

// grubInUse reports whether this system's loader in effect is GRUB rather
// than systemd-boot, inferred from whether a GRUB config directory already
// exists under the boot directory.
func grubInUse(cfg *config.Config) bool {
	_, err := os.Stat(filepath.Dir(cfg.GRUBUserCfgPath()))
	return err == nil
}
