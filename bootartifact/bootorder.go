package bootartifact

import (
	"fmt"
	"os"
	"strings"

	"github.com/projecteru2/bootc-composefs/config"
)

// firstSortKey sorts before every value descendingSortKey can produce,
// which guarantees the entry carrying it boots first regardless of when
// its neighbours were staged.
const firstSortKey = "00000000000000000000"

// PromoteToFirst rewrites id's existing BLS/systemd-boot loader entry so it
// sorts first in loader order, without touching any other entry. Used by
// the deployment manager's rollback and set-boot-order operations, which
// only need to change relative order, not re-derive every entry's key.
func PromoteToFirst(cfg *config.Config, id string) error {
	path := cfg.BLSEntryFile(id)
	data, err := os.ReadFile(path) //nolint:gosec // loader-owned path
	if err != nil {
		return fmt.Errorf("promote %s to first: %w", id, err)
	}
	lines := strings.Split(string(data), "\n")
	rewritten := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "sort-key ") {
			lines[i] = "sort-key " + firstSortKey
			rewritten = true
			break
		}
	}
	if !rewritten {
		lines = append(lines, "sort-key "+firstSortKey)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644) //nolint:gosec // loader entry, readable by bootloader
}
