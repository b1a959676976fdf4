package objectrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// GC removes every object unreachable from any named stream or from
// extraRoots (Hash values known to a caller such as the deployment state
// store, which references image IDs that may not also have a named OR
// pointer). GC never mutates named streams; it only deletes objects.
func (r *Repo) GC(ctx context.Context, extraRoots []types.Hash) error {
	logger := log.WithFunc("objectrepo.GC")

	roots, err := r.namedStreamRoots()
	if err != nil {
		return err
	}
	roots = append(roots, extraRoots...)

	reachable := make(map[types.Hash]struct{}, len(roots)*2)
	for _, h := range roots {
		r.markReachable(ctx, h, reachable)
	}

	entries, err := os.ReadDir(r.cfg.ObjectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gc: read objects dir: %w", err)
	}

	var removed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		h, err := types.ParseHash(e.Name())
		if err != nil {
			continue // not an object file this GC understands; leave alone
		}
		if _, ok := reachable[h]; ok {
			continue
		}
		path := filepath.Join(r.cfg.ObjectsDir(), e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warnf(ctx, "remove unreferenced object %s: %v", h, err)
			continue
		}
		removed++
	}
	logger.Infof(ctx, "GC removed %d unreferenced objects (%d reachable)", removed, len(reachable))
	return nil
}

func (r *Repo) namedStreamRoots() ([]types.Hash, error) {
	entries, err := os.ReadDir(r.cfg.StreamsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gc: read streams dir: %w", err)
	}
	var roots []types.Hash
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.StreamsDir(), e.Name())) //nolint:gosec // repo-owned dir
		if err != nil {
			continue
		}
		h, err := types.ParseHash(string(data))
		if err != nil {
			continue
		}
		roots = append(roots, h)
	}
	return roots, nil
}

// markReachable marks h and, if it decodes as a split stream, every frame
// External hash and Lookups value it transitively references.
func (r *Repo) markReachable(ctx context.Context, h types.Hash, reachable map[types.Hash]struct{}) {
	if _, ok := reachable[h]; ok {
		return
	}
	reachable[h] = struct{}{}

	raw, err := r.GetObject(ctx, h)
	if err != nil {
		return
	}
	ss, err := decodeSplitStream(raw)
	if err != nil {
		return // a leaf object (e.g. plain file content), nothing further to mark
	}
	for _, f := range ss.Frames {
		if f.Kind == FrameExternal {
			r.markReachable(ctx, f.External, reachable)
		}
	}
	for _, v := range ss.Lookups {
		r.markReachable(ctx, v, reachable)
	}
}
