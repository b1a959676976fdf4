package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/layercodec"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/progress"
	progressdeploy "github.com/projecteru2/bootc-composefs/progress/deploy"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// Pull fetches imageRef, pushes every layer through the layer codec into
// the object repository, and stores the image configuration as a split
// stream whose lookup table maps each diff-id to that layer's split-stream
// Hash. It returns the Hash of the config stream, which Assemble consumes.
// Layers are encoded concurrently, bounded by cfg.PoolSize, the same
// bounded-errgroup shape the image pull path already uses per layer.
// tracker may be progress.Nop if the caller does not want progress events.
func Pull(ctx context.Context, cfg *config.Config, or *objectrepo.Repo, imageRef string, tracker progress.Tracker) (types.Hash, error) {
	logger := log.WithFunc("deploy.Pull")

	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return types.Hash{}, fmt.Errorf("pull: invalid image reference %q: %w", imageRef, err)
	}

	img, err := remote.Image(ref,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{Architecture: runtime.GOARCH, OS: runtime.GOOS}),
	)
	if err != nil {
		return types.Hash{}, fmt.Errorf("pull %s: %w", ref, err)
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return types.Hash{}, fmt.Errorf("pull %s: config file: %w", ref, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return types.Hash{}, fmt.Errorf("pull %s: layers: %w", ref, err)
	}
	if len(layers) != len(cfgFile.RootFS.DiffIDs) {
		return types.Hash{}, fmt.Errorf("pull %s: %d layers but %d diff-ids", ref, len(layers), len(cfgFile.RootFS.DiffIDs))
	}

	logger.Infof(ctx, "pulling %s (%d layers)", ref, len(layers))
	tracker.OnEvent(progressdeploy.Event{Phase: progressdeploy.PhasePull, Index: -1, Total: len(layers)})

	type layerResult struct {
		key types.Hash
		h   types.Hash
	}
	results := make([]layerResult, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.PoolSize
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)

	for i, layer := range layers {
		layerIdx, layerRef := i, layer
		g.Go(func() error {
			diffID, err := layerRef.DiffID()
			if err != nil {
				return fmt.Errorf("layer %d diff-id: %w", layerIdx, err)
			}
			rc, err := layerRef.Uncompressed()
			if err != nil {
				return fmt.Errorf("layer %d uncompressed: %w", layerIdx, err)
			}
			layerH, encErr := layercodec.Encode(gctx, or, rc)
			closeErr := rc.Close()
			if encErr != nil {
				return fmt.Errorf("layer %d encode: %w", layerIdx, encErr)
			}
			if closeErr != nil {
				return fmt.Errorf("layer %d close: %w", layerIdx, closeErr)
			}
			results[layerIdx] = layerResult{key: types.HashBytes([]byte(diffID.String())), h: layerH}
			digestHex := diffID.Hex
			if len(digestHex) > 12 { //nolint:mnd
				digestHex = digestHex[:12]
			}
			tracker.OnEvent(progressdeploy.Event{Phase: progressdeploy.PhaseLayer, Index: layerIdx, Total: len(layers), Digest: digestHex})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Hash{}, fmt.Errorf("pull %s: %w", ref, err)
	}

	lookups := make(map[types.Hash]types.Hash, len(results))
	for _, r := range results {
		lookups[r.key] = r.h
	}

	cfgBytes, err := json.Marshal(cfgFile)
	if err != nil {
		return types.Hash{}, fmt.Errorf("pull %s: marshal config: %w", ref, err)
	}

	ss := &objectrepo.SplitStream{
		Frames:  []objectrepo.Frame{{Kind: objectrepo.FrameInline, Size: int64(len(cfgBytes)), Inline: cfgBytes}},
		Lookups: lookups,
	}
	configStreamH, err := or.PutStream(ctx, ss)
	if err != nil {
		return types.Hash{}, fmt.Errorf("pull %s: put config stream: %w", ref, err)
	}

	logger.Infof(ctx, "pulled %s as config stream %s", ref, configStreamH)
	tracker.OnEvent(progressdeploy.Event{Phase: progressdeploy.PhaseDone, Index: -1, Total: len(layers)})
	return configStreamH, nil
}
