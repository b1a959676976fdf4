// Package objectrepo implements the content-addressed object repository
// (OR): a blob store keyed by a verity Hash, with named "stream" pointers
// used to anchor garbage-collection reachability, and integrity-verified
// reads.
package objectrepo

import (
	"context"
	"errors"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/core/log"
)

// Mode selects how OpenObject verifies content against its claimed Hash.
type Mode int

const (
	// ModeStrict verifies every read against its Hash (kernel-verified reads
	// in production; here, a streaming re-hash of the object on open).
	ModeStrict Mode = iota
	// ModeInsecure skips verification on open; used on non-production
	// hosts that assemble digests (e.g. computing a composefs digest for an
	// image that has not yet booted), and selected by cmd/bootctl when the
	// kernel command line's composefs= value carries a leading '?'.
	ModeInsecure
)

// ErrIntegrity is returned by OpenObject when strict verification finds
// content that does not hash to the requested Hash.
var ErrIntegrity = errors.New("object repository: integrity error")

// ErrNotFound is returned when an object or stream does not exist.
var ErrNotFound = errors.New("object repository: not found")

// Repo is a handle onto one object repository rooted at cfg.RootDir.
type Repo struct {
	cfg  *config.Config
	mode Mode
}

// Open opens the repository in the given Mode, ensuring its on-disk
// directories exist.
func Open(ctx context.Context, cfg *config.Config, mode Mode) (*Repo, error) {
	if err := cfg.EnsureObjectRepoDirs(); err != nil {
		return nil, err
	}
	log.WithFunc("objectrepo.Open").Debugf(ctx, "opened object repository at %s (mode=%v)", cfg.ObjectsDir(), mode)
	return &Repo{cfg: cfg, mode: mode}, nil
}

// Mode reports the verification mode the repository was opened with.
func (r *Repo) Mode() Mode { return r.mode }
