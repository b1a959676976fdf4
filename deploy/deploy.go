// Package deploy implements the deployment manager: pulling a new image,
// running it through the assembler and boot artifact manager, committing
// deployment state, and the rollback/boot-order operations that only
// touch loader ordering. Every mutating operation is serialized through a
// single process-wide commit lock; read-only queries (status) never take
// it.
package deploy

import (
	"context"
	"fmt"

	"github.com/projecteru2/bootc-composefs/assembler"
	"github.com/projecteru2/bootc-composefs/bootartifact"
	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/deploystate"
	"github.com/projecteru2/bootc-composefs/lock"
	"github.com/projecteru2/bootc-composefs/lock/flock"
	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/progress"
	progressdeploy "github.com/projecteru2/bootc-composefs/progress/deploy"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// Action is the outcome classification of an Install call.
type Action string

const (
	ActionSkip         Action = "skip"
	ActionUpdateOrigin Action = "update-origin"
	ActionStaged       Action = "staged"
)

// Outcome is the result of an Install call.
type Outcome struct {
	Action Action
	ID     types.Hash
	Scheme types.BootScheme
}

// InstallOpts parameterises an Install call with the caller's current view
// of the host, since DM itself never reads the kernel command line or
// mount table — that is the status engine's job, kept separate so DM
// stays a pure orchestration layer over OR/LC/IA/BAM/DSS.
type InstallOpts struct {
	ImageRef     string
	BootedID     string // effective booted deployment ID, from the status engine
	IsSwitch     bool   // true for `switch`, false for `upgrade`
	ExtraCmdline []string
	// Tracker receives pull/assemble progress events. Defaults to progress.Nop.
	Tracker progress.Tracker
}

// Manager orchestrates deployment lifecycle operations.
type Manager struct {
	cfg  *config.Config
	or   *objectrepo.Repo
	lock lock.Locker
}

// New creates a Manager guarded by the process-wide commit lock at
// cfg.CommitLockFile().
func New(cfg *config.Config, or *objectrepo.Repo) *Manager {
	return &Manager{cfg: cfg, or: or, lock: flock.New(cfg.CommitLockFile())}
}

// Install runs the full pull path: fetch the image, assemble it, and
// commit a new deployment — unless the resulting ID already matches the
// booted deployment or an existing one, in which case it reports a Skip
// or UpdateOrigin outcome instead of writing anything new.
func (m *Manager) Install(ctx context.Context, opts InstallOpts) (*Outcome, error) {
	logger := log.WithFunc("deploy.Install")
	if err := m.lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	defer m.lock.Unlock(ctx) //nolint:errcheck

	tracker := opts.Tracker
	if tracker == nil {
		tracker = progress.Nop
	}

	configStreamH, err := Pull(ctx, m.cfg, m.or, opts.ImageRef, tracker)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}

	tracker.OnEvent(progressdeploy.Event{Phase: progressdeploy.PhaseAssemble, Index: -1})
	res, err := assembler.Assemble(ctx, m.or, m.cfg, configStreamH)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	id := res.ID
	idStr := id.String()

	if idStr == opts.BootedID {
		if opts.IsSwitch {
			if err := deploystate.UpdateOrigin(m.cfg, idStr, "container", opts.ImageRef); err != nil {
				return nil, fmt.Errorf("install: %w", err)
			}
			logger.Infof(ctx, "image %s already booted; updated origin reference", idStr)
			return &Outcome{Action: ActionUpdateOrigin, ID: id}, nil
		}
		logger.Infof(ctx, "image %s already booted; nothing to do", idStr)
		return &Outcome{Action: ActionSkip, ID: id}, nil
	}

	existing, err := deploystate.List(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	for _, e := range existing {
		if e == idStr {
			logger.Infof(ctx, "image %s already has deployment state; nothing to do", idStr)
			return &Outcome{Action: ActionSkip, ID: id}, nil
		}
	}

	if staged, ok, err := deploystate.StagedDeployment(m.cfg); err != nil {
		return nil, fmt.Errorf("install: %w", err)
	} else if ok && staged != idStr {
		if rmErr := deploystate.Remove(m.cfg, staged); rmErr != nil {
			logger.Warnf(ctx, "remove stale staged deployment %s: %v", staged, rmErr)
		}
	}
	if err := bootartifact.CleanStaged(m.cfg, idStr); err != nil {
		logger.Warnf(ctx, "clean orphaned staged boot artifacts: %v", err)
	}

	bamRes, err := bootartifact.Write(ctx, m.cfg, m.or, id, opts.ExtraCmdline)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}

	origin := deploystate.Origin{
		Container:  opts.ImageRef,
		BootType:   string(bamRes.Scheme),
		BootDigest: bamRes.BootDigest.String(),
		Cmdline:    bamRes.Cmdline,
	}
	info := deploystate.ImgInfo{ImageConfiguration: res.Config}

	if err := deploystate.Commit(ctx, m.cfg, m.or, id, origin, info, true); err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	if err := bootartifact.Promote(m.cfg, id, bamRes.Scheme); err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}

	logger.Infof(ctx, "staged deployment %s (%s scheme)", idStr, bamRes.Scheme)
	return &Outcome{Action: ActionStaged, ID: id, Scheme: bamRes.Scheme}, nil
}

// Rollback promotes the given deployment ID to sort first in loader
// order, without touching DSS. Typically invoked with the status engine's
// current rollback-candidate ID.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	if err := m.lock.Lock(ctx); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	defer m.lock.Unlock(ctx) //nolint:errcheck
	if err := bootartifact.PromoteToFirst(m.cfg, id); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	log.WithFunc("deploy.Rollback").Infof(ctx, "promoted %s to first boot order", id)
	return nil
}

// SetBootOrder is Rollback under a name matching the public operation
// list: flip loader ordering so id boots by default.
func (m *Manager) SetBootOrder(ctx context.Context, id string) error {
	return m.Rollback(ctx, id)
}
