package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rcarmo/guerite/internal/docker"
	"github.com/rcarmo/guerite/internal/state"
)

// reconcileUpgrades runs at the top of every tick: it fails upgrades that
// stalled (e.g. the process died mid-recreate), recognises manual operator
// fixes, and raises one manual-intervention notice per failed entry.
func (e *Engine) reconcileUpgrades(ctx context.Context, now time.Time) {
	e.mu.Lock()
	entries := make(map[string]*state.Upgrade, len(e.upgrades))
	for id, u := range e.upgrades {
		entries[id] = u
	}
	e.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	changed := false

	for _, u := range entries {
		if u.Status != state.UpgradeInProgress {
			continue
		}
		if now.Sub(u.StartedAt) < e.cfg.UpgradeStallTimeout {
			continue
		}
		e.log.Warn("upgrade stalled; marking failed", "base", u.BaseName,
			"started_at", u.StartedAt.Format(time.RFC3339))
		e.mu.Lock()
		u.Status = state.UpgradeFailed
		e.mu.Unlock()
		changed = true
	}

	for id, u := range entries {
		if u.Status != state.UpgradeFailed {
			continue
		}

		current, found := e.lookupUpgradeTarget(ctx, id, u.BaseName)

		if found && current.Image != "" && current.Image != u.OriginalImageID {
			// The operator replaced the image out from under us. If a target
			// is recorded and the new image is neither original nor target,
			// the situation is ambiguous only in direction; either way the
			// failed entry no longer describes reality.
			e.log.Info("detected manual upgrade; clearing failed upgrade state",
				"base", u.BaseName, "image", docker.ShortID(current.Image))
			e.mu.Lock()
			delete(e.upgrades, id)
			delete(e.upgradeNotified, id)
			delete(e.restartBackoff, id)
			delete(e.failCount, id)
			delete(e.restartBackoff, current.ID)
			delete(e.failCount, current.ID)
			e.mu.Unlock()
			changed = true
			e.notifier.Append(fmt.Sprintf("Detected manual upgrade for %s; clearing failed upgrade state", u.BaseName))
			continue
		}

		e.mu.Lock()
		_, notified := e.upgradeNotified[id]
		if !notified {
			e.upgradeNotified[id] = struct{}{}
		}
		e.mu.Unlock()
		if !notified {
			e.notifier.Append(fmt.Sprintf("Upgrade of %s failed; manual intervention may be required", u.BaseName))
			continue
		}

		if !found {
			// Container vanished and the operator was told: nothing left to track.
			e.log.Info("clearing failed upgrade for vanished container", "base", u.BaseName)
			e.mu.Lock()
			delete(e.upgrades, id)
			delete(e.upgradeNotified, id)
			e.mu.Unlock()
			changed = true
		}
	}

	if changed {
		e.saveUpgrades()
	}
}

type upgradeTarget struct {
	ID    string
	Image string
}

// lookupUpgradeTarget finds the container an upgrade entry refers to, by id
// first and by base name when the id is gone.
func (e *Engine) lookupUpgradeTarget(ctx context.Context, id, base string) (upgradeTarget, bool) {
	if inspect, err := e.docker.InspectContainer(ctx, id); err == nil {
		return upgradeTarget{ID: inspect.ID, Image: inspect.Image}, true
	}
	if base == "" {
		return upgradeTarget{}, false
	}
	inspect, err := e.docker.InspectContainer(ctx, base)
	if err != nil {
		return upgradeTarget{}, false
	}
	return upgradeTarget{ID: inspect.ID, Image: inspect.Image}, true
}
