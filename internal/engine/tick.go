package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/cron"
	"github.com/rcarmo/guerite/internal/deps"
	"github.com/rcarmo/guerite/internal/docker"
)

// Tick runs one full decision pass and returns the ordered container set so
// the caller can compute the next wake time from it.
func (e *Engine) Tick(ctx context.Context) ([]*docker.Snapshot, error) {
	e.ensureLoaded()
	e.metrics.ScanStarted()
	now := e.clock.Now().In(e.loc)

	e.reconcileUpgrades(ctx, now)

	pruneDue := e.pruneDue(now)

	snaps, err := docker.Discover(ctx, e.docker, e.cfg, e.log.Warn)
	if err != nil {
		return nil, fmt.Errorf("discover containers: %w", err)
	}
	ordered := deps.Order(snaps)
	e.trackKnown(ordered)

	byBase := make(map[string]*docker.Snapshot, len(ordered))
	for _, snap := range ordered {
		byBase[snap.BaseName] = snap
	}

	failedProjects := map[string]bool{}
	for _, snap := range ordered {
		if ctx.Err() != nil {
			break
		}
		if e.cfg.RollingRestart && snap.ComposeProject != "" && failedProjects[snap.ComposeProject] {
			e.log.Info("skipping container after earlier failure in project",
				"name", snap.Name, "project", snap.ComposeProject)
			e.metrics.ScanSkipped()
			continue
		}
		if ok := e.processContainer(ctx, now, snap, byBase); !ok {
			failedProjects[snap.ComposeProject] = true
		}
	}

	if pruneDue {
		e.prune(ctx, now, ordered)
	}

	e.notifier.Flush(ctx)
	if e.notifyEnabled("detect") {
		e.notifier.FlushDetects(ctx, now)
	} else {
		e.notifier.DropDetects()
	}

	e.persistState()
	return ordered, nil
}

// pruneDue reports whether the global prune cron matches the current minute.
// An invalid expression warns once and behaves as "never".
func (e *Engine) pruneDue(now time.Time) bool {
	expr := cron.Clean(e.cfg.PruneCron)
	if expr == "" {
		return false
	}
	e.mu.Lock()
	warned := e.pruneWarned
	e.mu.Unlock()
	if warned {
		return false
	}
	due, err := cron.Match(expr, now)
	if err != nil {
		e.log.Warn("invalid prune cron expression", "expr", expr, "error", err)
		e.mu.Lock()
		e.pruneWarned = true
		e.mu.Unlock()
		return false
	}
	return due
}

// trackKnown updates the detection sets. The first pass seeds the baseline
// silently; later passes queue a detect notification for every container we
// did not create ourselves.
func (e *Engine) trackKnown(snaps []*docker.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.knownInit {
		for _, snap := range snaps {
			e.knownIDs[snap.ID] = struct{}{}
			e.knownNames[snap.BaseName] = struct{}{}
		}
		e.knownInit = true
		e.created = map[string]struct{}{}
		return
	}

	for _, snap := range snaps {
		if _, known := e.knownIDs[snap.ID]; known {
			continue
		}
		e.knownIDs[snap.ID] = struct{}{}
		e.knownNames[snap.BaseName] = struct{}{}
		if _, ours := e.created[snap.ID]; ours {
			continue
		}
		e.notifier.AppendDetect(snap.BaseName)
	}
	// Suppression is one-shot: the set is cleared on every pass, whether or
	// not its ids were listed again.
	e.created = map[string]struct{}{}
}

// matchSlot evaluates one schedule label against the current minute,
// warning once per container+slot on an invalid expression.
func (e *Engine) matchSlot(snap *docker.Snapshot, label string, now time.Time) bool {
	expr, ok := snap.Labels[label]
	if !ok {
		return false
	}
	due, err := cron.Match(expr, now)
	if err != nil {
		key := snap.ID + "/" + label
		e.mu.Lock()
		_, warned := e.badCron[key]
		e.badCron[key] = struct{}{}
		e.mu.Unlock()
		if !warned {
			e.log.Warn("invalid cron expression", "name", snap.Name, "label", label, "error", err)
		}
		return false
	}
	return due
}

// labelFlag reads a per-container boolean override label.
func labelFlag(snap *docker.Snapshot, label string) bool {
	switch strings.ToLower(strings.TrimSpace(snap.Labels[label])) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// processContainer applies the action priority for one container. Returns
// false when an action was attempted and failed (rolling restarts stop the
// rest of the project for this tick).
func (e *Engine) processContainer(ctx context.Context, now time.Time, snap *docker.Snapshot, byBase map[string]*docker.Snapshot) bool {
	e.metrics.ContainerScanned()

	updateDue := e.matchSlot(snap, e.cfg.UpdateLabel, now)
	recreateDue := e.matchSlot(snap, e.cfg.RecreateLabel, now)
	restartDue := e.matchSlot(snap, e.cfg.RestartLabel, now)
	healthDue := e.matchSlot(snap, e.cfg.HealthLabel, now)

	if !updateDue && !recreateDue && !restartDue && !healthDue {
		return true
	}

	if snap.PlatformManaged {
		e.log.Warn("skipping platform-managed container; recreation could lose secrets/configs", "name", snap.Name)
		if e.notifyEnabled("update") || e.notifyEnabled("restart") || e.notifyEnabled("recreate") || e.notifyEnabled("health") {
			e.notifier.Append(fmt.Sprintf("Skipping platform-managed container %s; secrets/configs not safely restorable", snap.Name))
		}
		return true
	}

	if healthDue && !snap.HasHealthcheck {
		e.mu.Lock()
		_, warned := e.noHealthWarned[snap.ID]
		e.noHealthWarned[snap.ID] = struct{}{}
		e.mu.Unlock()
		if !warned {
			e.log.Warn("container has a health schedule but no healthcheck", "name", snap.Name)
		}
		healthDue = false
	}
	unhealthyNow := healthDue && snap.Health == docker.HealthUnhealthy

	if !updateDue && !recreateDue && !restartDue && !unhealthyNow {
		e.log.Debug("no action due", "name", snap.Name)
		return true
	}

	// Dependency gating: all dependencies must be running and not unhealthy.
	for _, dep := range snap.DependsOn {
		depSnap, present := byBase[dep]
		if !present {
			continue
		}
		if !depSnap.Running || depSnap.Health == docker.HealthUnhealthy {
			e.log.Info("skipping container; dependency not ready", "name", snap.Name, "dependency", dep)
			e.metrics.ScanSkipped()
			return true
		}
	}

	if !e.cooldownOK(snap.BaseName, now) {
		e.log.Debug("skipping container; action cooldown active", "name", snap.Name)
		e.metrics.ScanSkipped()
		return true
	}
	if !e.markInFlight(snap.BaseName) {
		e.log.Debug("skipping container; action already in flight", "name", snap.Name)
		e.metrics.ScanSkipped()
		return true
	}
	defer e.clearInFlight(snap.BaseName)

	monitorOnly := e.cfg.MonitorOnly || labelFlag(snap, config.MonitorOnlyLabel)
	noPull := e.cfg.NoPull || labelFlag(snap, config.NoPullLabel)
	noRestart := e.cfg.NoRestart || labelFlag(snap, config.NoRestartLabel)

	if monitorOnly {
		e.log.Info("monitor-only; observing without acting", "name", snap.Name,
			"update_due", updateDue, "recreate_due", recreateDue,
			"restart_due", restartDue, "unhealthy", unhealthyNow)
		return true
	}

	e.runLifecycleHook(ctx, snap, "pre_check")
	defer e.runLifecycleHook(ctx, snap, "post_check")

	// Priority: update (new digest) > recreate > restart > health.
	if updateDue && !noPull {
		executed, ok := e.tryUpdate(ctx, now, snap, noRestart)
		if executed {
			return ok
		}
	} else if updateDue {
		e.log.Debug("update due but pulls disabled", "name", snap.Name)
	}

	switch {
	case recreateDue:
		return e.runScheduled(ctx, now, snap, "recreate", noRestart)
	case restartDue:
		return e.runScheduled(ctx, now, snap, "restart", noRestart)
	case unhealthyNow:
		return e.runHealthRemediation(ctx, now, snap, noRestart)
	}
	return true
}

// tryUpdate pulls the image reference and, when the digest moved, recreates
// on the new image. The first return value says whether the update slot
// consumed the tick for this container.
func (e *Engine) tryUpdate(ctx context.Context, now time.Time, snap *docker.Snapshot, noRestart bool) (executed, ok bool) {
	if snap.ImageRef == "" {
		e.log.Warn("skipping update; container has no usable image reference", "name", snap.Name)
		return false, true
	}
	doNotify := e.notifyEnabled("update")

	if err := e.docker.PullImage(ctx, snap.ImageRef); err != nil {
		e.log.Error("failed to pull image", "image", snap.ImageRef, "error", err)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Failed to pull %s for %s", snap.ImageRef, snap.Name))
		}
		return false, true
	}
	pulledID, err := e.docker.ImageID(ctx, snap.ImageRef)
	if err != nil {
		e.log.Warn("could not resolve pulled image id", "image", snap.ImageRef, "error", err)
		return false, true
	}
	if pulledID == snap.ImageID {
		e.log.Debug("image up to date", "name", snap.Name, "image", snap.ImageRef)
		return false, true
	}

	e.log.Info("new image digest found", "name", snap.Name, "image", snap.ImageRef,
		"old", docker.ShortID(snap.ImageID), "new", docker.ShortID(pulledID))
	if doNotify {
		e.notifier.Append(fmt.Sprintf("Found new %s image (%s)", snap.ImageRef, docker.ShortID(pulledID)))
	}

	if e.cfg.DryRun {
		e.log.Info("dry run; not updating", "name", snap.Name)
		return true, true
	}
	if noRestart {
		e.log.Info("restarts disabled; not applying update", "name", snap.Name)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Update available for %s but restarts are disabled", snap.Name))
		}
		return true, true
	}
	if !e.restartAllowed(snap.ID, now) {
		return true, true
	}

	e.noteAction(snap.BaseName, now)
	e.runLifecycleHook(ctx, snap, "pre_update")
	if err := e.recreate(ctx, now, snap, pulledID, true, doNotify); err != nil {
		e.metrics.ContainerFailed()
		return true, false
	}
	e.runLifecycleHook(ctx, snap, "post_update")
	e.metrics.ContainerUpdated()
	e.removeOldImage(ctx, snap.ImageID, pulledID, doNotify)
	return true, true
}

// runScheduled handles the recreate and restart slots.
func (e *Engine) runScheduled(ctx context.Context, now time.Time, snap *docker.Snapshot, slot string, noRestart bool) bool {
	doNotify := e.notifyEnabled(slot)
	if e.cfg.DryRun {
		e.log.Info("dry run; not acting", "name", snap.Name, "slot", slot)
		return true
	}
	if noRestart {
		e.log.Info("restarts disabled; skipping scheduled action", "name", snap.Name, "slot", slot)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Scheduled %s of %s skipped; restarts disabled", slot, snap.Name))
		}
		return true
	}
	if !e.restartAllowed(snap.ID, now) {
		e.notifyBackoffPending(snap, doNotify)
		return true
	}

	e.noteAction(snap.BaseName, now)

	if slot == "restart" {
		e.log.Info("restarting container in place", "name", snap.Name)
		if err := e.docker.RestartContainer(ctx, snap.ID); err != nil {
			e.log.Error("in-place restart failed", "name", snap.Name, "error", err)
			if doNotify {
				e.notifier.Append(fmt.Sprintf("Failed to restart %s: %v", snap.Name, err))
			}
			e.registerRestartFailure(snap.ID, snap.Name, now, doNotify)
			e.metrics.ContainerFailed()
			return false
		}
		e.clearFailureState(snap.ID)
		e.metrics.ContainerUpdated()
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Restarted %s (scheduled restart) (%s)", snap.Name, docker.ShortID(snap.ImageID)))
		}
		return true
	}

	e.log.Info("recreating container on schedule", "name", snap.Name)
	if err := e.recreate(ctx, now, snap, "", false, doNotify); err != nil {
		e.metrics.ContainerFailed()
		return false
	}
	e.metrics.ContainerUpdated()
	if doNotify {
		e.notifier.Append(fmt.Sprintf("Recreated %s (scheduled) (%s)", snap.Name, docker.ShortID(snap.ImageID)))
	}
	return true
}

// runHealthRemediation recreates an unhealthy container, honoring the
// health back-off window.
func (e *Engine) runHealthRemediation(ctx context.Context, now time.Time, snap *docker.Snapshot, noRestart bool) bool {
	doNotify := e.notifyEnabled("health")
	if !e.healthAllowed(snap.ID, now) {
		return true
	}
	if !e.restartAllowed(snap.ID, now) {
		e.notifyBackoffPending(snap, doNotify)
		return true
	}
	if e.cfg.DryRun {
		e.log.Info("dry run; not remediating unhealthy container", "name", snap.Name)
		return true
	}
	if noRestart {
		e.log.Info("restarts disabled; not remediating unhealthy container", "name", snap.Name)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("%s is unhealthy but restarts are disabled", snap.Name))
		}
		return true
	}

	e.log.Info("recreating unhealthy container", "name", snap.Name)
	e.noteAction(snap.BaseName, now)
	if err := e.recreate(ctx, now, snap, "", false, doNotify); err != nil {
		e.metrics.ContainerFailed()
		return false
	}
	e.metrics.ContainerUpdated()
	e.setHealthBackoff(snap.ID, now.Add(e.cfg.HealthBackoff))
	if doNotify {
		e.notifier.Append(fmt.Sprintf("Restarted %s after failed health check (%s)", snap.Name, docker.ShortID(snap.ImageID)))
	}
	return true
}

// notifyBackoffPending surfaces (once per id) that a container is waiting
// out its failure back-off.
func (e *Engine) notifyBackoffPending(snap *docker.Snapshot, doNotify bool) {
	if !doNotify {
		return
	}
	e.mu.Lock()
	until, ok := e.restartBackoff[snap.ID]
	_, alreadyNotified := e.backoffNotified[snap.ID]
	if ok && !alreadyNotified {
		e.backoffNotified[snap.ID] = struct{}{}
	}
	e.mu.Unlock()
	if ok && !alreadyNotified {
		e.notifier.Append(fmt.Sprintf("Recreate for %s deferred until %s after repeated failures",
			snap.Name, until.Format(time.RFC3339)))
	}
}

// removeOldImage deletes the pre-update image after a successful upgrade.
// Never fails the tick.
func (e *Engine) removeOldImage(ctx context.Context, oldID, newID string, doNotify bool) {
	if oldID == "" || oldID == newID {
		return
	}
	if err := e.docker.RemoveImage(ctx, oldID); err != nil {
		e.log.Warn("could not remove old image", "image", docker.ShortID(oldID), "error", err)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Failed to remove image (%s): %v", docker.ShortID(oldID), err))
		}
		return
	}
	e.log.Info("removed old image", "image", docker.ShortID(oldID))
	if doNotify {
		e.notifier.Append(fmt.Sprintf("Removing image (%s)", docker.ShortID(oldID)))
	}
}
