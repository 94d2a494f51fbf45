package engine

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/rcarmo/guerite/internal/docker"
	"github.com/rcarmo/guerite/internal/state"
)

// healthPollInterval is how often the health gate re-inspects the new
// container while waiting for it to become healthy.
const healthPollInterval = 2 * time.Second

// recreateState captures how far the blue/green transaction got, so the
// rollback path knows exactly what to undo.
type recreateState struct {
	oldID   string
	base    string
	tempOld string
	tempNew string

	newID      string
	oldRenamed bool
	promoted   bool
	attached   []string // networks explicitly connected to the new container
}

// recreate replaces a container with a fresh one built from the identical
// configuration, gated on health, with full rollback on any failed step.
// targetImageID is the freshly pulled image id for upgrades, empty otherwise.
func (e *Engine) recreate(ctx context.Context, now time.Time, snap *docker.Snapshot, targetImageID string, isUpgrade, doNotify bool) error {
	if snap.ID == "" || snap.Name == "" {
		return fmt.Errorf("container %q has no id or name", snap.Name)
	}
	suffix := snap.ID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	st := &recreateState{
		oldID:   snap.ID,
		base:    snap.BaseName,
		tempOld: snap.BaseName + "-guerite-old-" + suffix,
		tempNew: snap.BaseName + "-guerite-new-" + suffix,
	}

	imageRef := snap.ImageRef
	if imageRef == "" {
		imageRef = snap.ImageID
	}

	e.preflightMounts(snap, doNotify)

	if isUpgrade {
		e.mu.Lock()
		e.upgrades[snap.ID] = &state.Upgrade{
			OriginalImageID: snap.ImageID,
			TargetImageID:   targetImageID,
			BaseName:        snap.BaseName,
			StartedAt:       now.UTC(),
			Status:          state.UpgradeInProgress,
		}
		e.mu.Unlock()
		e.saveUpgrades()
	}

	fail := func(step string, cause error) error {
		err := fmt.Errorf("%s %s: %w", step, st.base, cause)
		e.log.Error("recreate step failed, rolling back", "name", st.base, "step", step, "error", cause)
		e.rollback(ctx, st, isUpgrade, doNotify)
		e.registerRestartFailure(st.oldID, st.base, e.clock.Now(), doNotify)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Failed to restart %s: %v", st.base, cause))
		}
		return err
	}

	// S0 -> S1: move the production name out of the way.
	if err := e.docker.RenameContainer(ctx, st.oldID, st.tempOld); err != nil {
		return fail("rename", err)
	}
	st.oldRenamed = true

	// S1 -> S2: create the replacement under its temporary name.
	cfg := cloneConfig(snap.Config)
	cfg.Image = imageRef
	netCfg, macNetworks := splitNetworks(snap.Networks)
	newID, err := e.createWithPriorityFallback(ctx, st.tempNew, cfg, snap.HostConfig, netCfg)
	if err != nil {
		return fail("create", err)
	}
	st.newID = newID

	// S2 -> S3: stop the old container. Stop failure is non-fatal; the old
	// container is force-removed at the end anyway.
	e.log.Info("stopping container", "name", st.base, "image", docker.ShortID(snap.ImageID))
	if doNotify {
		e.notifier.Append(fmt.Sprintf("Stopping container %s (%s)", st.base, docker.ShortID(snap.ImageID)))
	}
	if err := e.docker.StopContainer(ctx, st.oldID, int(e.cfg.StopTimeout.Seconds())); err != nil {
		e.log.Warn("failed to stop old container, continuing", "name", st.base, "error", err)
	}

	// S3 -> S4: attach networks that pin a MAC address; these cannot ride
	// along on create while the old container still holds the address.
	for netName, ep := range macNetworks {
		if err := e.docker.ConnectNetwork(ctx, netName, st.newID, ep); err != nil {
			for _, done := range st.attached {
				if dErr := e.docker.DisconnectNetwork(ctx, done, st.newID, true); dErr != nil {
					e.log.Debug("cascade disconnect failed", "network", done, "error", dErr)
				}
			}
			return fail("connect network "+netName, err)
		}
		st.attached = append(st.attached, netName)
	}

	// S4 -> S5: start the replacement.
	if err := e.docker.StartContainer(ctx, st.newID); err != nil {
		return fail("start", err)
	}

	// S5 -> S6: wait for the replacement to become healthy.
	if snap.HasHealthcheck {
		if err := e.awaitHealthy(ctx, st.newID); err != nil {
			return fail("health check", err)
		}
	}

	// S6 -> S7: promote.
	if err := e.docker.RenameContainer(ctx, st.newID, st.base); err != nil {
		return fail("promote", err)
	}
	st.promoted = true
	e.mu.Lock()
	e.created[st.newID] = struct{}{}
	e.knownIDs[st.newID] = struct{}{}
	e.mu.Unlock()

	// S7 -> S8: drop the old container. A failed removal is left for prune.
	if err := e.docker.RemoveContainer(ctx, st.oldID); err != nil {
		e.log.Warn("could not remove old container; prune will collect it", "name", st.tempOld, "error", err)
	}

	e.clearFailureState(st.oldID, st.newID)
	if isUpgrade {
		e.mu.Lock()
		if u, ok := e.upgrades[snap.ID]; ok {
			u.Status = state.UpgradeCompleted
		}
		e.mu.Unlock()
		e.saveUpgrades()
	}

	newImage := targetImageID
	if newImage == "" {
		newImage = snap.ImageID
	}
	e.log.Info("recreated container", "name", st.base, "image", docker.ShortID(newImage))
	if doNotify && isUpgrade {
		e.notifier.Append(fmt.Sprintf("Created container %s (%s)", st.base, docker.ShortID(newImage)))
	}
	return nil
}

// rollback restores the original container. The replacement is always
// removed (or renamed away) before the original gets its name back, so the
// production name can never collide.
func (e *Engine) rollback(ctx context.Context, st *recreateState, isUpgrade, doNotify bool) {
	rollbackFailed := false

	if st.newID != "" {
		if st.promoted {
			if err := e.docker.RenameContainer(ctx, st.newID, st.tempNew); err != nil {
				e.log.Error("could not rename promoted container back", "name", st.base, "error", err)
				rollbackFailed = true
			}
		}
		if err := e.docker.RemoveContainer(ctx, st.newID); err != nil {
			failedName := st.base + "-guerite-failed-" + shortSuffix(st.oldID)
			e.log.Warn("could not remove replacement, renaming it aside", "name", st.tempNew, "error", err)
			if rnErr := e.docker.RenameContainer(ctx, st.newID, failedName); rnErr != nil {
				e.log.Error("could not rename failed replacement", "name", st.tempNew, "error", rnErr)
				rollbackFailed = true
			} else if rmErr := e.docker.RemoveContainer(ctx, st.newID); rmErr != nil {
				e.log.Error("could not remove failed replacement", "name", failedName, "error", rmErr)
				rollbackFailed = true
			}
		}
	}

	if st.oldRenamed && !rollbackFailed {
		if err := e.docker.RenameContainer(ctx, st.oldID, st.base); err != nil {
			e.log.Error("could not restore original name", "name", st.base, "error", err)
			rollbackFailed = true
		} else if err := e.docker.StartContainer(ctx, st.oldID); err != nil {
			// Idempotent: the old container may never have stopped.
			e.log.Warn("could not start original container after rollback", "name", st.base, "error", err)
		}
	}

	if isUpgrade {
		e.mu.Lock()
		if u, ok := e.upgrades[st.oldID]; ok {
			u.Status = state.UpgradeFailed
		}
		e.mu.Unlock()
		e.saveUpgrades()
	}

	if rollbackFailed {
		newDesc := "none"
		if st.newID != "" {
			newDesc = docker.ShortID(st.newID)
		}
		oldDesc := st.base
		if st.oldRenamed {
			oldDesc = st.tempOld
		}
		e.log.Error("ROLLBACK FAILED; operator intervention required",
			"old", oldDesc, "new", newDesc)
		e.notifier.Append(fmt.Sprintf("Rollback FAILED for %s (old=%s, new=%s); manual intervention required",
			st.base, oldDesc, newDesc))
		return
	}

	e.log.Info("rolled back container", "name", st.base)
	if doNotify {
		e.notifier.Append(fmt.Sprintf("Rolled back %s", st.base))
	}
}

// awaitHealthy polls the replacement until it reports healthy, the health
// section disappears, or the health-check timeout expires. "starting" keeps
// waiting; any other state fails immediately.
func (e *Engine) awaitHealthy(ctx context.Context, id string) error {
	start := e.clock.Now()
	for {
		inspect, err := e.docker.InspectContainer(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect during health gate: %w", err)
		}
		if inspect.State == nil || inspect.State.Health == nil {
			return nil // healthcheck vanished from the new image: no gating
		}
		switch strings.ToLower(string(inspect.State.Health.Status)) {
		case "healthy":
			return nil
		case "", "none":
			return nil
		case "starting":
			// pending
		default:
			return fmt.Errorf("container reported %s", inspect.State.Health.Status)
		}

		if e.clock.Since(start) >= e.cfg.HealthCheckTimeout {
			return fmt.Errorf("not healthy after %s", e.cfg.HealthCheckTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(healthPollInterval):
		}
	}
}

// preflightMounts warns about mount configurations that often break a
// recreate on this host. Non-fatal.
func (e *Engine) preflightMounts(snap *docker.Snapshot, doNotify bool) {
	for _, mount := range snap.Mounts {
		switch mount.Type {
		case "bind":
			if mount.Source == "" {
				continue
			}
			if _, err := os.Stat(mount.Source); err != nil {
				e.log.Warn("bind source missing; recreate may fail",
					"name", snap.Name, "source", mount.Source)
				if doNotify {
					e.notifier.Append(fmt.Sprintf("Bind source missing for %s: %s", snap.Name, mount.Source))
				}
			}
		case "volume":
			if mount.Driver != "" && mount.Driver != "local" {
				e.log.Warn("volume uses non-local driver; ensure it is available",
					"name", snap.Name, "volume", mount.Name, "driver", mount.Driver)
				if doNotify {
					e.notifier.Append(fmt.Sprintf("Volume driver %s for %s at %s", mount.Driver, snap.Name, mount.Destination))
				}
			}
		}
	}
}

// createWithPriorityFallback creates the container, retrying once without
// gateway priorities when the daemon rejects that endpoint field. Other
// rejections propagate untouched.
func (e *Engine) createWithPriorityFallback(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	id, err := e.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err == nil || netCfg == nil || !strings.Contains(strings.ToLower(err.Error()), "priority") {
		return id, err
	}

	stripped := &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
	hadPriority := false
	for netName, ep := range netCfg.EndpointsConfig {
		clone := *ep
		if clone.GwPriority != 0 {
			clone.GwPriority = 0
			hadPriority = true
		}
		stripped.EndpointsConfig[netName] = &clone
	}
	if !hadPriority {
		return "", err
	}
	e.log.Debug("daemon rejected gateway priority; retrying without it", "name", name)
	return e.docker.CreateContainer(ctx, name, cfg, hostCfg, stripped)
}

// cloneConfig copies the container config with cloned labels so mutations
// never leak into the snapshot.
func cloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// splitNetworks rebuilds endpoint settings from the source container's
// networks. Networks pinning a MAC address are returned separately; they are
// attached only after the old container stops and releases the address.
func splitNetworks(ns *container.NetworkSettings) (*network.NetworkingConfig, map[string]*network.EndpointSettings) {
	if ns == nil || len(ns.Networks) == 0 {
		return nil, nil
	}

	createTime := map[string]*network.EndpointSettings{}
	deferred := map[string]*network.EndpointSettings{}
	for netName, ep := range ns.Networks {
		clone := &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			Links:      ep.Links,
			DriverOpts: ep.DriverOpts,
			MacAddress: ep.MacAddress,
			GwPriority: ep.GwPriority,
		}
		if ep.MacAddress != "" {
			deferred[netName] = clone
		} else {
			createTime[netName] = clone
		}
	}

	var netCfg *network.NetworkingConfig
	if len(createTime) > 0 {
		netCfg = &network.NetworkingConfig{EndpointsConfig: createTime}
	}
	if len(deferred) == 0 {
		deferred = nil
	}
	return netCfg, deferred
}

func shortSuffix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
