package docker

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/rcarmo/guerite/internal/config"
)

// Health classifies a container's reported health status.
type Health string

const (
	HealthNone      Health = "none"
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthOther     Health = "other"
)

// Snapshot is an immutable view of one container captured at tick time.
type Snapshot struct {
	ID             string
	Name           string
	BaseName       string
	ComposeProject string
	ImageID        string
	ImageRef       string
	Labels         map[string]string
	Running        bool
	Health         Health
	StartedAt      time.Time
	HasHealthcheck bool
	Mounts         []container.MountPoint
	Networks       *container.NetworkSettings
	Config         *container.Config
	HostConfig     *container.HostConfig
	DependsOn      []string // normalized base names

	// PlatformManaged is true when an external orchestrator owns the
	// container; guerite never restarts or recreates those.
	PlatformManaged bool
}

// suffixPattern matches the temporary names guerite gives containers during
// a blue/green recreate.
var suffixPattern = regexp.MustCompile(`^(.*)-guerite-(?:old|new)-[0-9a-f]{8}$`)

// BaseName strips any trailing -guerite-old-<8hex> / -guerite-new-<8hex>
// suffix, repeatedly, until the name is stable.
func BaseName(name string) string {
	current := name
	for {
		m := suffixPattern.FindStringSubmatch(current)
		if m == nil {
			return current
		}
		current = m[1]
	}
}

// ShortID trims an image or container identifier to 12 hex characters,
// dropping any algorithm prefix.
func ShortID(id string) string {
	if id == "" {
		return "unknown"
	}
	if i := strings.LastIndex(id, ":"); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// NewSnapshot builds a Snapshot from an inspect response.
func NewSnapshot(inspect container.InspectResponse, settings *config.Settings) *Snapshot {
	name := strings.TrimPrefix(inspect.Name, "/")

	snap := &Snapshot{
		ID:         inspect.ID,
		Name:       name,
		BaseName:   BaseName(name),
		ImageID:    inspect.Image,
		Mounts:     inspect.Mounts,
		Networks:   inspect.NetworkSettings,
		Config:     inspect.Config,
		HostConfig: inspect.HostConfig,
		Health:     HealthNone,
	}

	if inspect.Config != nil {
		snap.Labels = inspect.Config.Labels
		snap.ImageRef = inspect.Config.Image
		snap.HasHealthcheck = hasHealthcheck(inspect.Config)
	}
	if snap.Labels == nil {
		snap.Labels = map[string]string{}
	}
	// Never act on a raw digest reference; a pull would not move the tag.
	if strings.HasPrefix(snap.ImageRef, "sha256:") {
		snap.ImageRef = ""
	}

	snap.ComposeProject = snap.Labels[config.ComposeProjectLabel]
	_, snap.PlatformManaged = snap.Labels[config.SwarmServiceLabel]

	if inspect.State != nil {
		snap.Running = inspect.State.Running
		if inspect.State.Health != nil {
			snap.Health = classifyHealth(string(inspect.State.Health.Status))
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			snap.StartedAt = t
		}
	}

	snap.DependsOn = dependencyEdges(inspect, snap.Labels, settings.DependsLabel)
	return snap
}

// dependencyEdges merges the engine's legacy Links list with the
// comma-separated depends label, both normalized to base names.
func dependencyEdges(inspect container.InspectResponse, labels map[string]string, dependsLabel string) []string {
	seen := map[string]struct{}{}
	var deps []string
	add := func(raw string) {
		name := BaseName(strings.TrimPrefix(strings.TrimSpace(raw), "/"))
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		deps = append(deps, name)
	}

	if inspect.HostConfig != nil {
		for _, link := range inspect.HostConfig.Links {
			// Legacy link format "/target:/source/alias" — target before the first colon.
			target := link
			if i := strings.Index(link, ":"); i >= 0 {
				target = link[:i]
			}
			add(target)
		}
	}

	if v := labels[dependsLabel]; v != "" {
		for _, name := range strings.Split(v, ",") {
			add(name)
		}
	}

	return deps
}

func hasHealthcheck(cfg *container.Config) bool {
	hc := cfg.Healthcheck
	if hc == nil || len(hc.Test) == 0 {
		return false
	}
	return !strings.EqualFold(hc.Test[0], "NONE")
}

func classifyHealth(status string) Health {
	switch strings.ToLower(status) {
	case "", "none":
		return HealthNone
	case "starting":
		return HealthStarting
	case "healthy":
		return HealthHealthy
	case "unhealthy":
		return HealthUnhealthy
	default:
		return HealthOther
	}
}

// Discover lists the containers guerite supervises: the union of containers
// carrying any schedule label, filtered by scope and the include/exclude
// name sets. Label presence is re-verified on each listing result because
// daemon-side filters can be loose.
func Discover(ctx context.Context, eng ContainerEngine, settings *config.Settings, warn func(msg string, args ...any)) ([]*Snapshot, error) {
	var order []string
	summaries := map[string]container.Summary{}

	var lastErr error
	listed := false
	for _, label := range settings.ScheduleLabels() {
		items, err := eng.ListByLabel(ctx, label)
		if err != nil {
			warn("failed to list containers", "label", label, "error", err)
			lastErr = err
			continue
		}
		listed = true
		for _, c := range items {
			if _, ok := c.Labels[label]; !ok {
				continue
			}
			if _, dup := summaries[c.ID]; !dup {
				order = append(order, c.ID)
			}
			summaries[c.ID] = c
		}
	}
	if !listed {
		return nil, lastErr
	}

	snaps := make([]*Snapshot, 0, len(order))
	for _, id := range order {
		inspect, err := eng.InspectContainer(ctx, id)
		if err != nil {
			warn("failed to inspect container", "id", ShortID(id), "error", err)
			continue
		}
		snap := NewSnapshot(inspect, settings)

		if settings.ScopeValue != "" && snap.Labels[settings.ScopeLabel] != settings.ScopeValue {
			continue
		}
		if !settings.NameSelected(snap.BaseName) {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
