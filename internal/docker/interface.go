package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/network"
)

// PruneReport summarises one image-prune pass.
type PruneReport struct {
	SpaceReclaimed int64
	Deleted        []string // image refs or digests, untagged entries first
}

// ContainerEngine defines the engine operations guerite drives.
// Implemented by Client for production, and by an in-memory fake for tests.
type ContainerEngine interface {
	ListByLabel(ctx context.Context, label string) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RestartContainer(ctx context.Context, id string) error
	RenameContainer(ctx context.Context, id, name string) error
	RemoveContainer(ctx context.Context, id string) error
	ConnectNetwork(ctx context.Context, networkID, containerID string, ep *network.EndpointSettings) error
	DisconnectNetwork(ctx context.Context, networkID, containerID string, force bool) error
	PullImage(ctx context.Context, refStr string) error
	ImageID(ctx context.Context, imageRef string) (string, error)
	RemoveImage(ctx context.Context, id string) error
	PruneImages(ctx context.Context) (PruneReport, error)
	ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error)
	Events(ctx context.Context) (<-chan events.Message, <-chan error)
	Close() error
}

// Verify Client implements ContainerEngine at compile time.
var _ ContainerEngine = (*Client)(nil)
