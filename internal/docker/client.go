package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Client is the production ContainerEngine backed by the moby API client.
// Every method wraps daemon errors with the failing operation so engine
// logs read as "rename app: ..." rather than a bare API error.
type Client struct {
	api *client.Client
}

// NewClient dials the daemon at the given endpoint. tcp:// and unix:// URLs
// pass through as-is; anything else is taken as a unix socket path.
func NewClient(dockerHost string) (*Client, error) {
	var opts []client.Opt

	switch {
	case strings.HasPrefix(dockerHost, "tcp://"), strings.HasPrefix(dockerHost, "tcps://"):
		opts = append(opts, client.WithHost(dockerHost))
	case strings.HasPrefix(dockerHost, "unix://"):
		opts = append(opts, client.WithHost(dockerHost))
	default:
		opts = append(opts,
			client.WithHost("unix://"+dockerHost),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerHost, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// Ping verifies the daemon answers at all. Used by the connect-retry loop.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("ping daemon: %w", err)
	}
	return nil
}

// Close tears down the underlying HTTP client.
func (c *Client) Close() error {
	return c.api.Close()
}

// ListByLabel asks the daemon for containers in any state that carry the
// label. Daemon-side label filters are not trusted blindly; Discover checks
// presence again on each result.
func (c *Client) ListByLabel(ctx context.Context, label string) ([]container.Summary, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", label),
	})
	if err != nil {
		return nil, fmt.Errorf("list by label %s: %w", label, err)
	}
	return result.Items, nil
}

// InspectContainer fetches the full attributes for one container. The id
// may also be a name; the daemon resolves both.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	return result.Container, nil
}

// CreateContainer materialises the replacement container under its
// temporary name and hands back the new id.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	created, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	return created.ID, nil
}

// StartContainer brings a created or stopped container up.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if _, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	return nil
}

// StopContainer asks the container to exit, escalating to SIGKILL after
// timeout seconds. timeout <= 0 leaves the daemon's default in place.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	opts := client.ContainerStopOptions{}
	if timeout > 0 {
		opts.Timeout = &timeout
	}
	if _, err := c.api.ContainerStop(ctx, id, opts); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// RestartContainer bounces a container in place, keeping its identity.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	if _, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{}); err != nil {
		return fmt.Errorf("restart %s: %w", id, err)
	}
	return nil
}

// RenameContainer moves a container to a new name. The recreate protocol
// leans on this both to vacate the production name and to promote the
// replacement into it.
func (c *Client) RenameContainer(ctx context.Context, id, name string) error {
	if _, err := c.api.ContainerRename(ctx, id, client.ContainerRenameOptions{NewName: name}); err != nil {
		return fmt.Errorf("rename %s to %s: %w", id, name, err)
	}
	return nil
}

// RemoveContainer force-removes a container. Anonymous volumes are kept;
// the replacement reuses them through the cloned host config.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if _, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// ConnectNetwork attaches a container to a network, carrying the endpoint
// attributes (aliases, links, IPAM, MAC, driver opts) from the source.
func (c *Client) ConnectNetwork(ctx context.Context, networkID, containerID string, ep *network.EndpointSettings) error {
	_, err := c.api.NetworkConnect(ctx, networkID, client.NetworkConnectOptions{
		Container:      containerID,
		EndpointConfig: ep,
	})
	if err != nil {
		return fmt.Errorf("connect %s to %s: %w", containerID, networkID, err)
	}
	return nil
}

// DisconnectNetwork undoes ConnectNetwork; the rollback path uses it to
// cascade-detach a half-attached replacement.
func (c *Client) DisconnectNetwork(ctx context.Context, networkID, containerID string, force bool) error {
	_, err := c.api.NetworkDisconnect(ctx, networkID, client.NetworkDisconnectOptions{
		Container: containerID,
		Force:     force,
	})
	if err != nil {
		return fmt.Errorf("disconnect %s from %s: %w", containerID, networkID, err)
	}
	return nil
}

// PullImage fetches an image reference and blocks until the daemon has the
// layers on disk, so a following ImageID sees the fresh digest.
func (c *Client) PullImage(ctx context.Context, refStr string) error {
	pull, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", refStr, err)
	}
	if err := pull.Wait(ctx); err != nil {
		return fmt.Errorf("pull %s: %w", refStr, err)
	}
	return nil
}

// ImageID resolves a reference to the local image id. The engine compares
// this against the running container's image to decide whether a pull
// actually moved the tag.
func (c *Client) ImageID(ctx context.Context, imageRef string) (string, error) {
	info, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("resolve image %s: %w", imageRef, err)
	}
	return info.ID, nil
}

// RemoveImage deletes an image (and its untagged children) after a
// successful upgrade has stopped using it.
func (c *Client) RemoveImage(ctx context.Context, id string) error {
	if _, err := c.api.ImageRemove(ctx, id, client.ImageRemoveOptions{PruneChildren: true}); err != nil {
		return fmt.Errorf("remove image %s: %w", id, err)
	}
	return nil
}

// PruneImages asks the daemon to drop unused images, not just dangling
// ones. Delete entries come back as Untagged, Deleted, or both depending
// on daemon version; whichever is present is kept, untagged refs first
// since those are the human-readable ones.
func (c *Client) PruneImages(ctx context.Context) (PruneReport, error) {
	pruned, err := c.api.ImagePrune(ctx, client.ImagePruneOptions{
		Filters: make(client.Filters).Add("dangling", "false"),
	})
	if err != nil {
		return PruneReport{}, fmt.Errorf("prune images: %w", err)
	}

	report := PruneReport{
		SpaceReclaimed: int64(pruned.Report.SpaceReclaimed), //nolint:gosec // reclaimed bytes fit in int64
	}
	for _, entry := range pruned.Report.ImagesDeleted {
		switch {
		case entry.Untagged != "":
			report.Deleted = append(report.Deleted, entry.Untagged)
		case entry.Deleted != "":
			report.Deleted = append(report.Deleted, entry.Deleted)
		}
	}
	return report, nil
}

// ExecContainer runs cmd inside the container and waits for it to finish,
// returning the exit status and the combined output. Lifecycle hooks are
// the only caller; timeout bounds how long a hook may hold up the action.
func (c *Client) ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	created, err := c.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("exec in %s: %w", id, err)
	}

	attached, err := c.api.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("attach exec in %s: %w", id, err)
	}
	defer attached.Close()

	output, err := drainExec(attached.Reader)
	if err != nil {
		return -1, "", fmt.Errorf("read exec output in %s: %w", id, err)
	}

	status, err := c.api.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return -1, output, fmt.Errorf("exec status in %s: %w", id, err)
	}
	return status.ExitCode, output, nil
}

// drainExec demultiplexes the attached exec stream into a single combined
// string, stdout first.
func drainExec(r io.Reader) (string, error) {
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, r); err != nil {
		return "", err
	}
	if stderr.Len() > 0 {
		stdout.Write(stderr.Bytes())
	}
	return stdout.String(), nil
}

// Events opens the daemon's event stream, pre-filtered to container events.
// The listener owns the returned channels and reconnects on failure.
func (c *Client) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	return c.api.Events(ctx, client.EventsListOptions{
		Filters: make(client.Filters).Add("type", "container"),
	})
}
