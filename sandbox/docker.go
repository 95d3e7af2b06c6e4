package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

var _ Runtime = (*DockerRuntime)(nil)

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine at uri, e.g. unix:///var/run/docker.sock.
func NewDockerRuntime(uri string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(uri),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", uri, err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping checks the engine is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return mapErr(err)
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := d.cli.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		out = append(out, ImageInfo{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Size:     img.Size,
			Created:  img.Created,
		})
	}
	return out, nil
}

func (d *DockerRuntime) PullImage(ctx context.Context, name, tag string) error {
	rc, err := d.cli.ImagePull(ctx, name+":"+tag, image.PullOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull stream: %w", err)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, name string, spec ExecutionSpec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.ImageRef(),
			Cmd:    spec.Args,
			Labels: spec.Labels,
		},
		&container.HostConfig{
			Binds:      spec.Binds(),
			AutoRemove: true,
			Resources: container.Resources{
				Memory:   spec.MemoryBytes,
				NanoCPUs: spec.NanoCPUs,
			},
		},
		nil, nil, name)
	if err != nil {
		return "", mapErr(err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return mapErr(d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerRuntime) WaitForExit(ctx context.Context, id string) (<-chan ExitInfo, <-chan error) {
	exitCh := make(chan ExitInfo, 1)
	errCh := make(chan error, 1)

	respCh, waitErrCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	go func() {
		select {
		case resp := <-respCh:
			info := ExitInfo{StatusCode: resp.StatusCode}
			if resp.Error != nil {
				info.Error = resp.Error.Message
			}
			exitCh <- info
		case err := <-waitErrCh:
			errCh <- mapErr(err)
		}
	}()
	return exitCh, errCh
}

func (d *DockerRuntime) KillContainer(ctx context.Context, id string) error {
	return mapErr(d.cli.ContainerKill(ctx, id, "KILL"))
}

func (d *DockerRuntime) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Names:  c.Names,
			Image:  c.Image,
			State:  c.State,
			Status: c.Status,
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	return mapErr(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

// mapErr translates engine errors into the sandbox sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return errors.Join(ErrNotFound, err)
	case errdefs.IsConflict(err):
		return errors.Join(ErrConflict, err)
	default:
		return err
	}
}
