// Package sandbox runs one conversion job inside a resource-bounded container
// and guarantees the container is removed afterwards.
//
// The Supervisor only talks to the container engine through Runtime, so the
// Docker client can be swapped for a fake in tests. Lifecycle per job is
// strictly Created → Started → Exited → Removed.
package sandbox

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Runtime when the image or container is absent.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by a Runtime when the engine is already removing
// the container (AutoRemove raced the explicit removal).
var ErrConflict = errors.New("conflict")

// ImageInfo describes one locally available image.
type ImageInfo struct {
	ID       string
	RepoTags []string
	Size     int64
	Created  int64
}

// ContainerInfo is one entry of a container listing.
type ContainerInfo struct {
	ID     string
	Names  []string
	Image  string
	State  string // created, running, exited, dead, ...
	Status string // human readable, e.g. "Up 3 minutes"
	Labels map[string]string
}

// ExitInfo is what the engine reports when the container process exits.
type ExitInfo struct {
	StatusCode int64
	Error      string
}

// Runtime is the container engine capability set the supervisor consumes.
type Runtime interface {
	ListImages(ctx context.Context) ([]ImageInfo, error)
	PullImage(ctx context.Context, name, tag string) error
	CreateContainer(ctx context.Context, name string, spec ExecutionSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	// WaitForExit subscribes to the next exit of the container. It must be
	// called before StartContainer so an auto-removed container cannot exit
	// unobserved.
	WaitForExit(ctx context.Context, id string) (<-chan ExitInfo, <-chan error)
	KillContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	RemoveContainer(ctx context.Context, id string) error
}
