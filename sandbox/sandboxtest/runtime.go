// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"videoworker/sandbox"
)

// Counts tallies the calls a Runtime has served.
type Counts struct {
	Pulls   int
	Created int
	Started int
	Killed  int
	Removed int
}

// Runtime simulates a container engine. Configure the exported fields before
// handing it to a Supervisor.
type Runtime struct {
	Images []sandbox.ImageInfo
	// ImageMissing makes CreateContainer fail with ErrNotFound until PullImage runs.
	ImageMissing bool
	// AutoRemove deletes containers as soon as they exit.
	AutoRemove bool

	PullErr   error
	CreateErr error
	StartErr  error
	RemoveErr error

	ExitCode  int64
	ExitError string
	// RunFor delays the exit of every started container.
	RunFor time.Duration
	// Hang keeps containers running until killed or removed.
	Hang bool
	// OnStart plays the container process. A non-nil error exits with code 1.
	OnStart func(spec sandbox.ExecutionSpec) error

	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int
	counts     Counts
	specs      []sandbox.ExecutionSpec
}

type fakeContainer struct {
	info   sandbox.ContainerInfo
	spec   sandbox.ExecutionSpec
	exit   sandbox.ExitInfo
	exited chan struct{}
	once   sync.Once
}

var _ sandbox.Runtime = (*Runtime)(nil)

// Counts returns a snapshot of the call counters.
func (r *Runtime) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Live returns the number of containers that still exist.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Specs returns every spec passed to a successful CreateContainer.
func (r *Runtime) Specs() []sandbox.ExecutionSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ExecutionSpec(nil), r.specs...)
}

// AddContainer registers a container that was not created through the
// Runtime, e.g. one left over by a previous process.
func (r *Runtime) AddContainer(info sandbox.ContainerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.containers[info.ID] = &fakeContainer{info: info, exited: make(chan struct{})}
}

func (r *Runtime) init() {
	if r.containers == nil {
		r.containers = make(map[string]*fakeContainer)
	}
}

func (r *Runtime) ListImages(ctx context.Context) ([]sandbox.ImageInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ImageInfo(nil), r.Images...), nil
}

func (r *Runtime) PullImage(ctx context.Context, name, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Pulls++
	if r.PullErr != nil {
		return r.PullErr
	}
	r.ImageMissing = false
	r.Images = append(r.Images, sandbox.ImageInfo{
		ID:       fmt.Sprintf("sha256:%d", len(r.Images)+1),
		RepoTags: []string{name + ":" + tag},
	})
	return nil
}

func (r *Runtime) CreateContainer(ctx context.Context, name string, spec sandbox.ExecutionSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	if r.ImageMissing {
		return "", fmt.Errorf("no such image %s: %w", spec.ImageRef(), sandbox.ErrNotFound)
	}
	r.init()
	r.nextID++
	id := fmt.Sprintf("c%04d", r.nextID)
	r.containers[id] = &fakeContainer{
		info: sandbox.ContainerInfo{
			ID:     id,
			Names:  []string{"/" + name},
			Image:  spec.ImageRef(),
			State:  "created",
			Status: "Created",
			Labels: spec.Labels,
		},
		spec:   spec,
		exited: make(chan struct{}),
	}
	r.counts.Created++
	r.specs = append(r.specs, spec)
	return id, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
	}
	if r.StartErr != nil {
		r.mu.Unlock()
		return r.StartErr
	}
	c.info.State = "running"
	c.info.Status = "Up"
	r.counts.Started++
	onStart, hang, runFor := r.OnStart, r.Hang, r.RunFor
	exit := sandbox.ExitInfo{StatusCode: r.ExitCode, Error: r.ExitError}
	r.mu.Unlock()

	go func() {
		if onStart != nil {
			if err := onStart(c.spec); err != nil {
				r.finish(c, sandbox.ExitInfo{StatusCode: 1})
				return
			}
		}
		if hang {
			return
		}
		if runFor > 0 {
			select {
			case <-time.After(runFor):
			case <-c.exited:
				return
			}
		}
		r.finish(c, exit)
	}()
	return nil
}

func (r *Runtime) finish(c *fakeContainer, exit sandbox.ExitInfo) {
	c.once.Do(func() {
		r.mu.Lock()
		c.exit = exit
		c.info.State = "exited"
		c.info.Status = fmt.Sprintf("Exited (%d)", exit.StatusCode)
		if r.AutoRemove {
			delete(r.containers, c.info.ID)
		}
		r.mu.Unlock()
		close(c.exited)
	})
}

func (r *Runtime) WaitForExit(ctx context.Context, id string) (<-chan sandbox.ExitInfo, <-chan error) {
	exitCh := make(chan sandbox.ExitInfo, 1)
	errCh := make(chan error, 1)

	r.mu.Lock()
	c, ok := r.containers[id]
	r.mu.Unlock()
	if !ok {
		errCh <- fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
		return exitCh, errCh
	}

	go func() {
		select {
		case <-c.exited:
			r.mu.Lock()
			exit := c.exit
			r.mu.Unlock()
			exitCh <- exit
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return exitCh, errCh
}

func (r *Runtime) KillContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if ok {
		r.counts.Killed++
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
	}
	r.finish(c, sandbox.ExitInfo{StatusCode: 137})
	return nil
}

func (r *Runtime) ListContainers(ctx context.Context) ([]sandbox.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sandbox.ContainerInfo, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c.info)
	}
	return out, nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.RemoveErr != nil {
		r.mu.Unlock()
		return r.RemoveErr
	}
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
	}
	delete(r.containers, id)
	r.counts.Removed++
	r.mu.Unlock()
	r.finish(c, sandbox.ExitInfo{StatusCode: 137})
	return nil
}
