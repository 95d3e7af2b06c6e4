package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"videoworker/config"
	"videoworker/logger"

	"github.com/google/uuid"
)

// State is the lifecycle stage of one container.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateExited
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateExited:
		return "exited"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Handle identifies the container of one job. Only the Supervisor mutates it.
type Handle struct {
	ID    string
	Name  string
	JobID string

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle stage.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Outcome is the result of a container that ran to exit.
type Outcome struct {
	ExitCode     int64
	ErrorMessage string
}

// Succeeded reports a zero exit code without an engine error.
func (o Outcome) Succeeded() bool {
	return o.ExitCode == 0 && o.ErrorMessage == ""
}

// Options tunes a Supervisor.
type Options struct {
	ImageName   string
	ImageTag    string
	PullMissing bool
	// Timeout bounds Run. Zero waits forever.
	Timeout time.Duration
	// ObserveInterval enables status logging during Execute when positive.
	ObserveInterval time.Duration
	// ReleaseTimeout bounds cleanup calls, which never use the job context.
	ReleaseTimeout time.Duration
}

// Supervisor creates, runs and removes job containers.
type Supervisor struct {
	rt   Runtime
	opts Options
}

// OptionsFrom maps the container settings onto supervisor options.
func OptionsFrom(c config.ContainerSettings) Options {
	return Options{
		ImageName:       c.ImageName,
		ImageTag:        c.ImageTag,
		PullMissing:     c.PullMissing,
		Timeout:         c.Timeout,
		ObserveInterval: c.ObserveInterval,
	}
}

// NewSupervisor returns a Supervisor driving rt.
func NewSupervisor(rt Runtime, opts Options) *Supervisor {
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 30 * time.Second
	}
	return &Supervisor{rt: rt, opts: opts}
}

// EnsureImage checks the configured image is present locally and pulls it
// when it is missing and pulling is allowed.
func (s *Supervisor) EnsureImage(ctx context.Context) error {
	ref := s.opts.ImageName + ":" + s.opts.ImageTag
	images, err := s.rt.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		if slices.Contains(img.RepoTags, ref) {
			logger.Debugf("Image %s present (id=%s, size=%d bytes)", ref, img.ID, img.Size)
			return nil
		}
	}
	if !s.opts.PullMissing {
		return fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}
	logger.Infof("Image %s not found locally, pulling", ref)
	if err := s.rt.PullImage(ctx, s.opts.ImageName, s.opts.ImageTag); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	logger.Infof("Image %s pulled successfully", ref)
	return nil
}

// Provision creates the container for spec under a fresh unique name.
func (s *Supervisor) Provision(ctx context.Context, spec ExecutionSpec) (*Handle, error) {
	name := "videoworker-" + uuid.NewString()

	id, err := s.rt.CreateContainer(ctx, name, spec)
	if errors.Is(err, ErrNotFound) && s.opts.PullMissing {
		logger.Warnf("Image %s missing, pulling before retrying create", spec.ImageRef())
		if pullErr := s.rt.PullImage(ctx, spec.ImageName, spec.ImageTag); pullErr != nil {
			return nil, &ProvisionError{Image: spec.ImageRef(), Err: errors.Join(err, pullErr)}
		}
		id, err = s.rt.CreateContainer(ctx, name, spec)
	}
	if err != nil {
		return nil, &ProvisionError{Image: spec.ImageRef(), Err: err}
	}
	if id == "" {
		return nil, &ProvisionError{Image: spec.ImageRef(), Err: errors.New("runtime returned an empty container id")}
	}

	logger.WithFields(logger.Fields{"job_id": spec.JobID, "container": name}).
		Infof("Container created with ID: %s", id)
	return &Handle{ID: id, Name: name, JobID: spec.JobID, state: StateCreated}, nil
}

// Run starts the container and blocks until it exits, the deadline passes
// or ctx is cancelled. On deadline or cancellation the container is killed.
func (s *Supervisor) Run(ctx context.Context, h *Handle) (Outcome, error) {
	if h.State() != StateCreated {
		if h.State() == StateRemoved {
			return Outcome{}, ErrReleased
		}
		return Outcome{}, &RunError{Container: h.Name, Err: fmt.Errorf("cannot start from state %s", h.State())}
	}

	runCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	exitCh, errCh := s.rt.WaitForExit(runCtx, h.ID)
	if err := s.rt.StartContainer(runCtx, h.ID); err != nil {
		return Outcome{}, &RunError{Container: h.Name, Err: err}
	}
	h.setState(StateStarted)
	log := logger.WithFields(logger.Fields{"job_id": h.JobID, "container": h.Name})
	log.Info("Container started")

	select {
	case exit := <-exitCh:
		h.setState(StateExited)
		log.Infof("Container exited with status code %d", exit.StatusCode)
		if exit.Error != "" {
			log.Warnf("Container reported error: %s", exit.Error)
		}
		return Outcome{ExitCode: exit.StatusCode, ErrorMessage: exit.Error}, nil
	case err := <-errCh:
		if runCtx.Err() != nil {
			return s.abort(ctx, runCtx, h)
		}
		return Outcome{}, &RunError{Container: h.Name, Err: fmt.Errorf("wait: %w", err)}
	case <-runCtx.Done():
		return s.abort(ctx, runCtx, h)
	}
}

// abort kills a container whose wait was cut short.
func (s *Supervisor) abort(parent, runCtx context.Context, h *Handle) (Outcome, error) {
	killCtx, cancel := context.WithTimeout(context.Background(), s.opts.ReleaseTimeout)
	defer cancel()
	if err := s.rt.KillContainer(killCtx, h.ID); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Errorf("Failed to kill container %s: %v", h.Name, err)
	}
	h.setState(StateExited)

	if parent.Err() != nil {
		logger.Warnf("Container %s stopped: %v", h.Name, parent.Err())
		return Outcome{ExitCode: -1}, parent.Err()
	}
	logger.Warnf("Container %s killed after %s", h.Name, s.opts.Timeout)
	return Outcome{ExitCode: -1}, &RunError{Container: h.Name, Err: fmt.Errorf("%w (%s): %v", ErrTimeout, s.opts.Timeout, runCtx.Err())}
}

// Release removes the container. It is safe to call more than once and
// never uses the job context, so cleanup still happens after cancellation.
func (s *Supervisor) Release(h *Handle) error {
	if h == nil || h.State() == StateRemoved {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReleaseTimeout)
	defer cancel()

	err := s.rt.RemoveContainer(ctx, h.ID)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("remove container %s: %w", h.Name, err)
	}
	h.setState(StateRemoved)
	logger.Debugf("Container %s released", h.Name)
	return nil
}

// Execute runs one spec to completion: Provision, Run, and Release on every
// path once a handle exists.
func (s *Supervisor) Execute(ctx context.Context, spec ExecutionSpec) (Outcome, error) {
	h, err := s.Provision(ctx, spec)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if relErr := s.Release(h); relErr != nil {
			logger.Errorf("Failed to release container for job %s: %v", spec.JobID, relErr)
		}
	}()

	if s.opts.ObserveInterval > 0 {
		watchCtx, stopWatch := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for status := range s.Observe(watchCtx, h) {
				logger.WithFields(logger.Fields{"job_id": spec.JobID, "container": h.Name}).
					Infof("Container status changed: %s", status)
			}
		}()
		defer func() {
			stopWatch()
			<-done
		}()
	}

	return s.Run(ctx, h)
}

// ReapOrphans removes stopped containers this worker created earlier and
// never released, e.g. after a hard stop. Created and running containers are
// left alone since another worker on the same engine may own them.
func (s *Supervisor) ReapOrphans(ctx context.Context) (int, error) {
	containers, err := s.rt.ListContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if c.Labels[LabelManaged] != "true" {
			continue
		}
		switch c.State {
		case "created", "running", "restarting", "removing":
			continue
		}
		if err := s.rt.RemoveContainer(ctx, c.ID); err != nil && !errors.Is(err, ErrNotFound) {
			logger.Warnf("Failed to reap container %s: %v", c.ID, err)
			continue
		}
		logger.Infof("Reaped orphaned container %s (job %s, state %s)", c.ID, c.Labels[LabelJob], c.State)
		removed++
	}
	return removed, nil
}
