package sandbox

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by Run when the container outlives its deadline.
var ErrTimeout = errors.New("sandbox exceeded its deadline")

// ErrReleased is returned when a handle is used after Release.
var ErrReleased = errors.New("sandbox handle already released")

// ProvisionError means the runtime could not create the container.
type ProvisionError struct {
	Image string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Image, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// RunError means the container could not be started or awaited.
type RunError struct {
	Container string
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %v", e.Container, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
