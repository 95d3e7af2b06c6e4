package sandbox

import (
	"context"
	"iter"
	"time"

	"videoworker/logger"
)

// Observe polls the engine for the container's state and yields it each time
// it changes. The sequence ends when the container is dead or gone, when ctx
// is done, or when the consumer stops ranging.
func (s *Supervisor) Observe(ctx context.Context, h *Handle) iter.Seq[string] {
	interval := s.opts.ObserveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return func(yield func(string) bool) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := ""
		for {
			state, found, err := s.lookup(ctx, h.ID)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Warnf("Failed to inspect container %s: %v", h.Name, err)
			case !found:
				return
			case state != last:
				last = state
				if !yield(state) {
					return
				}
				if state == "dead" {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func (s *Supervisor) lookup(ctx context.Context, id string) (string, bool, error) {
	containers, err := s.rt.ListContainers(ctx)
	if err != nil {
		return "", false, err
	}
	for _, c := range containers {
		if c.ID == id {
			return c.State, true, nil
		}
	}
	return "", false, nil
}
