package job

import (
	"sort"
	"sync"
	"time"
)

// JobState represents the current state of a job
type JobState int

const (
	JobStateConverting JobState = iota
	JobStatePublishing
	JobStateCompleted
	JobStateFailed
	JobStateInterrupted
)

func (s JobState) String() string {
	switch s {
	case JobStateConverting:
		return "converting"
	case JobStatePublishing:
		return "publishing"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	case JobStateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the job will not change state again on this worker.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateInterrupted
}

// JobInfo is the in-memory view of one job on this worker.
type JobInfo struct {
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker keeps the state of jobs seen by this process.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*JobInfo
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*JobInfo)}
}

// Start marks jobID as converting.
func (t *Tracker) Start(jobID string, attempt int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobID] = &JobInfo{
		JobID:     jobID,
		State:     JobStateConverting,
		Attempt:   attempt,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// SetState moves a known job to state. err may be nil.
func (t *Tracker) SetState(jobID string, state JobState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.jobs[jobID]
	if !ok {
		return
	}
	info.State = state
	info.UpdatedAt = time.Now()
	if err != nil {
		info.Error = err.Error()
	}
}

// Get returns a copy of the job's info
func (t *Tracker) Get(jobID string) (JobInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.jobs[jobID]
	if !ok {
		return JobInfo{}, false
	}
	return *info, true
}

// Active returns the jobs that are still being worked on, oldest first.
func (t *Tracker) Active() []JobInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var active []JobInfo
	for _, info := range t.jobs {
		if !info.State.Terminal() {
			active = append(active, *info)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// Prune forgets finished jobs not updated for maxAge.
func (t *Tracker) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, info := range t.jobs {
		if info.State.Terminal() && info.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}
