package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"videoworker/logger"
)

// JobStatusResponse represents the job status response
type JobStatusResponse struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	// Source is "worker" for jobs this process has seen, "cache" otherwise.
	Source string `json:"source"`
}

// JobStatusHandler returns the state of a job, from this worker's tracker or
// from the shared result cache.
func (s *Server) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Job status request: method=%s, remoteAddr=%s", r.Method, r.RemoteAddr)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		http.Error(w, "job parameter required", http.StatusBadRequest)
		return
	}

	var response *JobStatusResponse
	if s.Tracker != nil {
		if info, ok := s.Tracker.Get(jobID); ok {
			response = &JobStatusResponse{
				JobID:     info.JobID,
				State:     info.State.String(),
				Attempt:   info.Attempt,
				Error:     info.Error,
				UpdatedAt: info.UpdatedAt,
				Source:    "worker",
			}
		}
	}

	if response == nil && s.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		result, err := s.Cache.Get(ctx, jobID)
		if err != nil {
			logger.Errorf("Failed to read cached result for %s: %v", jobID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if result != nil {
			response = &JobStatusResponse{
				JobID:     result.JobID,
				State:     string(result.Status),
				Attempt:   result.Attempt,
				Error:     result.Error,
				UpdatedAt: result.CompletedAt,
				Source:    "cache",
			}
		}
	}

	if response == nil {
		http.Error(w, fmt.Sprintf("Job %s not found", jobID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode status response: %v", err)
	}
}
