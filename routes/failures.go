package routes

import (
	"encoding/json"
	"net/http"

	"videoworker/logger"
)

// FailureQueryHandler handles queries for job failures
func (s *Server) FailureQueryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Failures == nil {
		http.Error(w, "Failure ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		http.Error(w, "job parameter required", http.StatusBadRequest)
		return
	}

	record, err := s.Failures.GetFailure(jobID)
	if err != nil {
		logger.Errorf("Failed to query failure for job %s: %v", jobID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if record == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":  jobID,
			"status":  "not_failed",
			"message": "No failure recorded for this job",
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":    record.JobID,
		"status":    "failed",
		"timestamp": record.Timestamp,
		"error":     record.Error,
		"exit_code": record.ExitCode,
		"attempt":   record.Attempt,
		"job_data":  record.JobData,
	})
}

// FailureListHandler handles listing all failures (admin endpoint)
func (s *Server) FailureListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Failures == nil {
		http.Error(w, "Failure ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	failuresList, err := s.Failures.ListFailures()
	if err != nil {
		logger.Errorf("Failed to list failures: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"failures": failuresList,
		"count":    len(failuresList),
	})
}
