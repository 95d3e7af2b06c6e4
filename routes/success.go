package routes

import (
	"encoding/json"
	"net/http"

	"videoworker/logger"
)

// SuccessQueryHandler handles queries for completed jobs
func (s *Server) SuccessQueryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Success == nil {
		http.Error(w, "Success ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		http.Error(w, "job parameter required", http.StatusBadRequest)
		return
	}

	record, err := s.Success.GetSuccess(jobID)
	if err != nil {
		logger.Errorf("Failed to query success for job %s: %v", jobID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if record == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":  jobID,
			"status":  "not_found",
			"message": "No success record found for this job",
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":         record.JobID,
		"status":         "success",
		"timestamp":      record.Timestamp,
		"file_count":     record.FileCount,
		"failed_files":   record.FailedFiles,
		"publish_status": record.PublishStatus,
		"duration_ms":    record.DurationMs,
		"job_data":       record.JobData,
	})
}

// SuccessListHandler handles listing all success records (admin endpoint)
func (s *Server) SuccessListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Success == nil {
		http.Error(w, "Success ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	records, err := s.Success.ListSuccessRecords()
	if err != nil {
		logger.Errorf("Failed to list success records: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success_records": records,
		"count":           len(records),
	})
}
