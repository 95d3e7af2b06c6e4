package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"videoworker/logger"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version"`
	GoVersion  string            `json:"go_version"`
	Uptime     string            `json:"uptime"`
	StartTime  string            `json:"start_time"`
	ActiveJobs int               `json:"active_jobs"`
	QueueDepth *int              `json:"queue_depth,omitempty"`
	Checks     map[string]string `json:"checks"`
}

// Global start time for uptime calculation
var startTime = time.Now()

// formatUptime formats a duration into days, hours, minutes, seconds
func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

// HealthHandler reports the worker and its dependencies. Any failed check
// turns the response into a 503.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Health check request: method=%s, remoteAddr=%s", r.Method, r.RemoteAddr)

	if r.Method != http.MethodGet {
		logger.Warnf("Invalid method for health endpoint: %s", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
		GoVersion: runtime.Version(),
		Uptime:    formatUptime(time.Since(startTime)),
		StartTime: startTime.Format("2006-01-02 15:04:05 MST"),
		Checks:    map[string]string{},
	}

	check := func(name string, err error) {
		if err != nil {
			logger.Warnf("Health check %s failed: %v", name, err)
			response.Checks[name] = err.Error()
			response.Status = "degraded"
			return
		}
		response.Checks[name] = "ok"
	}

	if s.Failures != nil {
		check("failures", s.Failures.CheckHealth())
	}
	if s.Success != nil {
		check("success", s.Success.CheckHealth())
	}
	if s.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		check("redis", s.Cache.Ping(ctx))
		cancel()
	}
	if s.Queue != nil {
		depth, err := s.Queue.QueueDepth()
		check("queue", err)
		if err == nil {
			response.QueueDepth = &depth
		}
	}
	if s.Tracker != nil {
		response.ActiveJobs = len(s.Tracker.Active())
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode health response: %v", err)
	}
}
