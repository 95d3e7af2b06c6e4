package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"videoworker/failures"
	"videoworker/job"
	"videoworker/models"
	"videoworker/success"
)

type fakeQueue struct {
	depth int
	err   error
}

func (q fakeQueue) QueueDepth() (int, error) { return q.depth, q.err }

func newServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	fs, err := failures.Open(filepath.Join(dir, "failures.db"))
	if err != nil {
		t.Fatalf("Failed to open failures store: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	ss, err := success.Open(filepath.Join(dir, "success.db"))
	if err != nil {
		t.Fatalf("Failed to open success store: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	return &Server{
		Failures: fs,
		Success:  ss,
		Tracker:  job.NewTracker(),
		Queue:    fakeQueue{depth: 4},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("videoworker_messages_total 1\n"))
		}),
	}
}

func get(t *testing.T, h http.Handler, url string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	s.Tracker.Start("running", 1)

	w, body := get(t, s.Handler(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body["status"] != "healthy" || body["queue_depth"] != 4.0 || body["active_jobs"] != 1.0 {
		t.Errorf("Unexpected health body %v", body)
	}

	s.Queue = fakeQueue{err: errors.New("channel closed")}
	w, body = get(t, s.Handler(), "/health")
	if w.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("Expected degraded 503, got %d %v", w.Code, body)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	s := newServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestJobStatus(t *testing.T) {
	s := newServer(t)
	s.Tracker.Start("j1", 2)
	s.Tracker.SetState("j1", job.JobStatePublishing, nil)

	w, body := get(t, s.Handler(), "/status?job=j1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if body["state"] != "publishing" || body["source"] != "worker" || body["attempt"] != 2.0 {
		t.Errorf("Unexpected status body %v", body)
	}

	if w, _ := get(t, s.Handler(), "/status?job=unknown"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", w.Code)
	}
	if w, _ := get(t, s.Handler(), "/status"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without job, got %d", w.Code)
	}
}

func TestFailureRoutes(t *testing.T) {
	s := newServer(t)
	err := s.Failures.StoreFailure(models.JobResult{
		JobID:       "bad",
		Status:      models.JobStatusFailed,
		ExitCode:    3,
		Error:       "conversion failed: exit code 3",
		Attempt:     2,
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to store failure: %v", err)
	}

	_, body := get(t, s.Handler(), "/failures?job=bad")
	if body["status"] != "failed" || body["exit_code"] != 3.0 {
		t.Errorf("Unexpected failure body %v", body)
	}

	_, body = get(t, s.Handler(), "/failures?job=good")
	if body["status"] != "not_failed" {
		t.Errorf("Expected not_failed, got %v", body)
	}

	_, body = get(t, s.Handler(), "/failures/list")
	if body["count"] != 1.0 {
		t.Errorf("Expected one failure listed, got %v", body["count"])
	}
}

func TestSuccessRoutes(t *testing.T) {
	s := newServer(t)
	err := s.Success.StoreSuccess(models.JobResult{
		JobID:          "ok",
		Status:         models.JobStatusCompleted,
		FilesSucceeded: 5,
		PublishStatus:  "complete",
		CompletedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to store success: %v", err)
	}

	_, body := get(t, s.Handler(), "/success?job=ok")
	if body["status"] != "success" || body["file_count"] != 5.0 || body["publish_status"] != "complete" {
		t.Errorf("Unexpected success body %v", body)
	}

	_, body = get(t, s.Handler(), "/success?job=missing")
	if body["status"] != "not_found" {
		t.Errorf("Expected not_found, got %v", body)
	}

	_, body = get(t, s.Handler(), "/success/list")
	if body["count"] != 1.0 {
		t.Errorf("Expected one record listed, got %v", body["count"])
	}
}

func TestVersionAndMetrics(t *testing.T) {
	s := newServer(t)
	_, body := get(t, s.Handler(), "/version")
	if body["version"] != "dev" {
		t.Errorf("Expected dev version, got %v", body)
	}

	w, _ := get(t, s.Handler(), "/metrics")
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Errorf("Metrics handler not mounted: %d", w.Code)
	}
}

func TestLedgerlessServer(t *testing.T) {
	s := &Server{}
	if w, _ := get(t, s.Handler(), "/failures/list"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a failure ledger, got %d", w.Code)
	}
	if w, _ := get(t, s.Handler(), "/health"); w.Code != http.StatusOK {
		t.Errorf("Health without checks should pass, got %d", w.Code)
	}
}
