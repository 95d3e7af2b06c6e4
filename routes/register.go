// Package routes serves the worker's admin HTTP surface.
package routes

import (
	"net/http"

	"videoworker/failures"
	"videoworker/job"
	"videoworker/results"
	"videoworker/success"
)

// QueueDepther reports how many messages wait in the work queue.
type QueueDepther interface {
	QueueDepth() (int, error)
}

// Server holds what the admin handlers read from. Nil fields switch the
// matching checks off.
type Server struct {
	Failures *failures.Store
	Success  *success.Store
	Cache    *results.Cache
	Tracker  *job.Tracker
	Queue    QueueDepther
	Metrics  http.Handler
}

// Handler registers every admin route on a new mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/version", VersionHandler)
	mux.HandleFunc("/status", s.JobStatusHandler)
	mux.HandleFunc("/failures", s.FailureQueryHandler)
	mux.HandleFunc("/failures/list", s.FailureListHandler)
	mux.HandleFunc("/success", s.SuccessQueryHandler)
	mux.HandleFunc("/success/list", s.SuccessListHandler)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return mux
}
