// Package metrics exposes worker counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry  *prometheus.Registry
	messages  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	artifacts *prometheus.CounterVec
	exits     *prometheus.CounterVec
	inFlight  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videoworker",
			Name:      "messages_total",
			Help:      "Queue messages settled, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "videoworker",
			Name:      "message_duration_seconds",
			Help:      "Time from delivery to settlement.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"outcome"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videoworker",
			Name:      "artifacts_total",
			Help:      "Output files handed to object storage, by result.",
		}, []string{"result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videoworker",
			Name:      "container_exits_total",
			Help:      "Conversion containers that ran to exit, by success.",
		}, []string{"success"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videoworker",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being converted or published.",
		}),
	}
	m.registry.MustRegister(
		m.messages, m.duration, m.artifacts, m.exits, m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveMessage records one settled delivery.
func (m *Metrics) ObserveMessage(outcome string, elapsed time.Duration) {
	m.messages.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveArtifacts(published, failed int) {
	m.artifacts.WithLabelValues("published").Add(float64(published))
	m.artifacts.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveExit(succeeded bool) {
	label := "false"
	if succeeded {
		label = "true"
	}
	m.exits.WithLabelValues(label).Inc()
}

// JobStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) JobStarted() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
