package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const outcomeSkipped = "SKIPPED"

type metrics struct {
	registry          *prometheus.Registry
	jobsTotal         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	activeJobs        prometheus.Gauge
	fusedOutputsTotal prometheus.Counter
	fusedPixelsTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuseline_worker_jobs_total",
			Help: "Total worker tasks by final outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fuseline_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuseline_worker_active_jobs",
			Help: "Current number of jobs being fused.",
		}),
		fusedOutputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuseline_worker_fused_outputs_total",
			Help: "Total fused result artifacts written.",
		}),
		fusedPixelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuseline_worker_fused_pixels_total",
			Help: "Total output pixels across successful fuses.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.fusedOutputsTotal,
		m.fusedPixelsTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
