package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simrelay/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrelay_jobs_total",
			Help: "Total number of finished jobs by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simrelay_job_duration_seconds",
			Help:    "Wall-clock duration of jobs from running to finished.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"kind"},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simrelay_jobs_in_flight",
			Help: "Number of jobs submitted but not yet finished.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, jobsInFlight)

	for _, kind := range []string{model.KindBatch, model.KindSingle} {
		jobsTotal.WithLabelValues(kind, model.JobCompleted)
		jobsTotal.WithLabelValues(kind, model.JobFailed)
		jobDuration.WithLabelValues(kind)
	}
}
