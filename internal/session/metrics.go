package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrelay_sessions_created_total",
			Help: "Total number of platform sessions created.",
		},
	)

	sessionsInvalidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrelay_sessions_invalidated_total",
			Help: "Total number of explicit session invalidations.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsCreated)
	prometheus.MustRegister(sessionsInvalidated)
}
