package guard

import "github.com/prometheus/client_golang/prometheus"

var guardHeld = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "simrelay_guard_held",
		Help: "Whether a job currently holds the execution guard (0 or 1).",
	},
)

func init() {
	prometheus.MustRegister(guardHeld)
}
