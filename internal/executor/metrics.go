package executor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simrelay/internal/model"
)

const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
)

var submissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simrelay_submissions_total",
		Help: "Total number of simulation submissions by job kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

func init() {
	prometheus.MustRegister(submissionsTotal)

	for _, kind := range []string{model.KindBatch, model.KindSingle} {
		for _, outcome := range []string{outcomeAccepted, outcomeRejected} {
			submissionsTotal.WithLabelValues(kind, outcome)
		}
	}
}
