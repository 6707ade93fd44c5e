package auth

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

var loginsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simrelay_logins_total",
		Help: "Total number of platform login cycles by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(loginsTotal)

	loginsTotal.WithLabelValues(outcomeSuccess)
	loginsTotal.WithLabelValues(outcomeFailure)
}
