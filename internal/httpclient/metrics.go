package httpclient

import "github.com/prometheus/client_golang/prometheus"

// Attempt outcome label values.
const (
	outcomeExpected       = "expected"
	outcomeBadRequest     = "bad_request"
	outcomeGatewayTimeout = "gateway_timeout"
	outcomeRateLimited    = "rate_limited"
	outcomeUnexpected     = "unexpected"
	outcomeTransport      = "transport_error"
)

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrelay_platform_attempts_total",
			Help: "Total number of platform request attempts by outcome.",
		},
		[]string{"outcome"},
	)

	reloginsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrelay_platform_relogins_total",
			Help: "Total number of credential refreshes triggered by the client.",
		},
	)

	exhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrelay_platform_exhausted_total",
			Help: "Total number of calls that ran out of attempts.",
		},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(reloginsTotal)
	prometheus.MustRegister(exhaustedTotal)

	for _, o := range []string{
		outcomeExpected, outcomeBadRequest, outcomeGatewayTimeout,
		outcomeRateLimited, outcomeUnexpected, outcomeTransport,
	} {
		attemptsTotal.WithLabelValues(o)
	}
}
