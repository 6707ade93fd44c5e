package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simrelay/internal/model"
)

const (
	runOK          = "ok"
	runNothing     = "nothing_to_send"
	runListFailed  = "list_failed"
	runPostFailed  = "post_failed"
	runDeleteFail  = "delete_failed"
	runSkippedBusy = "skipped_busy"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrelay_reconcile_runs_total",
			Help: "Total number of reconciliation runs by outcome.",
		},
		[]string{"outcome"},
	)

	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrelay_reconcile_updates_total",
			Help: "Total number of status updates delivered by status.",
		},
		[]string{"status"},
	)

	recordsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrelay_reconcile_records_skipped_total",
			Help: "Total number of task records left in place because they could not be reconciled.",
		},
	)

	recordsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrelay_reconcile_records_deleted_total",
			Help: "Total number of task records deleted after acknowledged delivery.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, updatesTotal, recordsSkipped, recordsDeleted)

	for _, o := range []string{runOK, runNothing, runListFailed, runPostFailed, runDeleteFail, runSkippedBusy} {
		runsTotal.WithLabelValues(o)
	}
	for _, s := range []string{model.StateSuccess, model.StateFailed, model.StatePending} {
		updatesTotal.WithLabelValues(s)
	}
}
