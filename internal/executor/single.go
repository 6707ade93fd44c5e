package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/simrelay/internal/httpclient"
	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/store"
)

// DefaultSingleMaxTries is the retry budget of a single submission. The
// platform may hold a simulation slot busy for a long time.
const DefaultSingleMaxTries = 600

// SingleExecutor submits one item, or one pre-grouped array of items, with a
// large retry budget and records the outcome.
type SingleExecutor struct {
	sessions Sessions
	records  store.RecordStore
	maxTries int
	logger   *slog.Logger
}

var _ Executor = (*SingleExecutor)(nil)

// NewSingleExecutor creates a SingleExecutor. A maxTries below 1 uses DefaultSingleMaxTries.
func NewSingleExecutor(sessions Sessions, records store.RecordStore, maxTries int, logger *slog.Logger) *SingleExecutor {
	if maxTries < 1 {
		maxTries = DefaultSingleMaxTries
	}
	return &SingleExecutor{
		sessions: sessions,
		records:  records,
		maxTries: maxTries,
		logger:   logger,
	}
}

// Kind implements Executor.
func (e *SingleExecutor) Kind() string { return model.KindSingle }

// Execute submits the whole payload once and persists the formatted outcome.
func (e *SingleExecutor) Execute(ctx context.Context, job *model.Job) (Result, error) {
	logger := e.logger.With("task_id", job.ID)

	sim := e.sessions.Get(logger)
	resp, simErr := sim.Simulate(ctx, job.Payload, httpclient.WithMaxTries(e.maxTries))

	rec := FormatOutcome(job.ID, job.Payload, resp, simErr)
	res := Result{Submissions: 1}
	if rec.State != model.StateSuccess {
		res.Failed = 1
		res.FailureReason = failureReason(rec)
		submissionsTotal.WithLabelValues(model.KindSingle, outcomeRejected).Inc()
		logger.Warn("simulation failed", "reason", res.FailureReason, "exception", rec.Exception)
	} else {
		res.Succeeded = 1
		submissionsTotal.WithLabelValues(model.KindSingle, outcomeAccepted).Inc()
		logger.Info("simulation finished", "state", rec.State)
	}

	if err := e.records.PersistRecord(context.WithoutCancel(ctx), &rec); err != nil {
		return res, fmt.Errorf("persist record: %w", err)
	}
	res.Records = 1
	return res, nil
}
