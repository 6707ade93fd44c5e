package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/store"
)

// DefaultBatchSize is the number of items per platform submission.
const DefaultBatchSize = 10

// BatchExecutor splits a list of items into fixed-size sub-batches and
// submits them one after another.
type BatchExecutor struct {
	sessions  Sessions
	records   store.RecordStore
	failures  store.FailureStore
	batchSize int
	logger    *slog.Logger
}

var _ Executor = (*BatchExecutor)(nil)

// NewBatchExecutor creates a BatchExecutor. A batchSize below 1 uses DefaultBatchSize.
func NewBatchExecutor(sessions Sessions, records store.RecordStore, failures store.FailureStore, batchSize int, logger *slog.Logger) *BatchExecutor {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &BatchExecutor{
		sessions:  sessions,
		records:   records,
		failures:  failures,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Kind implements Executor.
func (e *BatchExecutor) Kind() string { return model.KindBatch }

// Execute submits every sub-batch in order. A sub-batch without an OK
// response has its items saved as failed simulations and the loop moves on.
func (e *BatchExecutor) Execute(ctx context.Context, job *model.Job) (Result, error) {
	var res Result

	items, _, err := model.SplitItems(job.Payload)
	if err != nil {
		return res, fmt.Errorf("split job payload: %w", err)
	}

	logger := e.logger.With("task_id", job.ID)
	// Outcomes are persisted even after the job deadline.
	persistCtx := context.WithoutCancel(ctx)

	var storeErrs []error
	for i, batch := range chunk(items, e.batchSize) {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(append(storeErrs, fmt.Errorf("stopped before sub-batch %d: %w", i, err))...)
		}

		payload, err := json.Marshal(batch)
		if err != nil {
			return res, fmt.Errorf("encode sub-batch %d: %w", i, err)
		}

		sim := e.sessions.Get(logger)
		resp, simErr := sim.Simulate(ctx, payload)
		res.Submissions++

		rec := FormatOutcome(job.ID, payload, resp, simErr)
		if err := e.records.PersistRecord(persistCtx, &rec); err != nil {
			storeErrs = append(storeErrs, fmt.Errorf("persist record for sub-batch %d: %w", i, err))
		} else {
			res.Records++
		}

		if simErr == nil && resp.OK() {
			res.Succeeded++
			submissionsTotal.WithLabelValues(model.KindBatch, outcomeAccepted).Inc()
			logger.Info("sub-batch submitted", "batch", i, "items", len(batch), "status", resp.StatusCode)
			continue
		}

		res.Failed++
		res.FailureReason = failureReason(rec)
		submissionsTotal.WithLabelValues(model.KindBatch, outcomeRejected).Inc()
		logger.Warn("sub-batch failed, saving items", "batch", i, "items", len(batch), "reason", res.FailureReason)
		if err := e.failures.SaveFailedSimulation(persistCtx, job.ID, batch); err != nil {
			storeErrs = append(storeErrs, fmt.Errorf("save failed sub-batch %d: %w", i, err))
		}
	}

	return res, errors.Join(storeErrs...)
}

// chunk partitions items into consecutive slices of at most size elements.
func chunk(items []json.RawMessage, size int) [][]json.RawMessage {
	var out [][]json.RawMessage
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

func failureReason(rec model.TaskRecord) string {
	if rec.Traceback != "" {
		return rec.Traceback
	}
	return rec.Error
}
