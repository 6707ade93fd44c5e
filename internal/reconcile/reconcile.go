// Package reconcile turns stored task records into canonical per-item status
// updates, delivers them to the status service and clears the records that
// were delivered.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/simrelay/internal/httpclient"
	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/platform"
	"github.com/seantiz/simrelay/internal/statusapi"
	"github.com/seantiz/simrelay/internal/store"
)

const (
	// DefaultPageSize is the number of records read per page; it is also the maximum.
	DefaultPageSize = 500
	// DefaultPollConcurrency bounds concurrent child status requests.
	DefaultPollConcurrency = 8
	// DefaultPollTimeout bounds the polling of one record's children.
	DefaultPollTimeout = 5 * time.Minute
)

var tracer = otel.Tracer("github.com/seantiz/simrelay/internal/reconcile")

// Sessions hands out the platform session used to poll child simulations.
type Sessions interface {
	Get(logger *slog.Logger) platform.Simulator
}

// Report summarizes one run.
type Report struct {
	Records int `json:"records"`
	Skipped int `json:"skipped"`
	Updates int `json:"updates"`
	Deleted int `json:"deleted"`
}

// Reconciler performs reconciliation runs.
type Reconciler struct {
	records     store.RecordStore
	poster      statusapi.Poster
	sessions    Sessions
	classifier  *Classifier
	filter      store.RecordFilter
	pageSize    int
	concurrency int
	pollTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClassifier replaces the default classifier.
func WithClassifier(c *Classifier) Option {
	return func(r *Reconciler) { r.classifier = c }
}

// WithFilter restricts which records a run reads.
func WithFilter(f store.RecordFilter) Option {
	return func(r *Reconciler) { r.filter = f }
}

// WithPageSize sets the page size, clamped to [1, DefaultPageSize].
func WithPageSize(n int) Option {
	return func(r *Reconciler) { r.pageSize = min(max(n, 1), DefaultPageSize) }
}

// WithPollConcurrency bounds concurrent child requests.
func WithPollConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithPollTimeout bounds the polling of one record's children.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pollTimeout = d
		}
	}
}

// New creates a Reconciler.
func New(records store.RecordStore, poster statusapi.Poster, sessions Sessions, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		records:     records,
		poster:      poster,
		sessions:    sessions,
		classifier:  NewClassifier(),
		pageSize:    DefaultPageSize,
		concurrency: DefaultPollConcurrency,
		pollTimeout: DefaultPollTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads every stored record, derives one status update per input item
// and posts all updates in a single request. Records are deleted only after
// the status service accepted the request; records that could not be
// interpreted are left for a later run.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "reconcile.run")
	defer span.End()

	report, err := r.run(ctx)
	span.SetAttributes(
		attribute.Int("reconcile.records", report.Records),
		attribute.Int("reconcile.skipped", report.Skipped),
		attribute.Int("reconcile.updates", report.Updates),
		attribute.Int("reconcile.deleted", report.Deleted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (r *Reconciler) run(ctx context.Context) (Report, error) {
	var (
		report    Report
		updates   []model.StatusUpdate
		processed []string
		token     string
	)
	start := time.Now()

	for {
		page, next, hasMore, err := r.records.ListRecords(ctx, r.filter, r.pageSize, token)
		if err != nil {
			runsTotal.WithLabelValues(runListFailed).Inc()
			return report, fmt.Errorf("list task records: %w", err)
		}

		for _, rec := range page {
			report.Records++
			recUpdates, ok := r.reconcileRecord(ctx, rec)
			if !ok {
				report.Skipped++
				recordsSkipped.Inc()
				continue
			}
			updates = append(updates, recUpdates...)
			processed = append(processed, rec.ID)
		}

		if !hasMore {
			break
		}
		token = next
	}

	if len(updates) == 0 {
		runsTotal.WithLabelValues(runNothing).Inc()
		r.logger.Info("no status updates to send", "records", report.Records, "skipped", report.Skipped)
		return report, nil
	}

	if err := r.poster.PostStatus(ctx, updates); err != nil {
		runsTotal.WithLabelValues(runPostFailed).Inc()
		r.logger.Error("status delivery failed, keeping records", "updates", len(updates), "error", err)
		return report, fmt.Errorf("post status updates: %w", err)
	}
	report.Updates = len(updates)
	for _, u := range updates {
		updatesTotal.WithLabelValues(u.Status).Inc()
	}

	deleted, err := r.records.DeleteRecords(ctx, processed)
	if err != nil {
		runsTotal.WithLabelValues(runDeleteFail).Inc()
		return report, fmt.Errorf("delete reconciled records: %w", err)
	}
	report.Deleted = deleted
	recordsDeleted.Add(float64(deleted))
	runsTotal.WithLabelValues(runOK).Inc()

	r.logger.Info("reconciliation finished",
		"records", report.Records,
		"skipped", report.Skipped,
		"updates", report.Updates,
		"deleted", report.Deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

// reconcileRecord derives the updates for one record. It reports false when
// the record must be skipped.
func (r *Reconciler) reconcileRecord(ctx context.Context, rec *model.TaskRecord) ([]model.StatusUpdate, bool) {
	logger := r.logger.With("record_id", rec.ID, "task_id", rec.TaskID)

	if len(rec.Input) == 0 {
		logger.Warn("record has no input, skipping")
		return nil, false
	}
	items, isArray, err := model.SplitItems(rec.Input)
	if err != nil {
		logger.Warn("record input is not valid JSON, skipping", "error", err)
		return nil, false
	}

	var statuses []string
	if !isArray {
		statuses = []string{r.classifier.Classify(rec)}
	} else {
		statuses, err = r.arrayStatuses(ctx, logger, rec, len(items))
		if err != nil {
			return nil, false
		}
	}

	updates := make([]model.StatusUpdate, 0, len(items))
	for i, item := range items {
		id, err := model.CanonicalID(item)
		if err != nil {
			logger.Warn("cannot derive canonical id, skipping", "item", i, "error", err)
			return nil, false
		}
		updates = append(updates, model.StatusUpdate{RecordID: id, Status: statuses[i]})
	}
	return updates, true
}

// arrayStatuses derives one status per item of a multi-item record from its
// stored response. A record without a response, or whose response carries
// neither a status nor children, is classified like a single-item record.
// The returned error only signals a skip; it is logged here.
func (r *Reconciler) arrayStatuses(ctx context.Context, logger *slog.Logger, rec *model.TaskRecord, n int) ([]string, error) {
	if len(rec.Response) == 0 {
		return repeat(r.classifier.Classify(rec), n), nil
	}
	var result model.SimulationResult
	if err := json.Unmarshal(rec.Response, &result); err != nil {
		logger.Warn("multi-item record has malformed response, skipping", "error", err)
		return nil, fmt.Errorf("malformed response: %w", err)
	}

	switch {
	case model.IsSimSuccess(result.Status):
		return repeat(model.StateSuccess, n), nil
	case len(result.Children) > 0:
		if len(result.Children) != n {
			logger.Error("children do not match items, skipping", "children", len(result.Children), "items", n)
			return nil, fmt.Errorf("children mismatch")
		}
		return r.pollChildren(ctx, logger, result.Children), nil
	default:
		return repeat(r.classifier.Classify(rec), n), nil
	}
}

// pollChildren fetches every child status concurrently and maps each to a
// record status. Positions in the result match positions in ids.
func (r *Reconciler) pollChildren(ctx context.Context, logger *slog.Logger, ids []string) []string {
	ctx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	sim := r.sessions.Get(logger)
	statuses := make([]string, len(ids))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			resp, err := sim.SimulationStatus(ctx, id)
			statuses[i] = r.childStatus(resp, err)
			logger.Debug("child status", "child_id", id, "status", statuses[i])
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}

func (r *Reconciler) childStatus(resp *httpclient.Response, err error) string {
	if err != nil {
		if r.classifier.IsTechnical(err.Error()) {
			return model.StatePending
		}
		return model.StateFailed
	}
	if !resp.OK() {
		return model.StateFailed
	}

	var result model.SimulationResult
	if jerr := resp.JSON(&result); jerr != nil {
		return model.StatePending
	}
	switch {
	case model.IsSimSuccess(result.Status):
		return model.StateSuccess
	case model.IsSimFailure(result.Status):
		return model.StateFailed
	default:
		return model.StatePending
	}
}

func repeat(status string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = status
	}
	return out
}
