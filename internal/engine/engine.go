package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/simrelay/internal/executor"
	"github.com/seantiz/simrelay/internal/guard"
	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/store"
)

// DefaultJobTimeout bounds a single job when no timeout is configured.
const DefaultJobTimeout = 2 * time.Hour

var tracer = otel.Tracer("github.com/seantiz/simrelay/internal/engine")

// Engine runs jobs asynchronously. All jobs of one Engine share its
// execution guard, so job bodies run one at a time.
type Engine struct {
	store    store.Store
	registry *executor.Registry
	guard    *guard.Guard
	timeout  time.Duration
	logger   *slog.Logger
	broker   *EventBroker

	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// NewEngine creates an execution engine. A non-positive timeout uses
// DefaultJobTimeout.
func NewEngine(s store.Store, reg *executor.Registry, g *guard.Guard, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		guard:    g,
		timeout:  timeout,
		logger:   logger,
		broker:   NewEventBroker(),
		base:     base,
		cancel:   cancel,
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Kinds lists the job kinds this engine can run.
func (e *Engine) Kinds() []string {
	return e.registry.Kinds()
}

// Submit stores the job as pending and launches its execution in a
// goroutine. A job kind without an executor is rejected before anything is
// stored. The goroutine works on a copy of the job.
func (e *Engine) Submit(ctx context.Context, j *model.Job) error {
	exec, err := e.registry.Resolve(j.Kind)
	if err != nil {
		return err
	}

	if j.ID == "" {
		j.ID = model.NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Status = model.JobPending

	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jobsInFlight.Inc()
	e.broker.Publish(Event{JobID: j.ID, Type: EventQueued})

	jCopy := *j
	e.wg.Go(func() {
		defer jobsInFlight.Dec()
		e.execute(&jCopy, exec)
	})

	return nil
}

// Wait blocks until all in-flight jobs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels running jobs and waits for them to return, or for ctx to
// end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// execute runs the job lifecycle: pending→running→completed/failed.
func (e *Engine) execute(j *model.Job, exec executor.Executor) {
	defer e.broker.Finish(j.ID)
	logger := e.logger.With("job_id", j.ID, "kind", j.Kind)

	if err := e.store.UpdateJobStatus(context.Background(), j.ID, model.JobRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finishFailed(j, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}
	start := time.Now()
	e.broker.Publish(Event{JobID: j.ID, Type: EventRunning})

	ctx, span := tracer.Start(e.base, "engine.execute", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.kind", j.Kind),
		attribute.Int("job.items", j.ItemCount),
	))
	defer span.End()

	// The timeout covers the job body only, not the wait for the guard.
	var result executor.Result
	var timedOut bool
	err := e.guard.Do(ctx, j.ID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		var execErr error
		result, execErr = exec.Execute(ctx, j)
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		if execErr == nil && result.FailureReason != "" {
			e.guard.Fail(j.ID, result.FailureReason)
		}
		return execErr
	})

	if err != nil {
		errMsg := err.Error()
		if timedOut {
			errMsg = fmt.Sprintf("job timed out after %s: %v", e.timeout, err)
		}
		span.SetStatus(codes.Error, errMsg)
		logger.Warn("job failed", "error", errMsg)
		e.finishFailed(j, &start, errMsg)
		return
	}

	e.broker.Publish(Event{JobID: j.ID, Type: EventResult, Message: fmt.Sprintf(
		"%d submissions, %d succeeded, %d failed", result.Submissions, result.Succeeded, result.Failed)})

	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())
	completed := &model.Job{
		ID:         j.ID,
		Status:     model.JobCompleted,
		DurationMS: &dur,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if result.Failed > 0 {
		completed.Error = fmt.Sprintf("%d of %d submissions failed", result.Failed, result.Submissions)
		span.SetStatus(codes.Error, completed.Error)
	}
	span.SetAttributes(
		attribute.Int("job.submissions", result.Submissions),
		attribute.Int("job.failed", result.Failed),
	)

	if err := e.store.UpdateJob(context.Background(), completed); err != nil {
		logger.Error("failed to update completed job", "error", err)
	}
	jobsTotal.WithLabelValues(j.Kind, model.JobCompleted).Inc()
	jobDuration.WithLabelValues(j.Kind).Observe(time.Since(start).Seconds())
	e.broker.Publish(Event{JobID: j.ID, Type: EventCompleted, Message: completed.Error})
	logger.Info("job completed", "duration_ms", dur, "submissions", result.Submissions, "failed", result.Failed)
}

// finishFailed marks a job as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(j *model.Job, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
		jobDuration.WithLabelValues(j.Kind).Observe(time.Since(*startedAt).Seconds())
	}

	failed := &model.Job{
		ID:         j.ID,
		Status:     model.JobFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateJob(context.Background(), failed); err != nil {
		e.logger.Error("failed to update failed job", "job_id", j.ID, "error", err)
	}
	jobsTotal.WithLabelValues(j.Kind, model.JobFailed).Inc()
	e.broker.Publish(Event{JobID: j.ID, Type: EventFailed, Message: errMsg})
}
