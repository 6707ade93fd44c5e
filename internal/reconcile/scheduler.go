package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval is the time between scheduled runs.
const DefaultInterval = 2 * time.Hour

// ErrBusy is returned by Trigger while another run is in progress.
var ErrBusy = errors.New("reconciliation already running")

// Runner is one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler runs a Runner periodically and on demand, never two at once.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler creates a Scheduler. A non-positive interval uses DefaultInterval.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Trigger runs one pass now unless one is already running.
func (s *Scheduler) Trigger(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		runsTotal.WithLabelValues(runSkippedBusy).Inc()
		return Report{}, ErrBusy
	}
	defer s.running.Store(false)
	return s.runner.Run(ctx)
}

// Start runs a pass every interval until ctx is done. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation scheduled", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Trigger(ctx)
			switch {
			case errors.Is(err, ErrBusy):
				s.logger.Warn("previous reconciliation still running, skipping tick")
			case err != nil:
				s.logger.Error("scheduled reconciliation failed", "error", err)
			default:
				s.logger.Info("scheduled reconciliation done", "updates", report.Updates, "deleted", report.Deleted)
			}
		}
	}
}
