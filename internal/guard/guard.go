// Package guard serializes job bodies within one worker process.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// DefaultAuthMarkers identify failure reasons caused by a bad credential.
var DefaultAuthMarkers = []string{
	"authentication", "not authenticated", "login", "unauthorized", "forbidden", "401", "403",
}

// Guard allows at most one job body to run at a time. Acquisition waits on a
// one-slot channel so that waiting callers can give up when their context ends.
type Guard struct {
	slot        chan struct{}
	onAuth      func()
	authMarkers []string
	logger      *slog.Logger

	acquired atomic.Int64
	released atomic.Int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithAuthFailureHook sets the function called when a job fails for an
// authentication reason, typically the session manager's Invalidate.
func WithAuthFailureHook(fn func()) Option {
	return func(g *Guard) { g.onAuth = fn }
}

// WithAuthMarkers replaces the substrings that mark an authentication failure.
func WithAuthMarkers(markers []string) Option {
	return func(g *Guard) { g.authMarkers = markers }
}

// New creates a Guard.
func New(logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		slot:        make(chan struct{}, 1),
		authMarkers: DefaultAuthMarkers,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn while holding the guard. The guard is released on every exit
// path of fn, including panics. An error from fn is passed to Fail before
// being returned.
func (g *Guard) Do(ctx context.Context, taskID string, fn func(context.Context) error) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire guard for task %s: %w", taskID, ctx.Err())
	}
	g.acquired.Add(1)
	guardHeld.Set(1)
	g.logger.Info("task acquired guard", "task_id", taskID)

	defer func() {
		g.released.Add(1)
		guardHeld.Set(0)
		<-g.slot
		g.logger.Info("task released guard", "task_id", taskID)
	}()

	err := fn(ctx)
	if err != nil {
		g.Fail(taskID, err.Error())
	}
	return err
}

// Fail is the failure hook. When reason looks like an authentication problem
// the session is invalidated so the next job starts with a clean credential.
// It reports whether the hook fired.
func (g *Guard) Fail(taskID, reason string) bool {
	if g.onAuth == nil || !g.IsAuthFailure(reason) {
		return false
	}
	g.logger.Warn("authentication failure, invalidating session", "task_id", taskID, "reason", reason)
	g.onAuth()
	return true
}

// IsAuthFailure reports whether reason contains one of the auth markers.
func (g *Guard) IsAuthFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, m := range g.authMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Stats returns how many times the guard has been acquired and released.
func (g *Guard) Stats() (acquired, released int64) {
	return g.acquired.Load(), g.released.Load()
}
