// Package session keeps one authenticated platform session per worker
// process, replacing it when it ages out, when the process identity changes,
// or when a caller reports that the credential went bad.
package session

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultTTL bounds how long a session is reused before a fresh one is built.
const DefaultTTL = time.Hour

// Factory builds a new session. It is called with the manager's lock held.
type Factory[S any] func(logger *slog.Logger) S

// Manager owns at most one live session of type S.
type Manager[S any] struct {
	factory Factory[S]
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	pid     func() int

	mu        sync.Mutex
	session   S
	live      bool
	createdAt time.Time
	ownerPID  int
}

// Option configures a Manager.
type Option[S any] func(*Manager[S])

// WithTTL sets the session lifetime.
func WithTTL[S any](ttl time.Duration) Option[S] {
	return func(m *Manager[S]) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces the time source; used by tests.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(m *Manager[S]) { m.now = now }
}

// WithPID replaces the process id source; used by tests.
func WithPID[S any](pid func() int) Option[S] {
	return func(m *Manager[S]) { m.pid = pid }
}

// NewManager creates a Manager that mints sessions with factory.
func NewManager[S any](factory Factory[S], logger *slog.Logger, opts ...Option[S]) *Manager[S] {
	m := &Manager[S]{
		factory: factory,
		ttl:     DefaultTTL,
		logger:  logger,
		now:     time.Now,
		pid:     os.Getpid,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the current session, minting a new one when none exists, the
// process id no longer matches, or the TTL has elapsed. A nil logger uses the
// manager's own.
func (m *Manager[S]) Get(logger *slog.Logger) S {
	if logger == nil {
		logger = m.logger
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pid := m.pid()
	now := m.now()

	switch {
	case !m.live:
		logger.Info("creating platform session", "pid", pid)
	case m.ownerPID != pid:
		logger.Info("process changed, creating platform session", "pid", pid, "previous_pid", m.ownerPID)
	case now.Sub(m.createdAt) > m.ttl:
		logger.Info("platform session expired, creating new one", "pid", pid, "age", now.Sub(m.createdAt).String())
	default:
		logger.Debug("reusing platform session", "pid", pid)
		return m.session
	}

	m.session = m.factory(logger)
	m.live = true
	m.createdAt = now
	m.ownerPID = pid
	sessionsCreated.Inc()
	return m.session
}

// Invalidate drops the current session so the next Get builds a new one.
func (m *Manager[S]) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero S
	m.session = zero
	m.live = false
	m.createdAt = time.Time{}
	sessionsInvalidated.Inc()
	m.logger.Info("platform session invalidated")
}
