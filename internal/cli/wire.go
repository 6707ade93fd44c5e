package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/seantiz/simrelay/internal/config"
	"github.com/seantiz/simrelay/internal/engine"
	"github.com/seantiz/simrelay/internal/executor"
	"github.com/seantiz/simrelay/internal/guard"
	"github.com/seantiz/simrelay/internal/httpclient"
	"github.com/seantiz/simrelay/internal/platform"
	"github.com/seantiz/simrelay/internal/reconcile"
	"github.com/seantiz/simrelay/internal/session"
	"github.com/seantiz/simrelay/internal/statusapi"
	"github.com/seantiz/simrelay/internal/store"
)

var errStatusNotConfigured = errors.New("status API not configured: set SIMRELAY_STATUS_ENDPOINT and SIMRELAY_STATUS_API_KEY")

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	sessions *session.Manager[platform.Simulator]
	engine   *engine.Engine

	// reconciler is nil when the status API is not configured.
	reconciler *reconcile.Reconciler
}

func wireApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.PlatformDomain == "" {
		return nil, errors.New("SIMRELAY_PLATFORM_DOMAIN is required")
	}
	logger := config.NewLogger(logOut, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	policy := httpclient.RetryPolicy{
		MaxTries:        cfg.MaxTries,
		UnexpectedDelay: cfg.UnexpectedDelay,
	}
	sessions := session.NewManager[platform.Simulator](func(l *slog.Logger) platform.Simulator {
		return platform.NewSession(cfg.PlatformDomain, cfg.PlatformAPIKey, policy, cfg.LoginBaseDelay, l)
	}, logger, session.WithTTL[platform.Simulator](cfg.SessionTTL))

	g := guard.New(logger, guard.WithAuthFailureHook(sessions.Invalidate))
	reg := executor.NewRegistry(
		executor.NewBatchExecutor(sessions, db, db, cfg.BatchSize, logger),
		executor.NewSingleExecutor(sessions, db, cfg.SingleMaxTries, logger),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    db,
		sessions: sessions,
		engine:   engine.NewEngine(db, reg, g, cfg.JobTimeout, logger),
	}

	if cfg.StatusConfigured() {
		poster := statusapi.New(cfg.StatusEndpoint, cfg.StatusAPIKey, logger)
		a.reconciler = reconcile.New(db, poster, sessions, logger,
			reconcile.WithPageSize(cfg.PageSize),
			reconcile.WithPollConcurrency(cfg.PollConcurrency),
			reconcile.WithPollTimeout(cfg.PollTimeout),
		)
	}

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
