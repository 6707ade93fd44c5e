package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/simrelay/internal/api"
	"github.com/seantiz/simrelay/internal/reconcile"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reconciliation schedule",
		Long: `Start the HTTP API for job submission and inspection. When the status API
is configured, reconciliation also runs every SIMRELAY_RECONCILE_INTERVAL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides SIMRELAY_LISTEN_ADDR)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	a.logger.Info("simrelay: starting",
		"listen_addr", addr,
		"db_path", a.cfg.DBPath,
		"platform_domain", a.cfg.PlatformDomain,
	)

	// A nil *Scheduler must not become a non-nil interface.
	var rec api.Reconciler
	if a.reconciler != nil {
		sched := reconcile.NewScheduler(a.reconciler, a.cfg.ReconcileInterval, a.logger)
		go sched.Start(ctx)
		rec = sched
	} else {
		a.logger.Warn("status API not configured, reconciliation disabled")
	}

	return api.NewServer(addr, a.store, a.engine, rec, a.logger).Run(ctx)
}
