/*
main.go - Application entry point

PURPOSE:
  Builds the membership engine from configuration and exposes it as an HTTP
  server plus one-shot batch commands for cron-less deployments.

COMMANDS:
  serve           HTTP API, nightly scheduler, notification dispatcher
  accrue          Run accrual for --since..--until (default yesterday)
  release-points  Release pending rewards as of --as-of (default yesterday)
  expire-points   Expire points as of --as-of
  renew-tiers     Run the tier renewal sweep as of --as-of

STARTUP SEQUENCE:
  1. Load config (file, then MEMBERSHIP_* env)
  2. Load and validate the tier chart. A bad chart exits before any write.
  3. Open the SQLite store
  4. Wire driver, point manager, renewal sweeper
  5. Run the command

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for a running chain
  4. Drain queued notifications
  5. Close database connection

EXAMPLES:
  ./server serve --config membership.yaml
  MEMBERSHIP_DB_PATH=:memory: ./server serve
  ./server accrue --since 2024-03-01 --until 2024-03-31

SEE ALSO:
  - config/config.go: settings and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: nightly batch chain
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/api"
	"github.com/warp/membership-engine/config"
	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/metrics"
	"github.com/warp/membership-engine/notify"
	"github.com/warp/membership-engine/renewal"
	"github.com/warp/membership-engine/rewards"
	"github.com/warp/membership-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// engine is everything a command needs.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlite.Store
	driver  *accrual.Driver
	rewards *rewards.Manager
	renewal *renewal.Sweeper
}

func newEngine(configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	chart, err := cfg.Chart()
	if err != nil {
		return nil, fmt.Errorf("load tier chart: %w", err)
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := metrics.Default()
	policy := cfg.PointPolicy()

	driver, err := accrual.NewDriver(store, chart, policy, cfg.AccrualConfig())
	if err != nil {
		store.Close()
		return nil, err
	}
	driver.Metrics = m
	driver.Logger = logger.With("component", "accrual")

	rm := rewards.NewManager(store, policy)
	rm.BatchSize = cfg.Sweep.BatchSize
	rm.Metrics = m
	rm.Logger = logger.With("component", "rewards")

	sweeper := renewal.NewSweeper(store, chart)
	sweeper.BatchSize = cfg.Sweep.BatchSize
	sweeper.Metrics = m
	sweeper.Logger = logger.With("component", "renewal")

	logger.Info("engine ready", "db", cfg.DB.Path, "tiers", len(chart.Tiers()))
	return &engine{cfg: cfg, logger: logger, store: store, driver: driver, rewards: rm, renewal: sweeper}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close database", "error", err)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "server",
		Short:         "Membership tier and points engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML or JSON)")

	root.AddCommand(
		newServeCmd(&configPath),
		newAccrueCmd(&configPath),
		newSweepCmd(&configPath, "release-points", "Release pending rewards", func(ctx context.Context, e *engine, asOf time.Time) (any, error) {
			return e.rewards.ReleaseMemberPoint(ctx, asOf)
		}),
		newSweepCmd(&configPath, "expire-points", "Expire points past their expiry date", func(ctx context.Context, e *engine, asOf time.Time) (any, error) {
			return e.rewards.ResetMemberPoint(ctx, asOf)
		}),
		newSweepCmd(&configPath, "renew-tiers", "Renew or downgrade expired tier periods", func(ctx context.Context, e *engine, asOf time.Time) (any, error) {
			return e.renewal.ResetMemberTier(ctx, asOf)
		}),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the nightly scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			return serve(e)
		},
	}
}

func serve(e *engine) error {
	dispatcher := notify.NewDispatcher(notify.LogSender{Logger: e.logger}, e.cfg.Notify.QueueSize, e.logger)
	defer dispatcher.Close()
	e.driver.Sender = dispatcher

	handler := api.NewHandler(e.store, e.driver, e.rewards, e.renewal, e.logger)
	handler.Scheduler.Spec = e.cfg.Scheduler.Spec
	handler.Scheduler.Enabled = e.cfg.Scheduler.Enabled
	if err := handler.Scheduler.Start(); err != nil {
		return err
	}
	defer handler.Scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", e.cfg.HTTP.Port),
		Handler:      api.NewRouter(handler, prometheus.DefaultGatherer),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // admin batch runs are synchronous
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		e.logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-quit:
	}

	e.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	e.logger.Info("server stopped")
	return nil
}

func newAccrueCmd(configPath *string) *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "accrue",
		Short: "Run accrual for a day range",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := dayFlag(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			to := from
			if until != "" {
				if to, err = dayFlag(until); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}

			e, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			summary, err := e.driver.Run(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "days=%d invoices=%d members=%d failed=%d retried=%d\n",
				summary.Days, summary.Invoices, summary.Members, summary.Failed, summary.Retried)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first day, YYYY-MM-DD (default yesterday)")
	cmd.Flags().StringVar(&until, "until", "", "last day, YYYY-MM-DD (default --since)")
	return cmd
}

type sweepFunc func(ctx context.Context, e *engine, asOf time.Time) (any, error)

func newSweepCmd(configPath *string, use, short string, run sweepFunc) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := dayFlag(asOf)
			if err != nil {
				return fmt.Errorf("--as-of: %w", err)
			}

			e, err := newEngine(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			summary, err := run(cmd.Context(), e, ledger.EndOfDay(day))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %+v\n", use, ledger.DateKey(day), summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "day to sweep, YYYY-MM-DD (default yesterday)")
	return cmd
}

// dayFlag parses a YYYY-MM-DD flag, defaulting to yesterday (UTC).
func dayFlag(s string) (time.Time, error) {
	if s == "" {
		return ledger.StartOfDay(time.Now()).AddDate(0, 0, -1), nil
	}
	return time.Parse("2006-01-02", s)
}
