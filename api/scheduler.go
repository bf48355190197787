/*
scheduler.go - Daily batch scheduler

PURPOSE:
  Runs the nightly batch chain for "yesterday" on a cron schedule:
    1. accrual        (Driver.Run)
    2. point release  (Manager.ReleaseMemberPoint)
    3. point expiry   (Manager.ResetMemberPoint)
    4. tier renewal   (Sweeper.ResetMemberTier)

DESIGN:
  - robfig/cron with a 5-field parser and SkipIfStillRunning, so a slow night
    never overlaps the next run
  - The chain stops at the first pass that returns an error; per-member
    failures inside a pass are already logged and skipped by the pass itself
  - RunOnce is exported for the CLI and the admin endpoint

CONFIGURATION:
  - Spec:    cron expression (default "10 0 * * *")
  - Enabled: whether Start schedules anything

USAGE:
  s := NewBatchScheduler(driver, rewards, sweeper, logger)
  if err := s.Start(); err != nil { ... }
  defer s.Stop()

SEE ALSO:
  - handlers.go: TriggerBatch endpoint (manual run)
  - cmd/server/main.go: wiring
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/renewal"
	"github.com/warp/membership-engine/rewards"
)

const DefaultSchedule = "10 0 * * *"

// BatchScheduler runs the daily batch chain.
type BatchScheduler struct {
	Driver  *accrual.Driver
	Rewards *rewards.Manager
	Renewal *renewal.Sweeper
	Spec    string
	Enabled bool
	Logger  *slog.Logger
	Now     func() time.Time

	cron *cron.Cron
	mu   sync.Mutex
	run  sync.Mutex
}

// NewBatchScheduler creates a scheduler with the default schedule.
func NewBatchScheduler(driver *accrual.Driver, rm *rewards.Manager, sweeper *renewal.Sweeper, logger *slog.Logger) *BatchScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchScheduler{
		Driver:  driver,
		Rewards: rm,
		Renewal: sweeper,
		Spec:    DefaultSchedule,
		Enabled: true,
		Logger:  logger.With("component", "scheduler"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the chain.
func (s *BatchScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(s.Spec, func() {
		yesterday := ledger.StartOfDay(s.Now()).AddDate(0, 0, -1)
		if _, err := s.RunOnce(context.Background(), yesterday); err != nil {
			s.Logger.Error("batch chain failed", "day", ledger.DateKey(yesterday), "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.Spec, err)
	}
	c.Start()
	s.cron = c
	s.Logger.Info("scheduler started", "spec", s.Spec)
	return nil
}

// Stop waits for a running chain to finish.
func (s *BatchScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.Logger.Info("scheduler stopped")
}

// BatchReport collects the summaries of one chain run.
type BatchReport struct {
	Day      time.Time
	Accrual  accrual.RunSummary
	Released rewards.SweepSummary
	Expired  rewards.SweepSummary
	Renewal  renewal.Summary
}

// RunOnce runs the chain for day. Concurrent calls are serialized.
func (s *BatchScheduler) RunOnce(ctx context.Context, day time.Time) (BatchReport, error) {
	s.run.Lock()
	defer s.run.Unlock()

	report := BatchReport{Day: ledger.StartOfDay(day)}
	asOf := ledger.EndOfDay(day)
	log := s.Logger.With("day", ledger.DateKey(day))
	log.Info("batch chain started")

	var err error
	if report.Accrual, err = s.Driver.Run(ctx, day, day); err != nil {
		return report, fmt.Errorf("accrual: %w", err)
	}
	if report.Released, err = s.Rewards.ReleaseMemberPoint(ctx, asOf); err != nil {
		return report, fmt.Errorf("release points: %w", err)
	}
	if report.Expired, err = s.Rewards.ResetMemberPoint(ctx, asOf); err != nil {
		return report, fmt.Errorf("expire points: %w", err)
	}
	if report.Renewal, err = s.Renewal.ResetMemberTier(ctx, asOf); err != nil {
		return report, fmt.Errorf("renew tiers: %w", err)
	}

	log.Info("batch chain finished",
		"invoices", report.Accrual.Invoices,
		"released", report.Released.Rows,
		"expired_members", report.Expired.Members,
		"renewed", report.Renewal.Renewed,
		"downgraded", report.Renewal.Downgraded)
	return report, nil
}
