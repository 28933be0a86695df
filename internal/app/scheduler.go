/**
 * @description
 * Cron scheduler for the background provisioning sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper provisions bank links that are still missing a funding source.
type Sweeper interface {
	Sweep(ctx context.Context, batch int) (SweepSummary, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	logger   *slog.Logger
	schedule string
	batch    int
	timeout  time.Duration
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper Sweeper, logger *slog.Logger, schedule string, batch int) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if batch <= 0 {
		batch = 50
	}
	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		logger:   logger,
		schedule: schedule,
		batch:    batch,
		timeout:  5 * time.Minute,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunProvisioningSweep); err != nil {
		s.logger.Error("failed to schedule provisioning sweep job", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled provisioning sweep job", "schedule", s.schedule, "batch", s.batch)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunProvisioningSweep runs one sweep and logs its counts.
func (s *Scheduler) RunProvisioningSweep() {
	s.logger.Info("starting provisioning sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	summary, err := s.sweeper.Sweep(ctx, s.batch)
	if err != nil {
		s.logger.Error("provisioning sweep failed", "error", err, "scanned", summary.Scanned)
		return
	}

	s.logger.Info("provisioning sweep job finished",
		"scanned", summary.Scanned,
		"provisioned", summary.Provisioned,
		"failed", summary.Failed,
	)
}
