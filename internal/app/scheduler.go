/**
 * @description
 * Cron scheduler for housekeeping jobs: purging expired step-up challenges.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ChallengeSweeper purges expired challenges and reports how many were removed.
type ChallengeSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  ChallengeSweeper
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper ChallengeSweeper, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.SweepExpiredChallenges); err != nil {
		s.logger.Error("failed to schedule challenge sweep job", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled challenge sweep job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// SweepExpiredChallenges runs one sweep.
func (s *Scheduler) SweepExpiredChallenges() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.Error("challenge sweep failed", "error", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
