// Package background runs the periodic maintenance jobs: the message and
// job retention sweeper.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

const sweepTimeout = 5 * time.Minute

// RetentionSweeper deletes messages and terminal jobs older than the
// retention window on a cron schedule. Running jobs are never swept.
type RetentionSweeper struct {
	store    storage.Store
	maxAge   time.Duration
	schedule string
	logger   *logger.Logger
	cron     *cron.Cron
}

// NewRetentionSweeper creates a sweeper; Start arms the schedule.
func NewRetentionSweeper(store storage.Store, maxAge time.Duration, schedule string, log *logger.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   log.WithComponent("retention"),
	}
}

// Start registers the cron entry and begins the schedule.
func (s *RetentionSweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("max_age", s.maxAge))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("retention sweeper stopped")
}

func (s *RetentionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	messages, err := s.store.SweepOldMessages(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("message sweep failed", slog.String("error", err.Error()))
	}
	jobs, err := s.store.SweepOldJobs(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("job sweep failed", slog.String("error", err.Error()))
	}

	s.logger.Info("retention sweep complete",
		slog.Int64("messages_deleted", messages),
		slog.Int64("jobs_deleted", jobs),
		slog.Duration("took", time.Since(start)))
}
