package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/storyforge/genqueue/internal/job"
)

// Sweeper periodically trims completed jobs down to the most recent keep.
type Sweeper struct {
	store    job.JobStore
	keep     int
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store job.JobStore, keep int, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		keep:     keep,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupCompletedJobs(ctx, s.keep)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("removed completed jobs", slog.Int("removed", removed), slog.Int("kept", s.keep))
	}
	return removed, nil
}

// Run sweeps on every interval until ctx is done. A non-positive interval
// disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", s.interval),
				)
			}
		}
	}
}
