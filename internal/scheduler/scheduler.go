// Package scheduler polls the job store and dispatches pending jobs to the
// executor under a concurrency bound.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
)

// Executor runs one job to an outcome.
type Executor interface {
	Execute(ctx context.Context, j *job.Job) executor.Result
}

type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	BatchSize     int
}

type Scheduler struct {
	store  job.JobStore
	exec   Executor
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	kickCh   chan struct{}

	// tickMu serializes ticks so two fetches never interleave.
	tickMu   sync.Mutex
	inFlight *inFlight
	wg       sync.WaitGroup
}

func New(store job.JobStore, exec Executor, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.MaxConcurrent
	}
	return &Scheduler{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
		kickCh:   make(chan struct{}, 1),
		inFlight: newInFlight(),
	}
}

// Start launches the polling loop. Starting a running scheduler only logs a
// warning.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})

	s.logger.Info("scheduler starting",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.Int("batch_size", s.cfg.BatchSize),
	)
	go s.loop(ctx, s.stopCh, s.loopDone)
}

// Stop ends the polling loop and returns once it has exited. Jobs already
// dispatched keep running; use Wait to drain them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped", slog.Int("in_flight", s.inFlight.Len()))
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Kick requests an immediate tick, for example right after an enqueue.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Wait blocks until every dispatched job has finished. Call it after Stop, or
// between manual Tick calls.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx. It returns ctx.Err() if jobs are still
// running when ctx is done.
func (s *Scheduler) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of jobs currently executing.
func (s *Scheduler) InFlight() int {
	return s.inFlight.Len()
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.kickCh:
			s.Tick(ctx)
		}
	}
}

// Tick fetches pending jobs and dispatches as many as the concurrency bound
// allows.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.inFlight.Len() >= s.cfg.MaxConcurrent {
		return
	}

	jobs, err := s.store.GetPendingJobs(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to fetch pending jobs", slog.String("error", err.Error()))
		return
	}

	for _, j := range jobs {
		if s.inFlight.Has(j.ID) {
			continue
		}
		if s.inFlight.Len() >= s.cfg.MaxConcurrent {
			break
		}

		// The batch may be stale: another tick or path can have claimed or
		// resolved the job since it was fetched.
		current, err := s.store.GetJobByID(ctx, j.ID)
		if err != nil {
			s.logger.Warn("failed to re-fetch job",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if current.Status != job.StatusPending {
			s.logger.Debug("skipping job no longer pending",
				slog.String("job_id", j.ID),
				slog.String("status", string(current.Status)),
			)
			continue
		}

		if !s.inFlight.TryClaim(current.ID, s.cfg.MaxConcurrent) {
			continue
		}
		s.dispatch(context.WithoutCancel(ctx), current)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, j *job.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.inFlight.Release(j.ID)
			if r := recover(); r != nil {
				s.logger.Error("job execution panicked",
					slog.String("job_id", j.ID),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
			s.Kick()
		}()

		start := time.Now()
		res := s.exec.Execute(ctx, j)
		s.logger.Debug("job dispatch finished",
			slog.String("job_id", j.ID),
			slog.Bool("success", res.Success),
			slog.Duration("elapsed", time.Since(start)),
		)
	}()
}
