// Package executor runs a single durable job: it dispatches on the job type,
// calls the provider through the shared retry helper and records the outcome
// in the job store.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/retry"
)

const tracerName = "github.com/storyforge/genqueue/internal/executor"

type Config struct {
	// InlineAttempts is how many provider calls a single execution may make
	// before handing the job back to the scheduler. Each extra call consumes
	// one retry.
	InlineAttempts int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

type Result struct {
	Success bool
	Result  json.RawMessage
	Err     error
}

type Executor struct {
	store    job.JobStore
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(store job.JobStore, registry *Registry, cfg Config, logger *slog.Logger) *Executor {
	if cfg.InlineAttempts < 1 {
		cfg.InlineAttempts = 1
	}
	return &Executor{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		sleep:    retry.Sleep,
	}
}

// SetSleep replaces the backoff wait. Tests use it to skip real delays.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

// Execute runs j to an outcome. It never returns with j left in processing:
// the job ends completed, failed, or back in pending for a later retry.
func (e *Executor) Execute(ctx context.Context, j *job.Job) Result {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return e.fail(ctx, j, fmt.Errorf("unknown job type: %q", j.Type), j.RetryCount)
	}

	call, err := handler(j)
	if err != nil {
		return e.fail(ctx, j, fmt.Errorf("invalid payload: %w", err), j.RetryCount)
	}

	if _, err := e.store.UpdateJob(ctx, j.ID, job.Update{Status: job.StatusProcessing}); err != nil {
		e.logger.Error("failed to mark job processing",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return Result{Err: err}
	}

	retryCount := j.RetryCount
	policy := retry.Policy{
		MaxAttempts: max(min(e.cfg.InlineAttempts, j.MaxRetries-retryCount), 1),
		BaseDelay:   e.cfg.BaseDelay,
		MaxDelay:    e.cfg.MaxDelay,
	}

	result, callErr := retry.Do(ctx, policy, func(ctx context.Context) (json.RawMessage, error) {
		return e.traced(ctx, j, retryCount, call)
	}, retry.Options{
		Sleep: e.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			retryCount++
			e.record(ctx, j.ID, job.Update{Error: job.StringPtr(err.Error()), RetryCount: job.IntPtr(retryCount)})
			e.logger.Info("retrying rate-limited job inline",
				slog.String("job_id", j.ID),
				slog.Int("retry_count", retryCount),
				slog.Duration("delay", wait),
			)
		},
	})

	if callErr == nil {
		return e.succeed(ctx, j, result)
	}
	return e.handleFailure(ctx, j, callErr, retryCount)
}

func (e *Executor) succeed(ctx context.Context, j *job.Job, result json.RawMessage) Result {
	if _, err := e.store.UpdateJob(ctx, j.ID, job.Update{Status: job.StatusCompleted, Result: result}); err != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return Result{Err: err}
	}
	e.logger.Info("job completed", slog.String("job_id", j.ID))
	return Result{Success: true, Result: result}
}

// handleFailure decides between another scheduler pass and a terminal failure.
// Only rate-limit errors consume retry budget.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, callErr error, retryCount int) Result {
	if !retry.IsRateLimited(callErr) {
		return e.fail(ctx, j, callErr, retryCount)
	}
	if retryCount < j.MaxRetries {
		retryCount++
	}
	if retryCount >= j.MaxRetries {
		return e.fail(ctx, j, callErr, retryCount)
	}

	delay := retry.Delay(retryCount-1, e.cfg.BaseDelay, e.cfg.MaxDelay)
	e.logger.Info("job rate limited, returning to queue",
		slog.String("job_id", j.ID),
		slog.Int("retry_count", retryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)
	// The slot stays held during the wait so the job cannot be picked up early.
	if err := e.sleep(ctx, delay); err != nil {
		e.logger.Warn("retry backoff interrupted, requeueing now",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	if _, err := e.store.UpdateJob(ctx, j.ID, job.Update{
		Status:     job.StatusPending,
		Error:      job.StringPtr(callErr.Error()),
		RetryCount: job.IntPtr(retryCount),
	}); err != nil {
		e.logger.Error("failed to requeue job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return Result{Err: err}
	}
	return Result{Err: callErr}
}

func (e *Executor) fail(ctx context.Context, j *job.Job, cause error, retryCount int) Result {
	_, err := e.store.UpdateJob(ctx, j.ID, job.Update{
		Status:     job.StatusFailed,
		Error:      job.StringPtr(cause.Error()),
		RetryCount: job.IntPtr(retryCount),
	})
	if err != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return Result{Err: err}
	}
	e.logger.Warn("job failed",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.Int("retry_count", retryCount),
		slog.String("error", cause.Error()),
	)
	return Result{Err: cause}
}

func (e *Executor) record(ctx context.Context, id string, u job.Update) {
	if _, err := e.store.UpdateJob(ctx, id, u); err != nil {
		e.logger.Error("failed to record retry",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) traced(ctx context.Context, j *job.Job, retryCount int, call Call) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "genqueue.generate", trace.WithAttributes(
		attribute.String("genqueue.job.id", j.ID),
		attribute.String("genqueue.job.type", string(j.Type)),
		attribute.Int("genqueue.job.retry_count", retryCount),
	))
	defer span.End()

	out, err := call(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
