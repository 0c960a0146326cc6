package job

import (
	"context"
	"encoding/json"
)

// JobStore is the durable record of queued work. The memory, badger and sqlite
// backends all satisfy it.
type JobStore interface {
	// CreateJob inserts a pending job. It fails with ErrAlreadyExists if id is taken.
	CreateJob(ctx context.Context, id string, jobType Type, priority int, payload json.RawMessage, maxRetries int) (*Job, error)

	// GetPendingJobs returns up to limit pending jobs, highest priority first
	// and oldest first within a priority.
	GetPendingJobs(ctx context.Context, limit int) ([]*Job, error)

	// UpdateJob merges u into the stored job and returns the result, or ErrNotFound.
	UpdateJob(ctx context.Context, id string, u Update) (*Job, error)

	GetJobByID(ctx context.Context, id string) (*Job, error)

	// GetJobsByStatus lists jobs newest first. limit <= 0 means no limit.
	GetJobsByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)

	// CleanupCompletedJobs deletes completed jobs beyond the keepRecent newest
	// by creation time. Failed jobs are never touched.
	CleanupCompletedJobs(ctx context.Context, keepRecent int) (int, error)

	// ResetProcessing returns every processing job to pending. It is only
	// safe at startup, before a scheduler is running.
	ResetProcessing(ctx context.Context) ([]string, error)

	Counts(ctx context.Context) (Counts, error)

	Close() error
}
