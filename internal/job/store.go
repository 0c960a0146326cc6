package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the in-memory JobStore. It is used in tests and with
// STORE_DRIVER=memory; nothing survives a restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	seq  int64
	now  func() time.Time
}

type entry struct {
	job *Job
	seq int64
}

func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateJob(_ context.Context, id string, jobType Type, priority int, payload json.RawMessage, maxRetries int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return nil, fmt.Errorf("create job %s: %w", id, ErrAlreadyExists)
	}
	s.seq++
	j := newJob(id, jobType, priority, payload, maxRetries, s.now())
	s.jobs[id] = &entry{job: j, seq: s.seq}
	return j.Clone(), nil
}

func (s *Store) GetPendingJobs(_ context.Context, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*entry
	for _, e := range s.jobs {
		if e.job.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		ja, jb := pending[a].job, pending[b].job
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return pending[a].seq < pending[b].seq
	})
	return s.clip(pending, limit), nil
}

func (s *Store) UpdateJob(_ context.Context, id string, u Update) (*Job, error) {
	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	e.job.apply(u, s.now())
	return e.job.Clone(), nil
}

func (s *Store) GetJobByID(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return e.job.Clone(), nil
}

func (s *Store) GetJobsByStatus(_ context.Context, status Status, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clip(s.newestFirst(status), limit), nil
}

func (s *Store) CleanupCompletedJobs(_ context.Context, keepRecent int) (int, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := s.newestFirst(StatusCompleted)
	if len(completed) <= keepRecent {
		return 0, nil
	}
	for _, e := range completed[keepRecent:] {
		delete(s.jobs, e.job.ID)
	}
	return len(completed) - keepRecent, nil
}

func (s *Store) ResetProcessing(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	now := s.now()
	for id, e := range s.jobs {
		if e.job.Status == StatusProcessing {
			e.job.apply(Update{Status: StatusPending}, now)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, e := range s.jobs {
		c.add(e.job.Status)
	}
	return c, nil
}

func (s *Store) Close() error { return nil }

// newestFirst must be called with s.mu held.
func (s *Store) newestFirst(status Status) []*entry {
	var out []*entry
	for _, e := range s.jobs {
		if e.job.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ja, jb := out[a].job, out[b].job
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.After(jb.CreatedAt)
		}
		return out[a].seq > out[b].seq
	})
	return out
}

func (s *Store) clip(entries []*entry, limit int) []*Job {
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, e.job.Clone())
	}
	return jobs
}
