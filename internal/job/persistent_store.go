package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/storyforge/genqueue/internal/db"
)

// Key layout:
//
//	jobs/rec/<id>                                      JSON record
//	jobs/pq/<status>/<^priority>/<created>/<seq>/<id>  dequeue order
//	jobs/ct/<status>/<created>/<seq>/<id>              listing order
//
// Numeric components are fixed-width hex so lexical order equals numeric
// order. Both index families are rewritten in the same transaction as the
// record whenever the status changes.
const (
	recPrefix = "jobs/rec/"
	pqPrefix  = "jobs/pq/"
	ctPrefix  = "jobs/ct/"
	seqKey    = "jobs/seq"

	// deleteChunk keeps retention deletes below badger's transaction size limit.
	deleteChunk = 500
)

type record struct {
	Job
	Seq int64 `json:"seq"`
}

// PersistentStore is the badger-backed JobStore.
type PersistentStore struct {
	dbStore *db.Store
	seq     *badger.Sequence
	now     func() time.Time
}

func NewPersistentStore(dbStore *db.Store) (*PersistentStore, error) {
	seq, err := dbStore.Sequence(seqKey, 100)
	if err != nil {
		return nil, err
	}
	return &PersistentStore{
		dbStore: dbStore,
		seq:     seq,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func recKey(id string) string { return recPrefix + id }

func pqKey(r *record) string {
	// Flipping the sign bit maps int64 onto uint64 preserving order; the
	// complement then makes higher priorities sort first.
	prio := ^(uint64(int64(r.Priority)) ^ (1 << 63))
	return fmt.Sprintf("%s%s/%016x/%016x/%016x/%s", pqPrefix, r.Status, prio, uint64(r.CreatedAt.UnixNano()), uint64(r.Seq), r.ID)
}

func ctKey(r *record) string {
	return fmt.Sprintf("%s%s/%016x/%016x/%s", ctPrefix, r.Status, uint64(r.CreatedAt.UnixNano()), uint64(r.Seq), r.ID)
}

func (s *PersistentStore) CreateJob(_ context.Context, id string, jobType Type, priority int, payload json.RawMessage, maxRetries int) (*Job, error) {
	n, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	r := &record{Job: *newJob(id, jobType, priority, payload, maxRetries, s.now()), Seq: int64(n)}

	err = s.dbStore.Update(func(txn *db.Txn) error {
		if _, err := txn.Get(recKey(id)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}
		return s.put(txn, r)
	})
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	return r.Job.Clone(), nil
}

func (s *PersistentStore) GetPendingJobs(_ context.Context, limit int) ([]*Job, error) {
	jobs, err := s.scanIndex(pqPrefix+string(StatusPending)+"/", false, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *PersistentStore) UpdateJob(_ context.Context, id string, u Update) (*Job, error) {
	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	var out *Job
	err := s.dbStore.Update(func(txn *db.Txn) error {
		r, err := s.load(txn, id)
		if err != nil {
			return err
		}
		if err := s.dropIndexes(txn, r); err != nil {
			return err
		}
		r.Job.apply(u, s.now())
		out = r.Job.Clone()
		return s.put(txn, r)
	})
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return out, nil
}

func (s *PersistentStore) GetJobByID(_ context.Context, id string) (*Job, error) {
	var out *Job
	err := s.dbStore.View(func(txn *db.Txn) error {
		r, err := s.load(txn, id)
		if err != nil {
			return err
		}
		out = &r.Job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return out, nil
}

func (s *PersistentStore) GetJobsByStatus(_ context.Context, status Status, limit int) ([]*Job, error) {
	jobs, err := s.scanIndex(ctPrefix+string(status)+"/", true, limit)
	if err != nil {
		return nil, fmt.Errorf("get %s jobs: %w", status, err)
	}
	return jobs, nil
}

func (s *PersistentStore) CleanupCompletedJobs(_ context.Context, keepRecent int) (int, error) {
	var stale []string
	err := s.dbStore.View(func(txn *db.Txn) error {
		seen := 0
		return txn.Scan(ctPrefix+string(StatusCompleted)+"/", true, func(_, value []byte) (bool, error) {
			seen++
			if seen > keepRecent {
				stale = append(stale, string(value))
			}
			return true, nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan completed jobs: %w", err)
	}

	removed := 0
	for start := 0; start < len(stale); start += deleteChunk {
		end := min(start+deleteChunk, len(stale))
		deleted := 0
		err := s.dbStore.Update(func(txn *db.Txn) error {
			deleted = 0
			for _, id := range stale[start:end] {
				r, err := s.load(txn, id)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if r.Status != StatusCompleted {
					continue
				}
				if err := s.dropIndexes(txn, r); err != nil {
					return err
				}
				if err := txn.Delete(recKey(id)); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("delete completed jobs: %w", err)
		}
		removed += deleted
	}
	return removed, nil
}

func (s *PersistentStore) ResetProcessing(ctx context.Context) ([]string, error) {
	processing, err := s.GetJobsByStatus(ctx, StatusProcessing, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(processing))
	for _, j := range processing {
		if _, err := s.UpdateJob(ctx, j.ID, Update{Status: StatusPending}); err != nil {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *PersistentStore) Counts(_ context.Context) (Counts, error) {
	var c Counts
	err := s.dbStore.View(func(txn *db.Txn) error {
		for _, status := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
			err := txn.Scan(ctPrefix+string(status)+"/", false, func(_, _ []byte) (bool, error) {
				c.add(status)
				return true, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// Close releases the sequence lease. The underlying db.Store is owned by the caller.
func (s *PersistentStore) Close() error {
	return s.seq.Release()
}

func (s *PersistentStore) load(txn *db.Txn, id string) (*record, error) {
	data, err := txn.Get(recKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &r, nil
}

func (s *PersistentStore) put(txn *db.Txn, r *record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := txn.Set(recKey(r.ID), data); err != nil {
		return err
	}
	if err := txn.Set(pqKey(r), []byte(r.ID)); err != nil {
		return err
	}
	return txn.Set(ctKey(r), []byte(r.ID))
}

func (s *PersistentStore) dropIndexes(txn *db.Txn, r *record) error {
	if err := txn.Delete(pqKey(r)); err != nil {
		return err
	}
	return txn.Delete(ctKey(r))
}

func (s *PersistentStore) scanIndex(prefix string, reverse bool, limit int) ([]*Job, error) {
	var jobs []*Job
	err := s.dbStore.View(func(txn *db.Txn) error {
		return txn.Scan(prefix, reverse, func(_, value []byte) (bool, error) {
			r, err := s.load(txn, string(value))
			if err != nil {
				return false, err
			}
			jobs = append(jobs, &r.Job)
			return limit <= 0 || len(jobs) < limit, nil
		})
	})
	return jobs, err
}
