package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Type selects the handler that executes a job.
type Type string

const TypeImageGeneration Type = "image-generation"

type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func newJob(id string, jobType Type, priority int, payload json.RawMessage, maxRetries int, now time.Time) *Job {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Job{
		ID:         id,
		Type:       jobType,
		Status:     StatusPending,
		Priority:   priority,
		Payload:    append(json.RawMessage(nil), payload...),
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Update is a partial change applied by JobStore.UpdateJob. Zero fields are
// left untouched.
type Update struct {
	Status     Status
	Result     json.RawMessage
	Error      *string
	RetryCount *int
}

// validate rejects an update that names an unknown status.
func (u Update) validate() error {
	if u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}
	return nil
}

// apply merges u into j. Every backend goes through here so the timestamp
// rules stay identical.
func (j *Job) apply(u Update, now time.Time) {
	if u.Status != "" && u.Status != j.Status {
		j.Status = u.Status
		switch {
		case u.Status == StatusProcessing && j.StartedAt == nil:
			j.StartedAt = &now
		case u.Status.Terminal():
			j.CompletedAt = &now
		}
	}
	if u.Result != nil {
		j.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.RetryCount != nil && *u.RetryCount > j.RetryCount {
		j.RetryCount = *u.RetryCount
	}
	j.UpdatedAt = now
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func StringPtr(s string) *string { return &s }

func IntPtr(i int) *int { return &i }

// Counts is a per-status job tally.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (c *Counts) add(s Status) { c.addN(s, 1) }

func (c *Counts) addN(s Status, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}
