package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/provider"
)

type JobRequest struct {
	Prompt        string               `json:"prompt"`
	Style         string               `json:"style,omitempty"`
	References    []provider.Reference `json:"references,omitempty"`
	Options       map[string]any       `json:"options,omitempty"`
	CorrelationID string               `json:"correlationId,omitempty"`
	Priority      int                  `json:"priority,omitempty"`
	MaxRetries    *int                 `json:"maxRetries,omitempty"`
}

type BatchItem struct {
	ID       string         `json:"id,omitempty"`
	Prompt   string         `json:"prompt"`
	Options  map[string]any `json:"options,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

type BatchJobRequest struct {
	Items      []BatchItem          `json:"items"`
	Style      string               `json:"style,omitempty"`
	References []provider.Reference `json:"references,omitempty"`
	Options    map[string]any       `json:"options,omitempty"`
	MaxRetries *int                 `json:"maxRetries,omitempty"`
}

// PayloadView is the part of a payload that is safe to echo back.
type PayloadView struct {
	Prompt        string `json:"prompt"`
	Style         string `json:"style,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type JobView struct {
	ID          string          `json:"id"`
	Type        job.Type        `json:"type"`
	Status      job.Status      `json:"status"`
	Priority    int             `json:"priority"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Payload     PayloadView     `json:"payload"`
}

// NewJobView copies j without its credential. A payload that does not decode
// leaves the payload view empty and is reported in the returned error.
func NewJobView(j *job.Job) (JobView, error) {
	var p PayloadView
	var err error
	if len(j.Payload) > 0 {
		if uerr := json.Unmarshal(j.Payload, &p); uerr != nil {
			p = PayloadView{}
			err = fmt.Errorf("decode payload of job %s: %w", j.ID, uerr)
		}
	}
	return JobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Priority:    j.Priority,
		Result:      j.Result,
		Error:       j.Error,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Payload:     p,
	}, err
}

func (h *Handlers) view(j *job.Job) JobView {
	v, err := NewJobView(j)
	if err != nil {
		h.logger.Warn("job payload not readable", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
	return v
}

func (h *Handlers) maxRetries(requested *int) (int, error) {
	if requested == nil {
		return h.cfg.DefaultMaxRetries, nil
	}
	if *requested < 0 {
		return 0, fmt.Errorf("maxRetries must not be negative")
	}
	return *requested, nil
}

func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	maxRetries, err := h.maxRetries(req.MaxRetries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := executor.ImagePayload{
		Prompt:        req.Prompt,
		Style:         req.Style,
		References:    req.References,
		Options:       req.Options,
		CorrelationID: req.CorrelationID,
		APIKey:        r.Header.Get(ProviderKeyHeader),
	}
	j, err := h.enqueue(r, payload, req.Priority, maxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	h.dispatch()

	writeJSON(w, http.StatusCreated, map[string]any{
		"jobId":  j.ID,
		"status": j.Status,
	})
}

func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Prompt) == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: prompt is required", i))
			return
		}
	}
	maxRetries, err := h.maxRetries(req.MaxRetries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	apiKey := r.Header.Get(ProviderKeyHeader)
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		options := maps.Clone(req.Options)
		if options == nil && len(item.Options) > 0 {
			options = make(map[string]any, len(item.Options))
		}
		maps.Copy(options, item.Options)

		j, err := h.enqueue(r, executor.ImagePayload{
			Prompt:        item.Prompt,
			Style:         req.Style,
			References:    req.References,
			Options:       options,
			CorrelationID: item.ID,
			APIKey:        apiKey,
		}, item.Priority, maxRetries)
		if err != nil {
			// Jobs created so far stay queued; report them so the caller can track them.
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  "failed to enqueue batch",
				"jobIds": ids,
			})
			h.dispatch()
			return
		}
		ids = append(ids, j.ID)
	}
	h.dispatch()

	writeJSON(w, http.StatusCreated, map[string]any{
		"jobIds": ids,
		"total":  len(ids),
	})
}

func (h *Handlers) enqueue(r *http.Request, payload executor.ImagePayload, priority, maxRetries int) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	j, err := h.store.CreateJob(r.Context(), uuid.NewString(), job.TypeImageGeneration, priority, data, maxRetries)
	if err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		return nil, err
	}
	h.logger.Info("job enqueued",
		slog.String("job_id", j.ID),
		slog.Int("priority", priority),
		slog.String("correlation_id", payload.CorrelationID),
	)
	return j, nil
}

// ListActive returns pending and processing jobs, newest first.
func (h *Handlers) ListActive(w http.ResponseWriter, r *http.Request) {
	var active []*job.Job
	for _, status := range []job.Status{job.StatusPending, job.StatusProcessing} {
		jobs, err := h.store.GetJobsByStatus(r.Context(), status, 0)
		if err != nil {
			h.logger.Error("failed to list jobs", slog.String("status", string(status)), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		active = append(active, jobs...)
	}
	sort.SliceStable(active, func(a, b int) bool {
		return active[a].CreatedAt.After(active[b].CreatedAt)
	})

	views := make([]JobView, 0, len(active))
	for _, j := range active {
		views = append(views, h.view(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  views,
		"total": len(views),
	})
}

func (h *Handlers) CleanupCompleted(w http.ResponseWriter, r *http.Request) {
	keep := h.cfg.RetentionKeep
	if raw := r.URL.Query().Get("keep"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "keep must be a non-negative integer")
			return
		}
		keep = n
	}

	removed, err := h.store.CleanupCompletedJobs(r.Context(), keep)
	if err != nil {
		h.logger.Error("failed to clean up jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to clean up jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"removed": removed,
		"kept":    keep,
	})
}
