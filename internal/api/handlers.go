package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/config"
	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
)

var startTime = time.Now()

// ProviderKeyHeader carries a per-request provider credential. It is passed
// through to the provider and never validated or echoed.
const ProviderKeyHeader = "X-Provider-Key"

// DispatchFunc is called after jobs are enqueued to trigger dispatch.
type DispatchFunc func()

// StreamCounter reports streams in flight on another transport.
type StreamCounter interface {
	ActiveStreams() int64
}

type Handlers struct {
	cfg        *config.Config
	store      job.JobStore
	coord      *batch.Coordinator
	logger     *slog.Logger
	onDispatch DispatchFunc
	wsStreams  StreamCounter
	registry   *executor.Registry
	streams    streamGauge
}

func NewHandlers(cfg *config.Config, store job.JobStore, coord *batch.Coordinator, logger *slog.Logger) *Handlers {
	return &Handlers{cfg: cfg, store: store, coord: coord, logger: logger}
}

func (h *Handlers) SetDispatchFunc(fn DispatchFunc) {
	h.onDispatch = fn
}

func (h *Handlers) dispatch() {
	if h.onDispatch != nil {
		h.onDispatch()
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"node_id":        h.cfg.NodeID,
		"version":        "0.1.0",
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"store_driver":   h.cfg.StoreDriver,
		"provider_mode":  h.cfg.ProviderMode,
	}
	if h.registry != nil {
		info["job_types"] = h.registry.Types()
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Counts(r.Context())
	if err != nil {
		h.logger.Error("failed to count jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	streams := map[string]int64{"sse": h.streams.Load()}
	if h.wsStreams != nil {
		streams["websocket"] = h.wsStreams.ActiveStreams()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs":           counts,
		"streams":        streams,
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.store.GetJobByID(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", slog.String("job_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, h.view(j))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
