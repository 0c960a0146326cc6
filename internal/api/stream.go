package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storyforge/genqueue/internal/batch"
)

type streamGauge struct {
	atomic.Int64
}

// sseWriter frames each event as a single "data:" line.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) Emit(ev batch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return s.rc.Flush()
}

// StreamGenerate runs a batch and streams its progress as server-sent events.
// Request-level validation failures are answered with a plain JSON error
// before any event is written; an item without a prompt becomes an error
// event like any other failed item.
func (h *Handlers) StreamGenerate(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, batch.ErrNoItems.Error())
		return
	}
	if req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "maxRetries must not be negative")
		return
	}
	req.APIKey = r.Header.Get(ProviderKeyHeader)

	rc := http.NewResponseController(w)
	// A batch outlives the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.streams.Add(1)
	defer h.streams.Add(-1)

	logger := h.logger.With(slog.String("request_id", middleware.GetReqID(r.Context())))
	summary, err := h.coord.Run(r.Context(), req, &sseWriter{w: w, rc: rc})
	if err != nil {
		logger.Warn("stream aborted", slog.String("error", err.Error()))
		return
	}
	logger.Info("stream complete",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.SuccessCount),
		slog.Int("failed", summary.ErrorCount),
	)
}
