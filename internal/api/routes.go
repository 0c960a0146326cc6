package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/config"
	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/storage"
	"github.com/storyforge/genqueue/internal/ws"
)

func NewRouter(cfg *config.Config, store job.JobStore, coord *batch.Coordinator, logger *slog.Logger) http.Handler {
	return NewRouterWithStorage(cfg, store, coord, nil, nil, nil, logger)
}

// NewRouterWithStorage also mounts the image routes when images is non-nil and
// reports the registered job types on /info when registry is non-nil.
func NewRouterWithStorage(cfg *config.Config, store job.JobStore, coord *batch.Coordinator, registry *executor.Registry, images *storage.Store, onEnqueue DispatchFunc, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	wsServer := ws.NewServer(coord, logger)

	h := NewHandlers(cfg, store, coord, logger)
	h.wsStreams = wsServer
	h.registry = registry
	h.SetDispatchFunc(onEnqueue)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)

	// Jobs API
	r.Post("/api/jobs", h.SubmitJob)
	r.Post("/api/jobs/batch", h.SubmitBatch)
	r.Get("/api/jobs/active", h.ListActive)
	r.Delete("/api/jobs/completed", h.CleanupCompleted)
	r.Get("/api/jobs/{id}", h.GetJob)

	// Streaming generation
	r.Post("/api/generate/stream", h.StreamGenerate)
	r.Get("/ws/generate", wsServer.HandleGenerate)

	// Generated images
	if images != nil {
		storageHandlers := storage.NewHandlers(images)
		r.Get("/api/images/{namespace}", storageHandlers.List)
		r.Route("/static/{namespace}", func(r chi.Router) {
			r.Get("/*", storageHandlers.Download)
		})
	}

	return r
}
