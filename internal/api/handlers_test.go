package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/config"
	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/provider"
	"github.com/storyforge/genqueue/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NodeID = "test-node"
	cfg.StoreDriver = "memory"
	return cfg
}

func testCoordinator(gen provider.Generator) *batch.Coordinator {
	if gen == nil {
		gen = &provider.Stub{}
	}
	return batch.NewCoordinator(gen, batch.Config{WaveSize: 2}, testLogger())
}

func newTestRouter(store job.JobStore) http.Handler {
	return NewRouter(testConfig(), store, testCoordinator(nil), testLogger())
}

func TestHealth(t *testing.T) {
	router := newTestRouter(job.NewStore())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
}

func TestInfo(t *testing.T) {
	router := newTestRouter(job.NewStore())

	req := httptest.NewRequest("GET", "/info", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["node_id"] != "test-node" {
		t.Errorf("expected test-node, got %v", resp["node_id"])
	}
	if resp["store_driver"] != "memory" {
		t.Errorf("expected memory, got %v", resp["store_driver"])
	}
	if _, ok := resp["job_types"]; ok {
		t.Error("job_types should be omitted without a registry")
	}
}

func TestInfo_JobTypes(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register(job.TypeImageGeneration, executor.ImageHandler(&provider.Stub{}, nil))
	router := NewRouterWithStorage(testConfig(), job.NewStore(), testCoordinator(nil), registry, nil, nil, testLogger())

	req := httptest.NewRequest("GET", "/info", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp struct {
		JobTypes []string `json:"job_types"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.JobTypes) != 1 || resp.JobTypes[0] != string(job.TypeImageGeneration) {
		t.Errorf("unexpected job types: %v", resp.JobTypes)
	}
}

func TestStats(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)

	store.CreateJob(t.Context(), "a", job.TypeImageGeneration, 0, json.RawMessage(`{}`), 3)
	store.CreateJob(t.Context(), "b", job.TypeImageGeneration, 0, json.RawMessage(`{}`), 3)
	store.UpdateJob(t.Context(), "b", job.Update{Status: job.StatusFailed})

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Jobs    job.Counts       `json:"jobs"`
		Streams map[string]int64 `json:"streams"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Jobs.Pending != 1 || resp.Jobs.Failed != 1 {
		t.Errorf("unexpected counts: %+v", resp.Jobs)
	}
	if resp.Streams["sse"] != 0 || resp.Streams["websocket"] != 0 {
		t.Errorf("expected no active streams, got %v", resp.Streams)
	}
}

func TestStaticImages(t *testing.T) {
	dir := t.TempDir()
	images, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := images.Put("jobs", "abc.png", []byte("png-bytes")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	router := NewRouterWithStorage(testConfig(), job.NewStore(), testCoordinator(nil), nil, images, nil, testLogger())

	req := httptest.NewRequest("GET", "/static/jobs/abc.png", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "png-bytes" {
		t.Errorf("unexpected body %q", w.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/images/jobs", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var list storage.ListResponse
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 || list.Files[0] != "abc.png" {
		t.Errorf("unexpected listing: %+v", list)
	}
}

func TestStaticImages_NotMountedWithoutStorage(t *testing.T) {
	router := newTestRouter(job.NewStore())

	req := httptest.NewRequest("GET", "/static/jobs/abc.png", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
