package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/storyforge/genqueue/internal/executor"
	"github.com/storyforge/genqueue/internal/job"
)

func postJSON(router http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)

	body := `{"prompt":"a lighthouse at dusk","style":"watercolor","correlationId":"panel-7","priority":2}`
	rec := postJSON(router, "/api/jobs", body, http.Header{ProviderKeyHeader: {"secret-key"}})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	id, _ := resp["jobId"].(string)
	if id == "" {
		t.Fatal("expected job id in response")
	}
	if resp["status"] != "pending" {
		t.Errorf("expected pending, got %v", resp["status"])
	}

	j, err := store.GetJobByID(t.Context(), id)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if j.Priority != 2 || j.MaxRetries != 3 || j.Type != job.TypeImageGeneration {
		t.Errorf("unexpected job: %+v", j)
	}
	p, err := executor.DecodeImagePayload(j.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.APIKey != "secret-key" {
		t.Errorf("expected provider key in payload, got %q", p.APIKey)
	}
	if p.CorrelationID != "panel-7" {
		t.Errorf("expected correlation id panel-7, got %q", p.CorrelationID)
	}
}

func TestSubmitJob_TriggersDispatch(t *testing.T) {
	kicked := 0
	router := NewRouterWithStorage(testConfig(), job.NewStore(), testCoordinator(nil), nil, nil, func() { kicked++ }, testLogger())

	rec := postJSON(router, "/api/jobs", `{"prompt":"x"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if kicked != 1 {
		t.Errorf("expected one dispatch, got %d", kicked)
	}
}

func TestSubmitJob_Validation(t *testing.T) {
	router := newTestRouter(job.NewStore())

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "invalid"},
		{"missing prompt", `{"style":"ink"}`},
		{"blank prompt", `{"prompt":"   "}`},
		{"negative retries", `{"prompt":"x","maxRetries":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(router, "/api/jobs", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestSubmitJob_ZeroRetries(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)

	rec := postJSON(router, "/api/jobs", `{"prompt":"x","maxRetries":0}`, nil)
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)

	j, err := store.GetJobByID(t.Context(), resp["jobId"].(string))
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if j.MaxRetries != 0 {
		t.Errorf("expected explicit 0 to be kept, got %d", j.MaxRetries)
	}
}

func TestGetJob(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)

	rec := postJSON(router, "/api/jobs", `{"prompt":"castle","style":"ink","correlationId":"c1"}`,
		http.Header{ProviderKeyHeader: {"secret-key"}})
	var created map[string]any
	json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["jobId"].(string)

	req := httptest.NewRequest("GET", "/api/jobs/"+id, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-key") {
		t.Error("job view leaked the provider key")
	}

	var view JobView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.ID != id || view.Status != job.StatusPending {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.Payload.Prompt != "castle" || view.Payload.Style != "ink" || view.Payload.CorrelationID != "c1" {
		t.Errorf("unexpected payload echo: %+v", view.Payload)
	}
}

func TestGetJob_UnreadablePayload(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)
	store.CreateJob(t.Context(), "bad", job.TypeImageGeneration, 0, json.RawMessage(`"not an object"`), 3)

	req := httptest.NewRequest("GET", "/api/jobs/bad", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view JobView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.ID != "bad" || view.Payload.Prompt != "" {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestNewJobView_DecodeError(t *testing.T) {
	_, err := NewJobView(&job.Job{ID: "x", Payload: json.RawMessage(`[1,2]`)})
	if err == nil {
		t.Error("expected decode error")
	}
	if _, err := NewJobView(&job.Job{ID: "y", Payload: json.RawMessage(`{"prompt":"p"}`)}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	router := newTestRouter(job.NewStore())

	req := httptest.NewRequest("GET", "/api/jobs/nonexistent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitBatch(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)

	body := `{
		"items": [
			{"id":"p1","prompt":"one","options":{"seed":1}},
			{"id":"p2","prompt":"two","priority":5}
		],
		"style":"noir",
		"options":{"seed":0,"size":"1024x1024"},
		"maxRetries":1
	}`
	rec := postJSON(router, "/api/jobs/batch", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobIDs []string `json:"jobIds"`
		Total  int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.JobIDs) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	first, _ := store.GetJobByID(t.Context(), resp.JobIDs[0])
	p, _ := executor.DecodeImagePayload(first.Payload)
	if p.CorrelationID != "p1" || p.Style != "noir" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Options["seed"] != float64(1) || p.Options["size"] != "1024x1024" {
		t.Errorf("item options should override shared ones: %v", p.Options)
	}
	if first.MaxRetries != 1 {
		t.Errorf("expected maxRetries 1, got %d", first.MaxRetries)
	}

	second, _ := store.GetJobByID(t.Context(), resp.JobIDs[1])
	if second.Priority != 5 {
		t.Errorf("expected priority 5, got %d", second.Priority)
	}

	pending, _ := store.GetPendingJobs(t.Context(), 10)
	if len(pending) != 2 || pending[0].ID != resp.JobIDs[1] {
		t.Errorf("higher priority item should dispatch first")
	}
}

func TestSubmitBatch_Validation(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)

	for _, body := range []string{
		`{"items":[]}`,
		`{"items":[{"prompt":"ok"},{"prompt":""}]}`,
		`{"items":[{"prompt":"ok"}],"maxRetries":-2}`,
	} {
		rec := postJSON(router, "/api/jobs/batch", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}

	counts, _ := store.Counts(t.Context())
	if counts.Pending != 0 {
		t.Errorf("rejected batches must not enqueue anything, got %d", counts.Pending)
	}
}

func TestListActive(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c", "d"} {
		store.CreateJob(ctx, id, job.TypeImageGeneration, 0, json.RawMessage(`{"prompt":"x","apiKey":"k"}`), 3)
	}
	store.UpdateJob(ctx, "b", job.Update{Status: job.StatusProcessing})
	store.UpdateJob(ctx, "c", job.Update{Status: job.StatusCompleted})
	store.UpdateJob(ctx, "d", job.Update{Status: job.StatusFailed})

	req := httptest.NewRequest("GET", "/api/jobs/active", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"k"`) {
		t.Error("active listing leaked the provider key")
	}

	var resp struct {
		Jobs  []JobView `json:"jobs"`
		Total int       `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Fatalf("expected 2 active jobs, got %d", resp.Total)
	}
	seen := map[string]job.Status{}
	for _, v := range resp.Jobs {
		seen[v.ID] = v.Status
	}
	if seen["a"] != job.StatusPending || seen["b"] != job.StatusProcessing {
		t.Errorf("unexpected active set: %v", seen)
	}
}

func TestCleanupCompleted(t *testing.T) {
	store := job.NewStore()
	router := newTestRouter(store)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c"} {
		store.CreateJob(ctx, id, job.TypeImageGeneration, 0, json.RawMessage(`{}`), 3)
		store.UpdateJob(ctx, id, job.Update{Status: job.StatusCompleted})
	}

	req := httptest.NewRequest("DELETE", "/api/jobs/completed?keep=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["removed"] != 2 || resp["kept"] != 1 {
		t.Errorf("unexpected response: %v", resp)
	}

	counts, _ := store.Counts(ctx)
	if counts.Completed != 1 {
		t.Errorf("expected 1 completed job left, got %d", counts.Completed)
	}
}

func TestCleanupCompleted_InvalidKeep(t *testing.T) {
	router := newTestRouter(job.NewStore())

	for _, q := range []string{"abc", "-1"} {
		req := httptest.NewRequest("DELETE", "/api/jobs/completed?keep="+q, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("keep=%s: expected 400, got %d", q, rec.Code)
		}
	}
}
