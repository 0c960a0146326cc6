package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/provider"
)

func newTestServer(t *testing.T, gen provider.Generator) (*Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := batch.NewCoordinator(gen, batch.Config{WaveSize: 2}, logger)
	s := NewServer(coord, logger)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleGenerate))
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readAll(ctx context.Context, conn *websocket.Conn) ([]map[string]any, error) {
	var events []map[string]any
	for {
		var ev map[string]any
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestHandleGenerate_StreamsEvents(t *testing.T) {
	_, url := newTestServer(t, &provider.Stub{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, nil)
	msg := GenerateMessage{
		Type: "generate",
		Request: batch.Request{
			Items: []batch.Item{{ID: "a", Prompt: "one"}, {ID: "b", Prompt: "two"}, {ID: "c", Prompt: "three"}},
			Style: "ink",
		},
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events, err := readAll(ctx, conn)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	if events[0]["type"] != batch.TypeStart {
		t.Errorf("expected start first, got %v", events[0]["type"])
	}
	last := events[len(events)-1]
	if last["type"] != batch.TypeComplete || last["successCount"] != float64(3) {
		t.Errorf("unexpected final event: %v", last)
	}

	// start + 2×(batch-start, batch-complete) + 3×(generating, success) + complete
	if len(events) != 1+4+6+1 {
		t.Errorf("expected 12 events, got %d", len(events))
	}
}

func TestHandleGenerate_LargeReference(t *testing.T) {
	var mu sync.Mutex
	var refLen int
	gen := provider.GeneratorFunc(func(_ context.Context, req provider.Request) (*provider.Output, error) {
		mu.Lock()
		if len(req.References) == 1 {
			refLen = len(req.References[0].Data)
		}
		mu.Unlock()
		return &provider.Output{Output: "ref", OutputIsReference: true}, nil
	})
	_, url := newTestServer(t, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, nil)
	data := strings.Repeat("A", 40<<10)
	msg := GenerateMessage{
		Type: "generate",
		Request: batch.Request{
			Items:      []batch.Item{{Prompt: "with reference"}},
			References: []provider.Reference{{Name: "ref.png", MimeType: "image/png", Data: data}},
		},
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events, err := readAll(ctx, conn)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
	if len(events) == 0 || events[0]["type"] != batch.TypeStart {
		t.Fatalf("expected stream to start, got %v", events)
	}
	last := events[len(events)-1]
	if last["type"] != batch.TypeComplete || last["successCount"] != float64(1) {
		t.Errorf("unexpected final event: %v", last)
	}
	mu.Lock()
	defer mu.Unlock()
	if refLen != len(data) {
		t.Errorf("expected reference of %d bytes to reach the provider, got %d", len(data), refLen)
	}
}

func TestHandleGenerate_ProviderKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	gen := provider.GeneratorFunc(func(_ context.Context, req provider.Request) (*provider.Output, error) {
		mu.Lock()
		keys = append(keys, req.APIKey)
		mu.Unlock()
		return &provider.Output{Output: "ref", OutputIsReference: true}, nil
	})
	_, url := newTestServer(t, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, http.Header{"X-Provider-Key": {"from-header"}})
	msg := GenerateMessage{
		APIKey:  "from-body",
		Request: batch.Request{Items: []batch.Item{{Prompt: "x"}}},
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readAll(ctx, conn)

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 1 || keys[0] != "from-header" {
		t.Errorf("header key should win, got %v", keys)
	}
}

func TestHandleGenerate_RejectsEmptyBatch(t *testing.T) {
	_, url := newTestServer(t, &provider.Stub{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, nil)
	if err := wsjson.Write(ctx, conn, GenerateMessage{Type: "generate"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events, err := readAll(ctx, conn)
	if len(events) != 0 {
		t.Errorf("expected no events, got %v", events)
	}
	if websocket.CloseStatus(err) != websocket.StatusInvalidFramePayloadData {
		t.Errorf("expected invalid payload close, got %v", err)
	}
}

func TestHandleGenerate_ActiveStreams(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	gen := provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Output, error) {
		started <- struct{}{}
		<-release
		return &provider.Output{Output: "ref", OutputIsReference: true}, nil
	})
	s, url := newTestServer(t, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, nil)
	wsjson.Write(ctx, conn, GenerateMessage{Request: batch.Request{Items: []batch.Item{{Prompt: "x"}}}})

	<-started
	if n := s.ActiveStreams(); n != 1 {
		t.Errorf("expected 1 active stream, got %d", n)
	}
	close(release)
	readAll(ctx, conn)

	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveStreams() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.ActiveStreams(); n != 0 {
		t.Errorf("expected 0 active streams after close, got %d", n)
	}
}
