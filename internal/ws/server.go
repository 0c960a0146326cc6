package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/storyforge/genqueue/internal/batch"
)

const (
	readRequestTimeout = 30 * time.Second
	writeTimeout       = 10 * time.Second
	// maxMessageSize caps a generate request, inline references included.
	maxMessageSize = 16 << 20
)

type Server struct {
	coord  *batch.Coordinator
	logger *slog.Logger
	active atomic.Int64
}

func NewServer(coord *batch.Coordinator, logger *slog.Logger) *Server {
	return &Server{coord: coord, logger: logger}
}

// ActiveStreams returns the number of websocket streams in progress.
func (s *Server) ActiveStreams() int64 {
	return s.active.Load()
}

// HandleGenerate reads one batch request from the client, streams every
// event back as a JSON text message and closes the socket normally.
func (s *Server) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	// Reference images arrive inline as base64.
	conn.SetReadLimit(maxMessageSize)

	session := uuid.NewString()
	logger := s.logger.With(slog.String("session_id", session))

	s.active.Add(1)
	defer s.active.Add(-1)

	readCtx, cancel := context.WithTimeout(r.Context(), readRequestTimeout)
	var msg GenerateMessage
	err = wsjson.Read(readCtx, conn, &msg)
	cancel()
	if err != nil {
		logger.Warn("invalid generate request", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request")
		return
	}
	if len(msg.Items) == 0 {
		conn.Close(websocket.StatusInvalidFramePayloadData, batch.ErrNoItems.Error())
		return
	}

	req := msg.Request
	req.APIKey = msg.APIKey
	if key := r.Header.Get("X-Provider-Key"); key != "" {
		req.APIKey = key
	}

	// CloseRead keeps handling control frames and cancels ctx once the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	emitter := batch.EmitterFunc(func(ev batch.Event) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	})

	if _, err := s.coord.Run(ctx, req, emitter); err != nil {
		if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
			logger.Info("client left mid-stream", slog.String("error", err.Error()))
		} else {
			logger.Warn("stream aborted", slog.String("error", err.Error()))
		}
		conn.Close(websocket.StatusInternalError, "stream aborted")
		return
	}

	conn.Close(websocket.StatusNormalClosure, "complete")
}
