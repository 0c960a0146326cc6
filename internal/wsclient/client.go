// Package wsclient drives a /ws/generate stream from the command line.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/ws"
)

// ErrIncomplete is returned when the server closed the stream before the
// complete event arrived.
var ErrIncomplete = errors.New("stream closed before completion")

// Handler receives every event in arrival order. raw is the full message.
type Handler func(eventType string, raw json.RawMessage) error

type Client struct {
	url    string
	header http.Header
	logger *slog.Logger
}

func New(url string, logger *slog.Logger) *Client {
	return &Client{url: url, header: http.Header{}, logger: logger}
}

// SetProviderKey sends key in the X-Provider-Key header of the upgrade request.
func (c *Client) SetProviderKey(key string) {
	if key != "" {
		c.header.Set("X-Provider-Key", key)
	}
}

// Stream sends msg as the opening message and feeds events to fn until the
// server closes the socket. It returns the summary from the complete event.
func (c *Client) Stream(ctx context.Context, msg ws.GenerateMessage, fn Handler) (*batch.Summary, error) {
	c.logger.Info("connecting", slog.String("url", c.url))

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 24)

	if msg.Type == "" {
		msg.Type = "generate"
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var summary *batch.Summary
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				if summary == nil {
					return nil, ErrIncomplete
				}
				return summary, nil
			}
			return summary, fmt.Errorf("read: %w", err)
		}

		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &base); err != nil {
			c.logger.Warn("invalid message", slog.String("error", err.Error()))
			continue
		}

		if base.Type == batch.TypeComplete {
			var ev batch.CompleteEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, fmt.Errorf("decode summary: %w", err)
			}
			summary = &ev.Summary
		}

		if fn != nil {
			if err := fn(base.Type, data); err != nil {
				conn.Close(websocket.StatusGoingAway, "client stopped")
				return summary, err
			}
		}
	}
}
