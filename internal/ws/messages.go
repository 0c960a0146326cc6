package ws

import (
	"github.com/storyforge/genqueue/internal/batch"
)

// Client → Server

// GenerateMessage is the first and only message a client sends. Browsers
// cannot set headers on the upgrade request, so the provider key may travel
// in the body instead of X-Provider-Key.
type GenerateMessage struct {
	Type   string `json:"type,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	batch.Request
}

// Server → Client messages are the batch events themselves, each carrying
// its own "type" field.
