package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/provider"
	"github.com/storyforge/genqueue/internal/storage"
)

// ImageNamespace is the storage namespace for images produced by durable jobs.
const ImageNamespace = "jobs"

var ErrMissingPrompt = errors.New("payload missing prompt")

// ImagePayload is the payload of an image-generation job.
type ImagePayload struct {
	Prompt        string               `json:"prompt"`
	Style         string               `json:"style,omitempty"`
	References    []provider.Reference `json:"references,omitempty"`
	Options       map[string]any       `json:"options,omitempty"`
	CorrelationID string               `json:"correlationId,omitempty"`
	// APIKey is passed through to the provider and never echoed back.
	APIKey string `json:"apiKey,omitempty"`
}

func DecodeImagePayload(raw json.RawMessage) (*ImagePayload, error) {
	var p ImagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, ErrMissingPrompt
	}
	return &p, nil
}

// ImageHandler generates one image per job. When images is non-nil, inline
// outputs are written there and replaced by their /static path.
func ImageHandler(gen provider.Generator, images *storage.Store) Handler {
	return func(j *job.Job) (Call, error) {
		p, err := DecodeImagePayload(j.Payload)
		if err != nil {
			return nil, err
		}
		req := provider.Request{
			Prompt:     p.Prompt,
			Style:      p.Style,
			References: p.References,
			Options:    p.Options,
			APIKey:     p.APIKey,
		}

		return func(ctx context.Context) (json.RawMessage, error) {
			out, err := gen.Generate(ctx, req)
			if err != nil {
				return nil, err
			}
			if !out.OutputIsReference && images != nil {
				ref, err := images.SaveImage(ImageNamespace, j.ID, out.MimeType, out.Output)
				if err != nil {
					return nil, err
				}
				out = &provider.Output{Output: ref, OutputIsReference: true, MimeType: out.MimeType}
			}
			return json.Marshal(out)
		}, nil
	}
}
