// Package provider talks to the external image-generation service.
package provider

import (
	"context"
	"fmt"
)

// Reference is an image the provider should keep the subject consistent with,
// either inline (base64 Data) or by URL.
type Reference struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Request struct {
	Prompt     string         `json:"prompt"`
	Style      string         `json:"style,omitempty"`
	References []Reference    `json:"references,omitempty"`
	Options    map[string]any `json:"options,omitempty"`

	// APIKey overrides the configured credential for this call. Never serialized.
	APIKey string `json:"-"`
}

// Output is either a reference to a stored image (URL or path) or inline
// base64 image data.
type Output struct {
	Output            string `json:"output"`
	OutputIsReference bool   `json:"outputIsReference"`
	MimeType          string `json:"mimeType,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Output, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Output, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Output, error) {
	return f(ctx, req)
}

// APIError is a non-2xx provider response. It satisfies the interfaces
// retry.IsRateLimited inspects.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) ErrorCode() string { return e.Code }
