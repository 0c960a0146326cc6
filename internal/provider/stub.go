package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"time"
)

// onePixelPNG is a valid 1x1 transparent PNG.
var onePixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// Stub is a deterministic Generator for local runs (PROVIDER_MODE=stub) and
// tests. The same prompt and style always yield the same output.
type Stub struct {
	// Inline makes the stub return base64 PNG data instead of a reference.
	Inline  bool
	Latency time.Duration
}

func (s *Stub) Generate(ctx context.Context, req Request) (*Output, error) {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if s.Inline {
		return &Output{
			Output:   base64.StdEncoding.EncodeToString(onePixelPNG),
			MimeType: "image/png",
		}, nil
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s", req.Prompt, req.Style)
	return &Output{
		Output:            fmt.Sprintf("stub://images/%016x.png", h.Sum64()),
		OutputIsReference: true,
	}, nil
}
