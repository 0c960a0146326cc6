package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of a failed response is read for the message.
const maxErrorBody = 64 << 10

type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// Rate is requests per second; 0 disables client-side throttling.
	Rate  float64
	Burst int
}

// HTTPClient is the generic JSON adapter. It throttles calls with a token
// bucket before they leave the process.
type HTTPClient struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	c := &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(cfg.Burst, 1))
	}
	return c
}

type errorEnvelope struct {
	Error struct {
		Code    any    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (*Output, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := c.apiKey(req); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp)
	}

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if out.Output == "" {
		return nil, fmt.Errorf("provider response has no output")
	}
	return &out, nil
}

func (c *HTTPClient) apiKey(req Request) string {
	if req.APIKey != "" {
		return req.APIKey
	}
	return c.cfg.APIKey
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		apiErr.Message = string(bytes.TrimSpace(data))
		return apiErr
	}
	if env.Error.Message != "" {
		apiErr.Message = env.Error.Message
	}
	// Providers put the symbolic code in "status" and sometimes repeat the
	// HTTP status as a number in "code".
	if code, ok := env.Error.Code.(string); ok {
		apiErr.Code = code
	}
	if env.Error.Status != "" {
		apiErr.Code = env.Error.Status
	}
	return apiErr
}
