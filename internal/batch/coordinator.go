// Package batch runs a list of generation items in sequential waves and
// reports progress as typed events. Nothing it does is persisted: a dropped
// connection loses the remaining work.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/storyforge/genqueue/internal/provider"
	"github.com/storyforge/genqueue/internal/retry"
)

const tracerName = "github.com/storyforge/genqueue/internal/batch"

var (
	ErrNoItems       = errors.New("batch has no items")
	ErrMissingPrompt = errors.New("item missing prompt")
)

type Item struct {
	ID      string         `json:"id,omitempty"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

type Request struct {
	Items      []Item               `json:"items"`
	Style      string               `json:"style,omitempty"`
	References []provider.Reference `json:"references,omitempty"`
	Options    map[string]any       `json:"options,omitempty"`
	// MaxRetries caps provider calls per item; 0 uses the coordinator default.
	MaxRetries int `json:"maxRetries,omitempty"`

	APIKey string `json:"-"`
}

// Emitter delivers events to one client. Emit is never called concurrently.
type Emitter interface {
	Emit(ev Event) error
}

type EmitterFunc func(ev Event) error

func (f EmitterFunc) Emit(ev Event) error { return f(ev) }

type Config struct {
	WaveSize   int
	Cooldown   time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Coordinator struct {
	gen    provider.Generator
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(gen provider.Generator, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.WaveSize <= 0 {
		cfg.WaveSize = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Coordinator{
		gen:    gen,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		sleep:  retry.Sleep,
	}
}

// serialEmitter serializes emits from concurrent items and latches the first
// delivery error.
type serialEmitter struct {
	mu  sync.Mutex
	em  Emitter
	err error
}

func (s *serialEmitter) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := s.em.Emit(ev); err != nil {
		s.err = fmt.Errorf("emit %s: %w", ev.EventType(), err)
	}
	return s.err
}

func (s *serialEmitter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type outcome struct {
	ok  *ItemSuccess
	err *ItemError
}

// Run processes req wave by wave. It returns the summary that was, or would
// have been, sent in the complete event. A non-nil error means the stream
// stopped early because the emitter failed or ctx was cancelled.
func (c *Coordinator) Run(ctx context.Context, req Request, em Emitter) (*Summary, error) {
	if len(req.Items) == 0 {
		return nil, ErrNoItems
	}

	items := make([]Item, len(req.Items))
	copy(items, req.Items)
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("item-%d", i+1)
		}
	}

	waves := partition(len(items), c.cfg.WaveSize)
	out := &serialEmitter{em: em}
	results := make([]outcome, len(items))
	completed := 0

	c.logger.Info("stream started",
		slog.Int("total", len(items)),
		slog.Int("wave_count", len(waves)),
	)

	if err := out.Emit(StartEvent{Type: TypeStart, Total: len(items), WaveCount: len(waves)}); err != nil {
		return nil, err
	}

	for w, wave := range waves {
		waveIndex := w + 1
		ids := make([]string, 0, len(wave))
		for _, i := range wave {
			ids = append(ids, items[i].ID)
		}
		if err := out.Emit(BatchStartEvent{Type: TypeBatchStart, WaveIndex: waveIndex, WaveTotal: len(waves), ItemIDs: ids}); err != nil {
			return nil, err
		}

		// generating events go out in input order before any call starts.
		for _, i := range wave {
			out.Emit(GeneratingEvent{Type: TypeGenerating, ItemID: items[i].ID})
		}

		var g errgroup.Group
		g.SetLimit(len(wave))
		for _, i := range wave {
			g.Go(func() error {
				results[i] = c.process(ctx, req, items[i], waveIndex)
				if r := results[i]; r.ok != nil {
					out.Emit(SuccessEvent{Type: TypeSuccess, ItemSuccess: *r.ok})
				} else {
					out.Emit(ErrorEvent{Type: TypeError, ItemError: *r.err})
				}
				return nil
			})
		}
		g.Wait()

		completed += len(wave)
		if err := out.Emit(BatchCompleteEvent{
			Type:      TypeBatchComplete,
			WaveIndex: waveIndex,
			WaveTotal: len(waves),
			Completed: completed,
			Total:     len(items),
		}); err != nil {
			return nil, err
		}

		if waveIndex < len(waves) {
			if err := c.sleep(ctx, c.cfg.Cooldown); err != nil {
				c.logger.Warn("stream cancelled between waves",
					slog.Int("wave_index", waveIndex),
					slog.String("error", err.Error()),
				)
				return nil, err
			}
		}
	}

	summary := summarize(results)
	if err := out.Emit(CompleteEvent{Type: TypeComplete, Summary: *summary}); err != nil {
		return summary, err
	}

	c.logger.Info("stream finished",
		slog.Int("success_count", summary.SuccessCount),
		slog.Int("error_count", summary.ErrorCount),
	)
	return summary, nil
}

func (c *Coordinator) process(ctx context.Context, req Request, item Item, waveIndex int) outcome {
	if strings.TrimSpace(item.Prompt) == "" {
		return outcome{err: &ItemError{ItemID: item.ID, Error: ErrMissingPrompt.Error()}}
	}

	preq := provider.Request{
		Prompt:     item.Prompt,
		Style:      req.Style,
		References: req.References,
		Options:    mergeOptions(req.Options, item.Options),
		APIKey:     req.APIKey,
	}
	maxAttempts := req.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxRetries
	}

	res, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   c.cfg.BaseDelay,
		MaxDelay:    c.cfg.MaxDelay,
	}, func(ctx context.Context) (*provider.Output, error) {
		ctx, span := c.tracer.Start(ctx, "genqueue.generate", trace.WithAttributes(
			attribute.String("genqueue.item.id", item.ID),
			attribute.Int("genqueue.wave.index", waveIndex),
		))
		defer span.End()
		out, err := c.gen.Generate(ctx, preq)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}, retry.Options{
		Sleep: c.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Info("retrying rate-limited item",
				slog.String("item_id", item.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", wait),
			)
		},
	})
	if err != nil {
		c.logger.Warn("item failed",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return outcome{err: &ItemError{ItemID: item.ID, Error: err.Error()}}
	}
	return outcome{ok: &ItemSuccess{
		ItemID:            item.ID,
		Output:            res.Output,
		OutputIsReference: res.OutputIsReference,
	}}
}

// partition splits n input positions into consecutive waves of at most size.
func partition(n, size int) [][]int {
	var waves [][]int
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wave := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			wave = append(wave, i)
		}
		waves = append(waves, wave)
	}
	return waves
}

func mergeOptions(shared, own map[string]any) map[string]any {
	if len(shared) == 0 && len(own) == 0 {
		return nil
	}
	merged := make(map[string]any, len(shared)+len(own))
	maps.Copy(merged, shared)
	maps.Copy(merged, own)
	return merged
}

func summarize(results []outcome) *Summary {
	s := &Summary{
		Successes: []ItemSuccess{},
		Errors:    []ItemError{},
		Total:     len(results),
	}
	for _, r := range results {
		if r.ok != nil {
			s.Successes = append(s.Successes, *r.ok)
		} else if r.err != nil {
			s.Errors = append(s.Errors, *r.err)
		}
	}
	s.SuccessCount = len(s.Successes)
	s.ErrorCount = len(s.Errors)
	return s
}
