package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aiox-platform/kbchat/internal/metrics"
)

const (
	DefaultMaxRetries  = 7
	DefaultBackoffBase = 5 * time.Second
)

// Client wraps a Service with the retry and context-overflow policy shared by every
// completion in the application.
type Client struct {
	svc        Service
	recorder   DebugRecorder
	maxRetries int
	base       time.Duration
	sleep      func(context.Context, time.Duration) error
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithRecorder(r DebugRecorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithRetries sets how many retries follow the initial attempt and the first delay.
func WithRetries(maxRetries int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.base = base
	}
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(svc Service, opts ...ClientOption) *Client {
	c := &Client{
		svc:        svc,
		recorder:   NopRecorder{},
		maxRetries: DefaultMaxRetries,
		base:       DefaultBackoffBase,
		sleep:      sleepCtx,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewBackOff returns the retry schedule: base, 2*base, 4*base... without jitter,
// stopping after maxRetries delays.
func NewBackOff(base time.Duration, maxRetries int) backoff.BackOff {
	if maxRetries <= 0 {
		// WithMaxRetries treats zero as unlimited
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = math.MaxInt64
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

// Complete sends msgs and returns the reply text.
func (c *Client) Complete(ctx context.Context, msgs []Message, model string, temperature float64) (string, error) {
	res, err := c.CompleteResult(ctx, msgs, model, temperature)
	return res.Text, err
}

// CompleteResult is Complete that also reports how many messages were trimmed.
func (c *Client) CompleteResult(ctx context.Context, msgs []Message, model string, temperature float64) (Result, error) {
	var text string
	sent, trimmed, err := c.withPolicy(ctx, "complete", msgs, func(ctx context.Context, working []Message) error {
		var err error
		text, err = c.svc.Complete(ctx, Request{
			Model:       model,
			Messages:    working,
			Temperature: temperature,
		})
		return err
	})
	if err != nil {
		return Result{Trimmed: trimmed}, err
	}

	c.record(sent, text)
	return Result{Text: text, Trimmed: trimmed}, nil
}

// Stream opens a streaming completion. Opening follows the same retry and trimming
// policy as Complete; a failure after the first chunk is reported by the stream.
// The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, msgs []Message, model string, temperature float64) (*Stream, error) {
	var reader ChunkReader
	sent, trimmed, err := c.withPolicy(ctx, "stream", msgs, func(ctx context.Context, working []Message) error {
		var err error
		reader, err = c.svc.Stream(ctx, Request{
			Model:       model,
			Messages:    working,
			Temperature: temperature,
			Stream:      true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return newStream(reader, trimmed, func(text string) { c.record(sent, text) }), nil
}

// withPolicy runs call until it succeeds. Context overflows drop the oldest non-system
// message and retry at once without drawing from the backoff schedule; other failures
// wait for the schedule's next delay until it stops.
func (c *Client) withPolicy(ctx context.Context, mode string, msgs []Message, call func(context.Context, []Message) error) ([]Message, int, error) {
	working := CloneMessages(msgs)
	trimmed := 0
	retry := 0
	schedule := NewBackOff(c.base, c.maxRetries)

	for {
		err := call(ctx, working)
		if err == nil {
			metrics.CompletionAttemptsTotal.WithLabelValues(mode, "success").Inc()
			return working, trimmed, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.CompletionAttemptsTotal.WithLabelValues(mode, "canceled").Inc()
			return working, trimmed, ctxErr
		}

		if errors.Is(err, ErrContextOverflow) {
			metrics.CompletionAttemptsTotal.WithLabelValues(mode, "overflow").Inc()
			next, ok := DropOldest(working)
			if !ok {
				return working, trimmed, err
			}
			working = next
			trimmed++
			metrics.ContextTrimsTotal.Inc()
			c.logger.Warn("llm: context overflow, dropping oldest message",
				"mode", mode, "trimmed", trimmed, "remaining", len(working))
			continue
		}

		metrics.CompletionAttemptsTotal.WithLabelValues(mode, "error").Inc()
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Error("llm: retries exhausted", "mode", mode, "attempts", retry+1, "error", err)
			return working, trimmed, &FatalExhaustedError{Attempts: retry + 1, Last: err}
		}

		retry++
		metrics.BackoffSeconds.Observe(delay.Seconds())
		c.logger.Warn("llm: completion failed, retrying",
			"mode", mode, "retry", retry, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return working, trimmed, fmt.Errorf("waiting to retry: %w", err)
		}
	}
}

func (c *Client) record(sent []Message, output string) {
	if err := c.recorder.Record(sent, output); err != nil {
		c.logger.Warn("llm: writing debug record failed", "error", err)
	}
}

// DropOldest returns a copy of msgs without its first non-system message. It reports
// false when only system messages remain.
func DropOldest(msgs []Message) ([]Message, bool) {
	for i, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		out := make([]Message, 0, len(msgs)-1)
		out = append(out, msgs[:i]...)
		return append(out, msgs[i+1:]...), true
	}
	return msgs, false
}
