// Package generation wraps one completion call per attempt: it bounds the call
// with a timeout, parses the output into the stage's artifact type and reports
// failures as a typed ErrorKind. Retry and degrade policy is applied by Run.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/workflow"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 60 * time.Second

// Prompt is the message list sent for one stage.
type Prompt struct {
	Stage    workflow.Stage
	Messages []llm.Message
}

// Config holds the per-call generation settings.
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Attempt describes one call to the backend.
type Attempt struct {
	Number      int           `json:"attempt"`
	Tier        model.Tier    `json:"tier"`
	Temperature float64       `json:"temperature"`
	OK          bool          `json:"ok"`
	Kind        ErrorKind     `json:"error_kind,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Result is a successfully parsed completion.
type Result struct {
	Artifact workflow.Artifact
	Raw      string
	Model    string
	Attempt  Attempt
}

// Client performs single generation attempts against an llm.Completer.
type Client struct {
	completer llm.Completer
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a generation client.
func NewClient(completer llm.Completer, opts ...Option) *Client {
	c := &Client{
		completer: completer,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Generate makes exactly one call at tier and parses the output as p.Stage's
// artifact. It never retries.
func (c *Client) Generate(ctx context.Context, p Prompt, cfg Config, tier model.Tier) (*Result, error) {
	att := Attempt{Number: 1, Tier: tier, Temperature: cfg.Temperature}
	return c.attempt(ctx, p, cfg, att)
}

func (c *Client) attempt(ctx context.Context, p Prompt, cfg Config, att Attempt) (*Result, error) {
	start := time.Now()
	fail := func(kind ErrorKind, raw string, err error) (*Result, error) {
		return nil, &Error{Kind: kind, Tier: att.Tier, Attempt: att.Number, Raw: raw, Err: err}
	}
	if len(p.Messages) == 0 {
		return fail(KindUnknown, "", errors.New("empty prompt"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temp := cfg.Temperature
	resp, err := c.completer.Complete(callCtx, llm.Request{
		Tier:        att.Tier,
		Messages:    p.Messages,
		Temperature: &temp,
		MaxTokens:   cfg.MaxTokens,
		JSONMode:    true,
	})
	elapsed := time.Since(start)

	if err != nil {
		kind := fromLLM(llm.KindOf(err))
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			kind = KindCanceled
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			kind = KindTimeout
		}
		c.logger.Debug("Generation attempt failed",
			"stage", p.Stage,
			"tier", att.Tier,
			"attempt", att.Number,
			"kind", kind,
			"duration", elapsed,
			"error", err)
		return fail(kind, "", err)
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return fail(KindSchema, resp.Content, errors.New("no JSON object in completion"))
	}
	artifact, err := workflow.DecodeArtifact(p.Stage, []byte(raw))
	if err != nil {
		return fail(KindSchema, resp.Content, fmt.Errorf("parse %s output: %w", p.Stage, err))
	}

	att.OK = true
	att.Duration = elapsed
	return &Result{Artifact: artifact, Raw: raw, Model: resp.Model, Attempt: att}, nil
}
