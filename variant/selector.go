// Package variant implements N-best selection: it generates several candidate
// artifacts for the same prompt, runs each through the quality gate and keeps
// the best one.
package variant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/workflow"
)

// DefaultFinalTemperature is the temperature of the regeneration attempt made
// when no candidate passes.
const DefaultFinalTemperature = 0.2

// ErrNoPassingCandidate is wrapped by QAError.
var ErrNoPassingCandidate = errors.New("no candidate passed quality gating")

// QAError reports that neither the candidates nor the final regeneration
// passed the quality gate.
type QAError struct {
	Issues []workflow.QualityIssue
	// Artifact is the final regenerated artifact, for callers that accept
	// degraded results.
	Artifact workflow.Artifact
}

func (e *QAError) Error() string {
	return fmt.Sprintf("%v (%d issues)", ErrNoPassingCandidate, len(e.Issues))
}

func (e *QAError) Unwrap() error {
	return ErrNoPassingCandidate
}

// Generator makes one generation attempt. *generation.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, p generation.Prompt, cfg generation.Config, tier model.Tier) (*generation.Result, error)
}

// Request describes one selection.
type Request struct {
	Prompt generation.Prompt
	Config generation.Config
	Tier   model.Tier
	N      int

	// Context is passed to the gate for every candidate.
	Context quality.Context

	// FinalTemperature is used by the regeneration attempt. Zero selects
	// DefaultFinalTemperature.
	FinalTemperature float64

	// Degrade, when set, is tried once after every candidate timed out.
	Degrade *Degrade
}

// Degrade is the lower-tier attempt made when all candidates time out.
type Degrade struct {
	Tier        model.Tier
	Temperature float64
	// OnRetry is called before the degrade attempt starts.
	OnRetry func()
}

// Candidate is one generated variant and its quality report.
type Candidate struct {
	Index    int
	Artifact workflow.Artifact
	Report   quality.Report
	Attempt  generation.Attempt
	Err      error
}

// Outcome is the result of a successful selection.
type Outcome struct {
	Artifact   workflow.Artifact
	Report     quality.Report
	Chosen     int
	Candidates []Candidate
	// Regenerated is set when the artifact came from the final regeneration.
	Regenerated bool
	// Downgraded is set when the artifact came from the degrade attempt.
	Downgraded bool
	Attempts   []generation.Attempt
}

// Selector runs N-best selection.
type Selector struct {
	gen         Generator
	gate        quality.Gate
	concurrency int
	logger      *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithConcurrency bounds how many candidates are generated at once. 1 makes
// generation sequential.
func WithConcurrency(n int) Option {
	return func(s *Selector) {
		s.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSelector creates a selector.
func NewSelector(gen Generator, gate quality.Gate, opts ...Option) *Selector {
	s := &Selector{gen: gen, gate: gate, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectBest generates req.N candidates, waits for all of them and returns the
// zero-blocker candidate with the fewest issues, the earliest on a tie. When
// none qualifies and at least one candidate produced an artifact, one final
// regeneration is made at req.Tier and FinalTemperature. A final attempt that
// still has blockers fails with *QAError.
//
// When every candidate times out and req.Degrade is set, one attempt is made
// at the degrade tier and gated like the final regeneration. Otherwise, when
// every candidate fails to generate, the first candidate's error is returned
// and no regeneration is attempted.
func (s *Selector) SelectBest(ctx context.Context, req Request) (*Outcome, error) {
	if req.N < 1 {
		return nil, fmt.Errorf("variant count must be at least 1, got %d", req.N)
	}

	cands, err := s.generate(ctx, req)
	out := &Outcome{Candidates: cands, Chosen: -1}
	for _, c := range cands {
		out.Attempts = append(out.Attempts, c.Attempt)
	}
	if err != nil {
		return out, err
	}

	if i, ok := pick(cands); ok {
		out.Chosen = i
		out.Artifact = cands[i].Report.Artifact
		out.Report = cands[i].Report
		s.logger.Debug("Variant selected",
			"stage", req.Prompt.Stage,
			"candidate", i,
			"candidates", len(cands),
			"issues", len(cands[i].Report.Issues))
		return out, nil
	}

	if !anyGenerated(cands) {
		if req.Degrade != nil && allTimedOut(cands) {
			return s.degrade(ctx, req, out)
		}
		for _, c := range cands {
			if c.Err != nil {
				return out, c.Err
			}
		}
	}

	s.logger.Warn("No variant passed quality gating, regenerating",
		"stage", req.Prompt.Stage,
		"tier", req.Tier,
		"candidates", len(cands))

	out.Regenerated = true
	return s.finish(out, s.candidate(ctx, req, req.N, req.Tier, finalTemperature(req)))
}

// degrade makes the single lower-tier attempt after all candidates timed out.
func (s *Selector) degrade(ctx context.Context, req Request, out *Outcome) (*Outcome, error) {
	d := req.Degrade
	s.logger.Warn("All variants timed out, degrading",
		"stage", req.Prompt.Stage,
		"tier", req.Tier,
		"next_tier", d.Tier)
	if d.OnRetry != nil {
		d.OnRetry()
	}
	out.Downgraded = true
	return s.finish(out, s.candidate(ctx, req, req.N, d.Tier, d.Temperature))
}

// finish records the last attempt of a selection and gates it.
func (s *Selector) finish(out *Outcome, final Candidate) (*Outcome, error) {
	out.Attempts = append(out.Attempts, final.Attempt)
	if final.Err != nil {
		return out, final.Err
	}
	if final.Report.Blockers() > 0 {
		return out, &QAError{Issues: final.Report.Issues, Artifact: final.Report.Artifact}
	}
	out.Artifact = final.Report.Artifact
	out.Report = final.Report
	return out, nil
}

// generate produces the candidates. Only cancellation of ctx stops the fan-out
// early; other failures are recorded on the candidate.
func (s *Selector) generate(ctx context.Context, req Request) ([]Candidate, error) {
	cands := make([]Candidate, req.N)

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i := 0; i < req.N; i++ {
		g.Go(func() error {
			c := s.candidate(gctx, req, i, req.Tier, req.Config.Temperature)
			cands[i] = c
			if generation.KindOf(c.Err) == generation.KindCanceled {
				return c.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cands, err
	}
	return cands, ctx.Err()
}

func (s *Selector) candidate(ctx context.Context, req Request, index int, tier model.Tier, temperature float64) Candidate {
	cfg := req.Config
	cfg.Temperature = temperature

	start := time.Now()
	res, err := s.gen.Generate(ctx, req.Prompt, cfg, tier)
	c := Candidate{Index: index}
	if err != nil {
		c.Err = err
		c.Attempt = generation.Attempt{
			Number:      index + 1,
			Tier:        tier,
			Temperature: temperature,
			Kind:        generation.KindOf(err),
			Duration:    time.Since(start),
		}
		return c
	}

	c.Artifact = res.Artifact
	c.Attempt = res.Attempt
	c.Attempt.Number = index + 1
	c.Report = s.gate.Validate(req.Prompt.Stage, res.Artifact, req.Context)
	return c
}

// pick returns the index of the zero-blocker candidate with the fewest issues.
func pick(cands []Candidate) (int, bool) {
	best := -1
	for i, c := range cands {
		if c.Err != nil || c.Report.Blockers() > 0 {
			continue
		}
		if best < 0 || len(c.Report.Issues) < len(cands[best].Report.Issues) {
			best = i
		}
	}
	return best, best >= 0
}

func anyGenerated(cands []Candidate) bool {
	for _, c := range cands {
		if c.Err == nil {
			return true
		}
	}
	return false
}

func allTimedOut(cands []Candidate) bool {
	for _, c := range cands {
		if generation.KindOf(c.Err) != generation.KindTimeout {
			return false
		}
	}
	return len(cands) > 0
}

func finalTemperature(req Request) float64 {
	if req.FinalTemperature > 0 {
		return req.FinalTemperature
	}
	return DefaultFinalTemperature
}
