// Package orchestrator drives one stage run: it sequences the cognitive
// steps, calls the generation client (directly or through variant
// selection), gates the output and persists accepted artifacts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/prompts"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/store"
	"github.com/c360studio/stageflow/stream"
	"github.com/c360studio/stageflow/variant"
	"github.com/c360studio/stageflow/workflow"
)

// TipRetrying is the step tip emitted before the degrade retry.
const TipRetrying = "Generation timed out, retrying at lower tier"

// Run outcomes reported to the Observer besides the error codes.
const (
	OutcomeSuccess  = "success"
	OutcomeDegraded = "degraded"
	OutcomeCanceled = "canceled"
)

// Generator is the generation client surface the orchestrator needs.
// *generation.Client satisfies it.
type Generator interface {
	variant.Generator
	Run(ctx context.Context, p generation.Prompt, cfg generation.Config, policy generation.RetryPolicy, onRetry generation.RetryFunc) (*generation.Result, []generation.Attempt, error)
}

// Observer receives run telemetry. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveStage(stage workflow.Stage, tier workflow.RunTier, outcome string, d time.Duration)
	ObserveAttempt(stage workflow.Stage, a generation.Attempt)
	ObserveIssues(stage workflow.Stage, issues []workflow.QualityIssue)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(workflow.Stage, workflow.RunTier, string, time.Duration) {}
func (nopObserver) ObserveAttempt(workflow.Stage, generation.Attempt)                    {}
func (nopObserver) ObserveIssues(workflow.Stage, []workflow.QualityIssue)                {}

// Result is a successful stage run.
type Result struct {
	Artifact workflow.Artifact
	Issues   []workflow.QualityIssue
	Attempts []generation.Attempt
	Version  int

	// Degraded is set when the caller accepted an artifact with blockers.
	Degraded bool
	// Downgraded is set when the artifact came from the degrade retry.
	Downgraded bool
	// Regenerated is set when variant selection fell back to regeneration.
	Regenerated bool
}

// Orchestrator runs stages. It is the only writer of the store.
type Orchestrator struct {
	gen      Generator
	engine   *quality.Engine
	store    store.Store
	cfg      Config
	observer Observer
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default run configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithObserver sets the telemetry observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an orchestrator. A nil store selects an in-memory one.
func New(gen Generator, engine *quality.Engine, st store.Store, opts ...Option) *Orchestrator {
	if engine == nil {
		engine = quality.Default()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	o := &Orchestrator{
		gen:      gen,
		engine:   engine,
		store:    st,
		cfg:      DefaultConfig(),
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run implements stream.Runner.
func (o *Orchestrator) Run(ctx context.Context, req workflow.StageRequest, sink stream.Sink) error {
	_, err := o.RunStage(ctx, req, sink)
	return err
}

// RunStage executes req, emitting its events to sink. A successful run ends
// with a success data_structure event; a failed run ends with exactly one
// error event. Nothing is emitted or persisted once ctx is canceled.
func (o *Orchestrator) RunStage(ctx context.Context, req workflow.StageRequest, sink stream.Sink) (*Result, error) {
	ctx = llm.WithTraceContext(ctx, llm.TraceContext{TraceID: req.TraceID, FlowID: req.FlowID})
	r := &run{
		o:      o,
		req:    req,
		sink:   sink,
		logger: o.logger.With("flow_id", req.FlowID, "stage", req.Stage, "tier", req.Tier, "trace_id", req.TraceID),
		start:  time.Now(),
	}
	res, err := r.execute(ctx)

	outcome := OutcomeSuccess
	var se *StageError
	switch {
	case err == nil && res.Degraded:
		outcome = OutcomeDegraded
	case err == nil:
	case ctx.Err() != nil:
		outcome = OutcomeCanceled
	case errors.As(err, &se):
		outcome = string(se.Code)
	default:
		outcome = string(stream.CodeUnknown)
	}
	o.observer.ObserveStage(req.Stage, req.Tier, outcome, time.Since(r.start))
	return res, err
}

// run is the state of one RunStage call.
type run struct {
	o        *Orchestrator
	req      workflow.StageRequest
	sink     stream.Sink
	steps    workflow.Steps
	terminal sync.Once
	logger   *slog.Logger
	start    time.Time
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	req := r.req
	if !req.Stage.IsValid() {
		return nil, r.fail(ctx, unknownError(fmt.Sprintf("unknown stage %q", req.Stage), workflow.ErrUnknownStage))
	}
	profile, ok := r.o.cfg.Profiles[req.Tier]
	if !ok {
		return nil, r.fail(ctx, unknownError(fmt.Sprintf("unknown run tier %q", req.Tier), nil))
	}

	r.steps = workflow.StepsFor(req.Stage)
	r.emit(stream.StepsEvent(r.steps, "", req.TraceID))

	genAt := r.steps.Index(workflow.StepGenerate)
	valAt := r.steps.Index(workflow.StepValidate)
	if genAt < 0 || valAt < genAt {
		return nil, r.fail(ctx, unknownError("stage has no generate and validate steps", nil))
	}
	before := stepIDs(r.steps[:genAt])
	after := stepIDs(r.steps[valAt+1:])

	// Preparation: context resolution runs inside the first step.
	var in prompts.Input
	var qctx quality.Context
	for i, id := range before {
		if err := r.advance(id, workflow.StepInProgress, ""); err != nil {
			return nil, r.fail(ctx, err)
		}
		if i == 0 {
			var se *StageError
			if in, qctx, se = r.resolve(ctx); se != nil {
				return nil, r.fail(ctx, se)
			}
		}
		if err := r.advance(id, workflow.StepCompleted, ""); err != nil {
			return nil, r.fail(ctx, err)
		}
	}
	if len(before) == 0 {
		var se *StageError
		if in, qctx, se = r.resolve(ctx); se != nil {
			return nil, r.fail(ctx, se)
		}
	}

	prompt, err := prompts.Build(in)
	if err != nil {
		return nil, r.fail(ctx, unknownError("build prompt", err))
	}

	if err := r.advance(workflow.StepGenerate, workflow.StepInProgress, ""); err != nil {
		return nil, r.fail(ctx, err)
	}

	gate := gateFor(r.o.engine, profile)
	cfg := generation.Config{Temperature: profile.Temperature, MaxTokens: r.o.cfg.MaxTokens}
	res := &Result{}

	var report quality.Report
	var qaFailure bool
	if profile.Variants > 1 && req.Stage.SupportsVariants() {
		rep, qa, se := r.selectVariant(ctx, prompt, cfg, profile, gate, qctx, res)
		if se != nil {
			return nil, r.fail(ctx, se)
		}
		report, qaFailure = rep, qa
	} else {
		gen, se := r.generate(ctx, prompt, cfg, profile, res)
		if se != nil {
			return nil, r.fail(ctx, se)
		}
		if err := r.advance(workflow.StepGenerate, workflow.StepCompleted, ""); err != nil {
			return nil, r.fail(ctx, err)
		}
		if err := r.advance(workflow.StepValidate, workflow.StepInProgress, ""); err != nil {
			return nil, r.fail(ctx, err)
		}
		report = gate.Validate(req.Stage, gen.Artifact, qctx)
		qaFailure = report.Blockers() > 0
	}

	r.o.observer.ObserveIssues(req.Stage, report.Issues)
	res.Issues = report.Issues
	if qaFailure {
		if !req.AcceptDegraded || report.Artifact == nil {
			return nil, r.fail(ctx, qaError(report.Issues))
		}
		res.Degraded = true
		r.logger.Warn("Accepting degraded artifact", "blockers", report.Blockers())
	}
	if report.Repaired {
		r.logger.Warn("Artifact auto-repaired", "warnings", report.Warnings())
	}
	res.Artifact = report.Artifact

	if err := r.advance(workflow.StepValidate, workflow.StepCompleted, ""); err != nil {
		return nil, r.fail(ctx, err)
	}

	if req.Stage.StreamsProse() {
		for _, chunk := range chunks(prose(res.Artifact), r.o.cfg.ChunkSize) {
			r.emit(stream.ChunkEvent(chunk))
		}
	}

	for _, id := range after {
		if err := r.advance(id, workflow.StepInProgress, ""); err != nil {
			return nil, r.fail(ctx, err)
		}
		if err := r.advance(id, workflow.StepCompleted, ""); err != nil {
			return nil, r.fail(ctx, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if se := r.persist(ctx, res); se != nil {
		return nil, r.fail(ctx, se)
	}
	if err := ctx.Err(); err != nil {
		r.logger.Warn("Run canceled after persisting", "version", res.Version)
		return nil, err
	}

	r.terminal.Do(func() {
		r.emit(stream.SuccessEvent(stream.DataPayload{
			Data:     res.Artifact,
			Stage:    req.Stage,
			Version:  res.Version,
			Degraded: res.Degraded,
			Issues:   res.Issues,
		}))
	})
	r.logger.Info("Stage completed",
		"version", res.Version,
		"attempts", len(res.Attempts),
		"issues", len(res.Issues),
		"degraded", res.Degraded,
		"downgraded", res.Downgraded,
		"duration", time.Since(r.start))
	return res, nil
}

// generate runs the direct path under the degrade retry policy.
func (r *run) generate(ctx context.Context, p generation.Prompt, cfg generation.Config, profile Profile, res *Result) (*generation.Result, *StageError) {
	policy := generation.DegradePolicy(profile.ModelTier, profile.Temperature, r.o.cfg.DegradeTier, r.o.cfg.DegradeTemperature)
	onRetry := func(failed, next generation.Attempt) {
		r.logger.Warn("Retrying at lower tier",
			"failed_tier", failed.Tier,
			"next_tier", next.Tier,
			"attempt", next.Number)
		r.emit(stream.StepsEvent(r.steps, TipRetrying, r.req.TraceID))
	}

	gen, attempts, err := r.o.gen.Run(ctx, p, cfg, policy, onRetry)
	res.Attempts = attempts
	for _, a := range attempts {
		r.o.observer.ObserveAttempt(r.req.Stage, a)
	}
	if err != nil {
		return nil, generationError(err)
	}
	res.Downgraded = len(attempts) > 1
	return gen, nil
}

// selectVariant runs N-best selection. The returned flag reports a QA
// failure of the last attempt; the report then carries its issues. When every
// candidate times out the degrade tier of the retry policy gets one attempt.
func (r *run) selectVariant(ctx context.Context, p generation.Prompt, cfg generation.Config, profile Profile, gate quality.Gate, qctx quality.Context, res *Result) (quality.Report, bool, *StageError) {
	policy := generation.DegradePolicy(profile.ModelTier, profile.Temperature, r.o.cfg.DegradeTier, r.o.cfg.DegradeTemperature)
	sel := variant.NewSelector(r.o.gen, gate, variant.WithLogger(r.logger))
	out, err := sel.SelectBest(ctx, variant.Request{
		Prompt:           p,
		Config:           cfg,
		Tier:             profile.ModelTier,
		N:                profile.Variants,
		Context:          qctx,
		FinalTemperature: r.o.cfg.FinalTemperature,
		Degrade: &variant.Degrade{
			Tier:        policy.Tiers[1],
			Temperature: policy.Temperatures[1],
			OnRetry: func() {
				r.emit(stream.StepsEvent(r.steps, TipRetrying, r.req.TraceID))
			},
		},
	})
	if out != nil {
		res.Attempts = out.Attempts
		res.Regenerated = out.Regenerated
		res.Downgraded = out.Downgraded
		for _, a := range out.Attempts {
			r.o.observer.ObserveAttempt(r.req.Stage, a)
		}
	}

	var qa *variant.QAError
	switch {
	case err == nil:
	case errors.As(err, &qa):
	default:
		return quality.Report{}, false, generationError(err)
	}

	if se := r.advance(workflow.StepGenerate, workflow.StepCompleted, ""); se != nil {
		return quality.Report{}, false, se
	}
	if se := r.advance(workflow.StepValidate, workflow.StepInProgress, ""); se != nil {
		return quality.Report{}, false, se
	}
	if qa != nil {
		return quality.Report{Issues: qa.Issues, Artifact: qa.Artifact}, true, nil
	}
	return out.Report, false, nil
}

// resolve collects the prior artifacts of the stage from the payload or,
// failing that, the store.
func (r *run) resolve(ctx context.Context) (prompts.Input, quality.Context, *StageError) {
	req := r.req
	in := prompts.Input{Stage: req.Stage, Payload: req.Payload}
	var qctx quality.Context

	if req.Stage == workflow.StageGoal && strings.TrimSpace(req.Payload.Topic) == "" {
		return in, qctx, unknownError("payload.topic is required", nil)
	}

	for _, s := range req.Stage.Requires() {
		a := req.Payload.Prior(s)
		if a == nil {
			rec, err := r.o.store.Get(ctx, req.FlowID, s)
			if errors.Is(err, store.ErrNotFound) {
				return in, qctx, unknownError("missing prior artifact: "+string(s), err)
			}
			if err != nil {
				return in, qctx, unknownError("load prior artifact: "+string(s), err)
			}
			if a, err = rec.Decode(); err != nil {
				return in, qctx, unknownError("decode prior artifact: "+string(s), err)
			}
			r.logger.Debug("Prior artifact loaded from store", "prior_stage", s, "version", rec.Version)
		}

		switch v := a.(type) {
		case *workflow.GoalStatement:
			in.Goal, qctx.Goal = v, v
		case *workflow.KnowledgeFramework:
			in.Framework, qctx.Framework = v, v
		case *workflow.RelationshipDiagram:
			in.Diagram, qctx.Diagram = v, v
		case *workflow.ActionPlan:
			in.ActionPlan, qctx.ActionPlan = v, v
		}
	}

	history, err := r.o.store.History(ctx, req.FlowID)
	if err != nil {
		r.logger.Warn("Failed to load history", "error", err)
	}
	in.History = history
	return in, qctx, nil
}

// persist stores the accepted artifact and appends the exchange to the
// flow's history.
func (r *run) persist(ctx context.Context, res *Result) *StageError {
	data, err := json.Marshal(res.Artifact)
	if err != nil {
		return unknownError("encode artifact", err)
	}
	if err := ctx.Err(); err != nil {
		return unknownError("persist artifact", err)
	}
	rec, err := r.o.store.Put(ctx, workflow.StoredArtifact{
		FlowID:   r.req.FlowID,
		Stage:    r.req.Stage,
		Data:     data,
		Degraded: res.Degraded,
		Issues:   res.Issues,
	})
	if err != nil {
		return unknownError("persist artifact", err)
	}
	res.Version = rec.Version

	now := time.Now().UTC()
	turns := []workflow.Turn{
		{Stage: r.req.Stage, Role: "user", Content: requestSummary(r.req), At: now},
		{Stage: r.req.Stage, Role: "assistant", Content: string(data), At: now},
	}
	for _, t := range turns {
		if ctx.Err() != nil {
			break
		}
		if err := r.o.store.AppendTurn(ctx, r.req.FlowID, t); err != nil {
			r.logger.Warn("Failed to append history", "role", t.Role, "error", err)
			break
		}
	}
	return nil
}

// advance applies one step transition and re-emits the whole list.
func (r *run) advance(id string, to workflow.StepStatus, tip string) *StageError {
	next, err := workflow.Transition(r.steps, id, to)
	if err != nil {
		return unknownError("step transition", err)
	}
	r.steps = next
	r.logger.Debug("Step transition", "step", id, "status", to)
	r.emit(stream.StepsEvent(r.steps, tip, r.req.TraceID))
	return nil
}

// fail emits the run's single error event. The step in progress, if any, is
// marked as failed first. A canceled run emits nothing.
func (r *run) fail(ctx context.Context, se *StageError) error {
	if err := ctx.Err(); err != nil {
		r.logger.Debug("Run canceled", "error", err)
		return err
	}
	r.terminal.Do(func() {
		if cur, ok := r.steps.Current(); ok {
			if next, err := workflow.Transition(r.steps, cur.ID, workflow.StepError); err == nil {
				r.steps = next
				r.emit(stream.StepsEvent(r.steps, "", r.req.TraceID))
			}
		}
		if se.Code == stream.CodeUnknown {
			r.logger.Error("Stage failed", "code", se.Code, "message", se.Message, "error", se.Err)
		} else {
			r.logger.Info("Stage failed", "code", se.Code, "message", se.Message, "issues", len(se.Issues))
		}
		r.emit(stream.ErrorEvent(se.Code, se.Message, se.Issues))
	})
	return se
}

func (r *run) emit(ev stream.Event) {
	if err := r.sink.Emit(ev); err != nil {
		r.logger.Debug("Event not delivered", "type", ev.Type, "error", err)
	}
}

func stepIDs(steps workflow.Steps) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func requestSummary(req workflow.StageRequest) string {
	parts := []string{string(req.Stage.Action())}
	for _, s := range []string{req.Payload.Topic, req.Payload.Background, req.Payload.Notes} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ": ")
}

// prose returns the free text a stage streams as content chunks.
func prose(a workflow.Artifact) string {
	switch v := a.(type) {
	case *workflow.RelationshipDiagram:
		return v.Metaphor.Narrative
	case *workflow.ProgressAnalysis:
		return v.Summary
	}
	return ""
}

// chunks splits text at word boundaries into pieces of about size bytes.
// Concatenating the pieces yields text.
func chunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	var out []string
	var cur strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		if cur.Len() > 0 && cur.Len()+len(word) > size {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
