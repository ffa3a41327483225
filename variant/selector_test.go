package variant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	Temperature float64
	Tier        model.Tier
}

// scriptedGen answers calls in order. Each entry builds the result the call returns.
type scriptedGen struct {
	mu     sync.Mutex
	script []func(ctx context.Context) (workflow.Artifact, error)
	calls  []call
}

func (g *scriptedGen) Generate(ctx context.Context, p generation.Prompt, cfg generation.Config, tier model.Tier) (*generation.Result, error) {
	g.mu.Lock()
	i := len(g.calls)
	g.calls = append(g.calls, call{Temperature: cfg.Temperature, Tier: tier})
	step := g.script[len(g.script)-1]
	if i < len(g.script) {
		step = g.script[i]
	}
	g.mu.Unlock()

	a, err := step(ctx)
	if err != nil {
		return nil, err
	}
	return &generation.Result{Artifact: a, Attempt: generation.Attempt{Number: 1, Tier: tier, Temperature: cfg.Temperature, OK: true}}, nil
}

func (g *scriptedGen) Calls() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

func returns(a workflow.Artifact) func(context.Context) (workflow.Artifact, error) {
	return func(context.Context) (workflow.Artifact, error) { return a, nil }
}

func fails(kind generation.ErrorKind) func(context.Context) (workflow.Artifact, error) {
	return func(context.Context) (workflow.Artifact, error) {
		return nil, &generation.Error{Kind: kind, Tier: model.TierPro, Err: errors.New(string(kind))}
	}
}

func framework() *workflow.KnowledgeFramework {
	return &workflow.KnowledgeFramework{
		Title: "Observability",
		Nodes: []workflow.FrameworkNode{
			{ID: "A", Label: "Alpha"},
			{ID: "B", Label: "Beta", ParentID: "A"},
			{ID: "C", Label: "Gamma", ParentID: "A"},
		},
	}
}

func diagram(title, chart string, ids ...string) *workflow.RelationshipDiagram {
	d := &workflow.RelationshipDiagram{
		Chart:    chart,
		Metaphor: workflow.Metaphor{Title: title, Narrative: "Signals flow downstream."},
	}
	for _, id := range ids {
		d.Nodes = append(d.Nodes, workflow.DiagramNode{ID: id, Label: id})
	}
	return d
}

// Two missing nodes: two warnings.
func diagramA(title string) *workflow.RelationshipDiagram {
	return diagram(title, "graph TD\n    A[Alpha]", "A")
}

// One missing node: one warning.
func diagramAB(title string) *workflow.RelationshipDiagram {
	return diagram(title, "graph TD\n    A[Alpha] --> B[Beta]", "A", "B")
}

func diagramABC(title string) *workflow.RelationshipDiagram {
	return diagram(title, "graph TD\n    A[Alpha] --> B[Beta]\n    A --> C[Gamma]", "A", "B", "C")
}

// Unknown node X: blocker.
func diagramX(title string) *workflow.RelationshipDiagram {
	return diagram(title, "graph TD\n    A[Alpha] --> X[Unknown]", "A")
}

func request(n int) Request {
	return Request{
		Prompt:  generation.Prompt{Stage: workflow.StageDiagram},
		Config:  generation.Config{Temperature: 0.7},
		Tier:    model.TierPro,
		N:       n,
		Context: quality.Context{Framework: framework()},
	}
}

func titleOf(t *testing.T, a workflow.Artifact) string {
	t.Helper()
	d, ok := a.(*workflow.RelationshipDiagram)
	require.True(t, ok, "artifact is %T", a)
	return d.Metaphor.Title
}

func TestSelectBest_FewestIssuesWins(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		returns(diagramAB("first")),
		returns(diagramABC("second")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	out, err := s.SelectBest(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, "second", titleOf(t, out.Artifact))
	assert.Equal(t, 1, out.Chosen)
	assert.False(t, out.Regenerated)
	assert.Empty(t, out.Report.Issues)
	assert.Len(t, out.Attempts, 2)
}

func TestSelectBest_TieKeepsEarliest(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		returns(diagramAB("first")),
		returns(diagramAB("second")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	out, err := s.SelectBest(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, "first", titleOf(t, out.Artifact))
	assert.Equal(t, 0, out.Chosen)
	// The repaired copy is returned.
	assert.Contains(t, out.Artifact.(*workflow.RelationshipDiagram).Chart, "C[")
}

func TestSelectBest_SkipsBlockers(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		returns(diagramX("blocked")),
		returns(diagramA("two warnings")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	out, err := s.SelectBest(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, "two warnings", titleOf(t, out.Artifact))
	assert.Equal(t, 2, out.Report.Warnings())
	assert.Greater(t, out.Candidates[0].Report.Blockers(), 0)
}

func TestSelectBest_GenerationFailureIsNotSelectable(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		fails(generation.KindSchema),
		returns(diagramAB("ok")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	out, err := s.SelectBest(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, "ok", titleOf(t, out.Artifact))
	assert.Equal(t, generation.KindSchema, out.Attempts[0].Kind)
}

func TestSelectBest_RegeneratesAtLowTemperature(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		returns(diagramX("one")),
		returns(diagramX("two")),
		returns(diagramABC("final")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	out, err := s.SelectBest(context.Background(), request(2))
	require.NoError(t, err)
	assert.True(t, out.Regenerated)
	assert.Equal(t, "final", titleOf(t, out.Artifact))
	assert.Equal(t, -1, out.Chosen)

	calls := gen.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 0.7, calls[0].Temperature)
	assert.Equal(t, DefaultFinalTemperature, calls[2].Temperature)
	assert.Equal(t, model.TierPro, calls[2].Tier)
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, 3, out.Attempts[2].Number)
}

func TestSelectBest_FinalFailureIsQA(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		returns(diagramX("always blocked")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	req := request(2)
	req.FinalTemperature = 0.1
	_, err := s.SelectBest(context.Background(), req)
	require.Error(t, err)

	var qa *QAError
	require.ErrorAs(t, err, &qa)
	assert.ErrorIs(t, err, ErrNoPassingCandidate)
	assert.NotEmpty(t, qa.Issues)

	calls := gen.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 0.1, calls[2].Temperature)
}

func TestSelectBest_AllGenerationFailures(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		fails(generation.KindNetwork),
		fails(generation.KindTimeout),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	_, err := s.SelectBest(context.Background(), request(2))
	require.Error(t, err)
	assert.Equal(t, generation.KindNetwork, generation.KindOf(err))
	assert.Len(t, gen.Calls(), 2, "no regeneration without a parsed candidate")
}

func TestSelectBest_AllTimeoutsDegrade(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		fails(generation.KindTimeout),
		fails(generation.KindTimeout),
		returns(diagramABC("lite")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))

	retried := 0
	req := request(2)
	req.Degrade = &Degrade{Tier: model.TierLite, Temperature: 0.3, OnRetry: func() { retried++ }}

	out, err := s.SelectBest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Downgraded)
	assert.False(t, out.Regenerated)
	assert.Equal(t, "lite", titleOf(t, out.Artifact))
	assert.Equal(t, 1, retried)
	require.Len(t, out.Attempts, 3)

	calls := gen.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, call{Temperature: 0.3, Tier: model.TierLite}, calls[2])
}

func TestSelectBest_DegradeOutputIsGated(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		fails(generation.KindTimeout),
		fails(generation.KindTimeout),
		returns(diagramX("lite")),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))
	req := request(2)
	req.Degrade = &Degrade{Tier: model.TierLite, Temperature: 0.3}

	out, err := s.SelectBest(context.Background(), req)
	var qa *QAError
	require.ErrorAs(t, err, &qa)
	assert.NotEmpty(t, qa.Issues)
	assert.True(t, out.Downgraded)
}

func TestSelectBest_MixedFailuresDoNotDegrade(t *testing.T) {
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		fails(generation.KindTimeout),
		fails(generation.KindNetwork),
	}}
	s := NewSelector(gen, quality.Default(), WithConcurrency(1))
	req := request(2)
	req.Degrade = &Degrade{Tier: model.TierLite, Temperature: 0.3}

	_, err := s.SelectBest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, generation.KindTimeout, generation.KindOf(err))
	assert.Len(t, gen.Calls(), 2)
}

func TestSelectBest_ConcurrentWaitsForAll(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	both := func(a workflow.Artifact) func(context.Context) (workflow.Artifact, error) {
		return func(context.Context) (workflow.Artifact, error) {
			started.Done()
			started.Wait()
			return a, nil
		}
	}
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){
		both(diagramABC("same")),
	}}
	s := NewSelector(gen, quality.Default())

	out, err := s.SelectBest(context.Background(), request(2))
	require.NoError(t, err)
	assert.Len(t, out.Candidates, 2)
	assert.Equal(t, 0, out.Chosen)
}

func TestSelectBest_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := func(ctx context.Context) (workflow.Artifact, error) {
		<-ctx.Done()
		return nil, &generation.Error{Kind: generation.KindCanceled, Err: ctx.Err()}
	}
	gen := &scriptedGen{script: []func(context.Context) (workflow.Artifact, error){block}}
	s := NewSelector(gen, quality.Default())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.SelectBest(ctx, request(2))
	require.Error(t, err)
	assert.Equal(t, generation.KindCanceled, generation.KindOf(err))
	assert.Len(t, gen.Calls(), 2)
}

func TestSelectBest_InvalidCount(t *testing.T) {
	s := NewSelector(&scriptedGen{}, quality.Default())
	_, err := s.SelectBest(context.Background(), request(0))
	assert.Error(t, err)
}

func TestPick(t *testing.T) {
	passing := func(issues int) Candidate {
		r := quality.Report{Passed: true}
		for i := 0; i < issues; i++ {
			r.Issues = append(r.Issues, workflow.QualityIssue{Severity: workflow.SeverityWarning})
		}
		return Candidate{Report: r}
	}
	blocked := Candidate{Report: quality.Report{Issues: []workflow.QualityIssue{{Severity: workflow.SeverityBlocker}}}}
	failed := Candidate{Err: errors.New("boom")}

	tests := []struct {
		name  string
		cands []Candidate
		want  int
		ok    bool
	}{
		{"single passing", []Candidate{passing(2)}, 0, true},
		{"fewest issues", []Candidate{passing(2), passing(1), passing(3)}, 1, true},
		{"tie keeps earliest", []Candidate{passing(1), passing(1)}, 0, true},
		{"blocker skipped", []Candidate{blocked, passing(4)}, 1, true},
		{"failure skipped", []Candidate{failed, passing(0)}, 1, true},
		{"none", []Candidate{blocked, failed}, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pick(tt.cands)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
