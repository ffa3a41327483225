package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/llm/testutil"
	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/store"
	"github.com/c360studio/stageflow/stream"
	"github.com/c360studio/stageflow/workflow"
)

const goalJSON = `{"title":"Learn tracing","statement":"Instrument one service end to end","success_criteria":["Spans visible in the UI"]}`

const frameworkJSON = `{"title":"Tracing","nodes":[{"id":"A","label":"Alpha"},{"id":"B","label":"Beta","parent_id":"A"},{"id":"C","label":"Gamma","parent_id":"A"}]}`

// No root: every node has a parent.
const cyclicFrameworkJSON = `{"title":"Tracing","nodes":[{"id":"A","label":"Alpha","parent_id":"B"},{"id":"B","label":"Beta","parent_id":"A"}]}`

const diagramABJSON = `{"chart":"graph TD\n    A[Alpha] --> B[Beta]","nodes":[{"id":"A","label":"Alpha"},{"id":"B","label":"Beta"}],"relations":[{"from":"A","to":"B","label":"feeds"}],"metaphor":{"title":"A river","narrative":"Signals start at the source and flow downstream until they reach the sea where every trace ends up."}}`

const diagramABCJSON = `{"chart":"graph TD\n    A[Alpha] --> B[Beta]\n    A --> C[Gamma]","nodes":[{"id":"A","label":"Alpha"},{"id":"B","label":"Beta"},{"id":"C","label":"Gamma"}],"metaphor":{"title":"A delta","narrative":"One river, two mouths."}}`

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Emit(e stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Events() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *recorder) ofType(t stream.EventType) []stream.Event {
	var out []stream.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) lastSteps(t *testing.T) workflow.Steps {
	t.Helper()
	steps := r.ofType(stream.EventCognitiveStep)
	require.NotEmpty(t, steps)
	return steps[len(steps)-1].Payload.(stream.StepsPayload).Steps
}

func (r *recorder) terminals() int {
	n := 0
	for _, e := range r.Events() {
		if e.IsTerminal() {
			n++
		}
	}
	return n
}

type fixture struct {
	mock  *testutil.MockCompleter
	store *store.MemoryStore
	orch  *Orchestrator
}

func newFixture(t *testing.T, steps ...testutil.Step) *fixture {
	t.Helper()
	mock := testutil.NewMockCompleter(steps...)
	st := store.NewMemoryStore()
	gen := generation.NewClient(mock, generation.WithTimeout(50*time.Millisecond))
	return &fixture{mock: mock, store: st, orch: New(gen, quality.Default(), st)}
}

func request(stage workflow.Stage, tier workflow.RunTier) workflow.StageRequest {
	return workflow.StageRequest{
		FlowID:  "flow-1",
		Stage:   stage,
		Tier:    tier,
		Payload: workflow.Payload{Topic: "distributed tracing"},
		TraceID: "trace-1",
	}
}

func frameworkABC() *workflow.KnowledgeFramework {
	return &workflow.KnowledgeFramework{
		Title: "Tracing",
		Nodes: []workflow.FrameworkNode{
			{ID: "A", Label: "Alpha"},
			{ID: "B", Label: "Beta", ParentID: "A"},
			{ID: "C", Label: "Gamma", ParentID: "A"},
		},
	}
}

func errorPayload(t *testing.T, rec *recorder) stream.ErrorPayload {
	t.Helper()
	errs := rec.ofType(stream.EventError)
	require.Len(t, errs, 1)
	return errs[0].Payload.(stream.ErrorPayload)
}

func TestRunStage_Success(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: "Here you go:\n```json\n" + goalJSON + "\n```"})
	rec := &recorder{}

	res, err := f.orch.RunStage(context.Background(), request(workflow.StageGoal, workflow.TierLite), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.False(t, res.Downgraded)
	assert.Len(t, res.Attempts, 1)

	events := rec.Events()
	first := events[0].Payload.(stream.StepsPayload)
	for _, s := range first.Steps {
		assert.Equal(t, workflow.StepPending, s.Status)
	}
	assert.Equal(t, "trace-1", first.TraceID)

	last := events[len(events)-1]
	require.Equal(t, stream.EventDataStructure, last.Type)
	data := last.Payload.(stream.DataPayload)
	assert.Equal(t, stream.StatusSuccess, data.Status)
	assert.Equal(t, 1, data.Version)
	assert.Equal(t, "Learn tracing", data.Data.(*workflow.GoalStatement).Title)
	assert.Equal(t, 1, rec.terminals())

	for _, s := range rec.lastSteps(t) {
		assert.Equal(t, workflow.StepCompleted, s.Status, s.ID)
	}

	stored, err := f.store.Get(context.Background(), "flow-1", workflow.StageGoal)
	require.NoError(t, err)
	assert.JSONEq(t, goalJSON, string(stored.Data))

	history, err := f.store.History(context.Background(), "flow-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Content, "distributed tracing")
	assert.Equal(t, "assistant", history[1].Role)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.TierLite, reqs[0].Tier)
	assert.InDelta(t, 0.7, *reqs[0].Temperature, 1e-9)
	assert.True(t, strings.HasPrefix(reqs[0].Messages[0].Content, "[stage:S0]"))
}

func TestRunStage_StepsMoveLeftToRight(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: frameworkJSON})
	rec := &recorder{}
	req := request(workflow.StageFramework, workflow.TierLite)
	req.Payload.Goal = &workflow.GoalStatement{Title: "g", Statement: "s", SuccessCriteria: []string{"c"}}

	_, err := f.orch.RunStage(context.Background(), req, rec)
	require.NoError(t, err)

	// Every emitted list differs from the previous one by at most one legal
	// transition.
	var prev workflow.Steps
	for _, e := range rec.ofType(stream.EventCognitiveStep) {
		cur := e.Payload.(stream.StepsPayload).Steps
		if prev != nil {
			changed := 0
			for i := range cur {
				if cur[i].Status != prev[i].Status {
					changed++
					_, err := workflow.Transition(prev, cur[i].ID, cur[i].Status)
					assert.NoError(t, err)
				}
			}
			assert.LessOrEqual(t, changed, 1)
		}
		prev = cur
	}
}

func TestRunStage_TimeoutThenDegradedSuccess(t *testing.T) {
	f := newFixture(t,
		testutil.Step{Block: true},
		testutil.Step{Content: goalJSON},
	)
	rec := &recorder{}

	res, err := f.orch.RunStage(context.Background(), request(workflow.StageGoal, workflow.TierPro), rec)
	require.NoError(t, err)
	assert.True(t, res.Downgraded)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, generation.KindTimeout, res.Attempts[0].Kind)
	assert.True(t, res.Attempts[1].OK)

	events := rec.Events()
	retryAt, successAt := -1, -1
	for i, e := range events {
		if e.Type == stream.EventCognitiveStep && strings.Contains(e.Payload.(stream.StepsPayload).Tip, "retrying at lower tier") {
			retryAt = i
		}
		if e.IsTerminal() {
			successAt = i
		}
	}
	require.GreaterOrEqual(t, retryAt, 0, "retry tip not emitted")
	require.Greater(t, successAt, retryAt)
	assert.Equal(t, stream.EventDataStructure, events[successAt].Type)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.TierPro, reqs[0].Tier)
	assert.Equal(t, model.TierLite, reqs[1].Tier)
	assert.InDelta(t, 0.3, *reqs[1].Temperature, 1e-9)
}

func TestRunStage_TimeoutTwiceFails(t *testing.T) {
	f := newFixture(t, testutil.Step{Block: true})
	rec := &recorder{}

	_, err := f.orch.RunStage(context.Background(), request(workflow.StageGoal, workflow.TierLite), rec)
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stream.CodeTimeout, se.Code)
	assert.Equal(t, 2, f.mock.CallCount())
	assert.Equal(t, stream.CodeTimeout, errorPayload(t, rec).Code)
	assert.Equal(t, 1, rec.terminals())

	steps := rec.lastSteps(t)
	assert.Equal(t, workflow.StepError, steps[steps.Index(workflow.StepGenerate)].Status)

	_, err = f.store.Get(context.Background(), "flow-1", workflow.StageGoal)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStage_GenerationErrorCodes(t *testing.T) {
	tests := []struct {
		name  string
		step  testutil.Step
		code  stream.ErrorCode
		calls int
	}{
		{"schema", testutil.Step{Content: "I cannot answer that."}, stream.CodeSchema, 1},
		{"wrong type", testutil.Step{Content: `{"title": 42}`}, stream.CodeSchema, 1},
		{"empty response", testutil.Step{Err: llm.NewError(llm.KindEmpty, assert.AnError)}, stream.CodeSchema, 1},
		{"network", testutil.Step{Err: llm.NewError(llm.KindUnavailable, assert.AnError)}, stream.CodeNetwork, 1},
		{"provider", testutil.Step{Err: llm.NewError(llm.KindProvider, assert.AnError)}, stream.CodeUnknown, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.step)
			rec := &recorder{}

			_, err := f.orch.RunStage(context.Background(), request(workflow.StageGoal, workflow.TierLite), rec)
			require.Error(t, err)
			assert.Equal(t, tt.code, errorPayload(t, rec).Code)
			assert.Equal(t, tt.calls, f.mock.CallCount())
			assert.Equal(t, 1, rec.terminals())
		})
	}
}

func TestRunStage_QABlocker(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: cyclicFrameworkJSON})
	rec := &recorder{}
	req := request(workflow.StageFramework, workflow.TierLite)
	req.Payload.Goal = &workflow.GoalStatement{Title: "g"}

	_, err := f.orch.RunStage(context.Background(), req, rec)
	require.Error(t, err)

	p := errorPayload(t, rec)
	assert.Equal(t, stream.CodeQA, p.Code)
	assert.NotEmpty(t, p.Issues)
	steps := rec.lastSteps(t)
	assert.Equal(t, workflow.StepError, steps[steps.Index(workflow.StepValidate)].Status)
	assert.Equal(t, workflow.StepPending, steps[steps.Index("finalize")].Status)

	_, err = f.store.Get(context.Background(), "flow-1", workflow.StageFramework)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStage_AcceptDegraded(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: cyclicFrameworkJSON})
	rec := &recorder{}
	req := request(workflow.StageFramework, workflow.TierLite)
	req.Payload.Goal = &workflow.GoalStatement{Title: "g"}
	req.AcceptDegraded = true

	res, err := f.orch.RunStage(context.Background(), req, rec)
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	data := rec.ofType(stream.EventDataStructure)[0].Payload.(stream.DataPayload)
	assert.True(t, data.Degraded)
	assert.NotEmpty(t, data.Issues)

	stored, err := f.store.Get(context.Background(), "flow-1", workflow.StageFramework)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
}

func TestRunStage_DiagramAutoRepairAndChunks(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: diagramABJSON})
	rec := &recorder{}
	req := request(workflow.StageDiagram, workflow.TierLite)
	req.Payload.Framework = frameworkABC()

	res, err := f.orch.RunStage(context.Background(), req, rec)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, quality.AreaConsistency, res.Issues[0].Area)
	assert.Contains(t, res.Artifact.(*workflow.RelationshipDiagram).Chart, "C[")

	var text strings.Builder
	chunkEvents := rec.ofType(stream.EventContentChunk)
	assert.Greater(t, len(chunkEvents), 1)
	for _, e := range chunkEvents {
		text.WriteString(e.Payload.(string))
	}
	assert.Equal(t, "Signals start at the source and flow downstream until they reach the sea where every trace ends up.", text.String())

	stored, err := f.store.Get(context.Background(), "flow-1", workflow.StageDiagram)
	require.NoError(t, err)
	assert.Contains(t, string(stored.Data), "placeholder")
}

func TestRunStage_ReviewIsStrict(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: diagramABJSON})
	rec := &recorder{}
	req := request(workflow.StageDiagram, workflow.TierReview)
	req.Payload.Framework = frameworkABC()

	_, err := f.orch.RunStage(context.Background(), req, rec)
	require.Error(t, err)
	assert.Equal(t, stream.CodeQA, errorPayload(t, rec).Code)
	assert.Equal(t, model.TierReview, f.mock.Requests()[0].Tier)
}

func TestRunStage_ProVariants(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: diagramABCJSON})
	rec := &recorder{}
	req := request(workflow.StageDiagram, workflow.TierPro)
	req.Payload.Framework = frameworkABC()

	res, err := f.orch.RunStage(context.Background(), req, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, f.mock.CallCount())
	assert.Len(t, res.Attempts, 2)
	assert.Empty(t, res.Issues)
	assert.False(t, res.Regenerated)
}

func TestRunStage_ProVariantsRegenerateThenQA(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: cyclicFrameworkJSON})
	rec := &recorder{}
	req := request(workflow.StageFramework, workflow.TierPro)
	req.Payload.Goal = &workflow.GoalStatement{Title: "g"}

	_, err := f.orch.RunStage(context.Background(), req, rec)
	require.Error(t, err)
	assert.Equal(t, stream.CodeQA, errorPayload(t, rec).Code)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 3)
	assert.InDelta(t, 0.2, *reqs[2].Temperature, 1e-9)
	assert.Equal(t, model.TierPro, reqs[2].Tier)
}

func TestRunStage_ProVariantsTimeoutDegrades(t *testing.T) {
	f := newFixture(t)
	f.mock.Route = func(req llm.Request) (testutil.Step, bool) {
		if req.Tier == model.TierPro {
			return testutil.Step{Block: true}, true
		}
		return testutil.Step{Content: frameworkJSON}, true
	}
	rec := &recorder{}
	req := request(workflow.StageFramework, workflow.TierPro)
	req.Payload.Goal = &workflow.GoalStatement{Title: "g"}

	res, err := f.orch.RunStage(context.Background(), req, rec)
	require.NoError(t, err)
	assert.True(t, res.Downgraded)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, generation.KindTimeout, res.Attempts[0].Kind)
	assert.Equal(t, generation.KindTimeout, res.Attempts[1].Kind)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, model.TierLite, reqs[2].Tier)
	assert.InDelta(t, 0.3, *reqs[2].Temperature, 1e-9)

	retryAt, successAt := -1, -1
	for i, e := range rec.Events() {
		if e.Type == stream.EventCognitiveStep && e.Payload.(stream.StepsPayload).Tip == TipRetrying {
			retryAt = i
		}
		if e.IsTerminal() {
			successAt = i
		}
	}
	require.GreaterOrEqual(t, retryAt, 0, "retry tip not emitted")
	require.Greater(t, successAt, retryAt)
	assert.Equal(t, stream.EventDataStructure, rec.Events()[successAt].Type)
}

func TestRunStage_ProVariantsTimeoutTwiceFails(t *testing.T) {
	f := newFixture(t, testutil.Step{Block: true})
	rec := &recorder{}
	req := request(workflow.StageFramework, workflow.TierPro)
	req.Payload.Goal = &workflow.GoalStatement{Title: "g"}

	_, err := f.orch.RunStage(context.Background(), req, rec)
	require.Error(t, err)
	assert.Equal(t, stream.CodeTimeout, errorPayload(t, rec).Code)
	assert.Equal(t, 3, f.mock.CallCount())
}

func TestRunStage_CarriesTraceContext(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: goalJSON})

	_, err := f.orch.RunStage(context.Background(), request(workflow.StageGoal, workflow.TierLite), &recorder{})
	require.NoError(t, err)

	tc := llm.GetTraceContext(f.mock.LastContext())
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "flow-1", tc.FlowID)
}

// cancelingStore cancels the run while the artifact is being written.
type cancelingStore struct {
	*store.MemoryStore
	cancel context.CancelFunc
}

func (s *cancelingStore) Put(ctx context.Context, rec workflow.StoredArtifact) (*workflow.StoredArtifact, error) {
	s.cancel()
	return s.MemoryStore.Put(ctx, rec)
}

func TestRunStage_CancelDuringPersist(t *testing.T) {
	mock := testutil.NewMockCompleter(testutil.Step{Content: goalJSON})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &cancelingStore{MemoryStore: store.NewMemoryStore(), cancel: cancel}
	orch := New(generation.NewClient(mock, generation.WithTimeout(time.Second)), quality.Default(), st)
	rec := &recorder{}

	_, err := orch.RunStage(ctx, request(workflow.StageGoal, workflow.TierLite), rec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.terminals())

	_, err = st.Get(context.Background(), "flow-1", workflow.StageGoal)
	assert.ErrorIs(t, err, store.ErrNotFound)
	history, err := st.History(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunStage_MissingPriorArtifact(t *testing.T) {
	f := newFixture(t, testutil.Step{Content: frameworkJSON})
	rec := &recorder{}

	_, err := f.orch.RunStage(context.Background(), request(workflow.StageFramework, workflow.TierLite), rec)
	require.Error(t, err)

	p := errorPayload(t, rec)
	assert.Equal(t, stream.CodeUnknown, p.Code)
	assert.Equal(t, "missing prior artifact: S0", p.Message)
	assert.Equal(t, 0, f.mock.CallCount())
}

func TestRunStage_PriorFromStoreAndVersions(t *testing.T) {
	f := newFixture(t)
	f.mock.Route = func(req llm.Request) (testutil.Step, bool) {
		if strings.HasPrefix(req.Messages[0].Content, "[stage:S0]") {
			return testutil.Step{Content: goalJSON}, true
		}
		return testutil.Step{Content: frameworkJSON}, true
	}
	ctx := context.Background()

	_, err := f.orch.RunStage(ctx, request(workflow.StageGoal, workflow.TierLite), &recorder{})
	require.NoError(t, err)

	res, err := f.orch.RunStage(ctx, request(workflow.StageFramework, workflow.TierLite), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)

	user := f.mock.Requests()[1].Messages
	assert.Contains(t, user[len(user)-1].Content, "Learn tracing")

	res, err = f.orch.RunStage(ctx, request(workflow.StageFramework, workflow.TierLite), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
}

func TestRunStage_CanceledEmitsNothingTerminal(t *testing.T) {
	f := newFixture(t, testutil.Step{Block: true})
	f.orch = New(generation.NewClient(f.mock, generation.WithTimeout(time.Minute)), quality.Default(), f.store)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.orch.RunStage(ctx, request(workflow.StageGoal, workflow.TierLite), rec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.terminals())
	assert.Equal(t, 1, f.mock.CallCount())

	_, err = f.store.Get(context.Background(), "flow-1", workflow.StageGoal)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStage_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	_, err := f.orch.RunStage(context.Background(), request(workflow.StageGoal, "gold"), rec)
	require.Error(t, err)
	assert.Equal(t, stream.CodeUnknown, errorPayload(t, rec).Code)

	rec = &recorder{}
	req := request(workflow.StageGoal, workflow.TierLite)
	req.Payload.Topic = " "
	_, err = f.orch.RunStage(context.Background(), req, rec)
	require.Error(t, err)
	assert.Equal(t, stream.CodeUnknown, errorPayload(t, rec).Code)
	assert.Equal(t, 0, f.mock.CallCount())
}

func TestChunks(t *testing.T) {
	text := "one two three four five six"
	got := chunks(text, 9)
	assert.Equal(t, []string{"one two ", "three ", "four ", "five six"}, got)
	assert.Equal(t, text, strings.Join(got, ""))
	assert.Nil(t, chunks("", 10))
	assert.Equal(t, []string{text}, chunks(text, 0))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DegradeTier = "cheap"
	p := cfg.Profiles[workflow.TierPro]
	p.Variants = 0
	cfg.Profiles[workflow.TierPro] = p
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degrade tier")
	assert.Contains(t, err.Error(), "variants")
}
