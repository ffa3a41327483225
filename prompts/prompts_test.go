package prompts

import (
	"strings"
	"testing"

	"github.com/c360studio/stageflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_AllStagesCarryMarker(t *testing.T) {
	for _, stage := range workflow.Stages() {
		p, err := Build(Input{Stage: stage, Payload: workflow.Payload{Topic: "tracing"}})
		require.NoError(t, err, stage)
		assert.Equal(t, stage, p.Stage)
		require.GreaterOrEqual(t, len(p.Messages), 2)
		assert.Equal(t, "system", p.Messages[0].Role)
		assert.True(t, strings.HasPrefix(p.Messages[0].Content, Marker(stage)), stage)
		assert.Equal(t, "user", p.Messages[len(p.Messages)-1].Role)
	}
}

func TestBuild_IncludesPriorArtifacts(t *testing.T) {
	fw := &workflow.KnowledgeFramework{Title: "Observability", Nodes: []workflow.FrameworkNode{{ID: "A", Label: "Alpha"}}}
	p, err := Build(Input{Stage: workflow.StageDiagram, Framework: fw, Payload: workflow.Payload{Notes: "keep it small"}})
	require.NoError(t, err)

	user := p.Messages[len(p.Messages)-1].Content
	assert.Contains(t, user, "Knowledge framework")
	assert.Contains(t, user, `"label": "Alpha"`)
	assert.Contains(t, user, "keep it small")
}

func TestBuild_History(t *testing.T) {
	var turns []workflow.Turn
	for i := 0; i < 10; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		turns = append(turns, workflow.Turn{Stage: workflow.StageGoal, Role: role, Content: string(rune('a' + i))})
	}

	p, err := Build(Input{Stage: workflow.StageGoal, Payload: workflow.Payload{Topic: "t"}, History: turns})
	require.NoError(t, err)
	assert.Len(t, p.Messages, 2+maxHistoryTurns)
	assert.Equal(t, "e", p.Messages[1].Content)
}

func TestBuild_UnknownStage(t *testing.T) {
	_, err := Build(Input{Stage: "S9"})
	assert.ErrorIs(t, err, workflow.ErrUnknownStage)
}
