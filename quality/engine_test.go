package quality

import (
	"strings"
	"testing"

	"github.com/c360studio/stageflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameworkABC() *workflow.KnowledgeFramework {
	return &workflow.KnowledgeFramework{
		Title: "Observability",
		Nodes: []workflow.FrameworkNode{
			{ID: "A", Label: "Alpha"},
			{ID: "B", Label: "Beta", ParentID: "A"},
			{ID: "C", Label: "Gamma", ParentID: "A"},
		},
	}
}

func diagramAB() *workflow.RelationshipDiagram {
	return &workflow.RelationshipDiagram{
		Chart:     "graph TD\n    A[Alpha] --> B[Beta]",
		Nodes:     []workflow.DiagramNode{{ID: "A", Label: "Alpha"}, {ID: "B", Label: "Beta"}},
		Relations: []workflow.Relation{{From: "A", To: "B", Label: "feeds"}},
		Metaphor:  workflow.Metaphor{Title: "A river", Narrative: "Signals flow downstream."},
	}
}

func issuesIn(r Report, area string, sev workflow.Severity) []workflow.QualityIssue {
	var out []workflow.QualityIssue
	for _, is := range r.Issues {
		if is.Area == area && is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

func TestValidate_DiagramAutoRepair(t *testing.T) {
	input := diagramAB()
	report := Default().Validate(workflow.StageDiagram, input, Context{Framework: frameworkABC()})

	require.True(t, report.Passed, "issues: %+v", report.Issues)
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, workflow.SeverityWarning, issue.Severity)
	assert.Equal(t, AreaConsistency, issue.Area)
	assert.Contains(t, issue.Hint, `"C"`)

	assert.True(t, report.Repaired)
	repaired, ok := report.Artifact.(*workflow.RelationshipDiagram)
	require.True(t, ok)
	assert.Contains(t, chartRefs(repaired.Chart), "C")
	assert.Contains(t, repaired.Chart, `C["Gamma"]`)
	require.Len(t, repaired.Nodes, 3)
	assert.Equal(t, workflow.DiagramNode{ID: "C", Label: "Gamma", Placeholder: true}, repaired.Nodes[2])

	assert.Equal(t, diagramAB(), input, "input must not be mutated")
}

func TestValidate_OneLineDiagram(t *testing.T) {
	fw := &workflow.KnowledgeFramework{Title: "F", Nodes: []workflow.FrameworkNode{
		{ID: "A", Label: "a"}, {ID: "B", Label: "b", ParentID: "A"},
		{ID: "C", Label: "c", ParentID: "A"}, {ID: "D", Label: "d", ParentID: "A"},
	}}
	d := &workflow.RelationshipDiagram{
		Chart: "graph TD; A-->B; A-->C; A-->D",
		Nodes: []workflow.DiagramNode{
			{ID: "A", Label: "a"}, {ID: "B", Label: "b"}, {ID: "C", Label: "c"}, {ID: "D", Label: "d"},
		},
		Metaphor: workflow.Metaphor{Title: "t", Narrative: "n"},
	}

	report := Default().Validate(workflow.StageDiagram, d, Context{Framework: fw})
	assert.True(t, report.Passed, "issues: %+v", report.Issues)
	assert.Zero(t, report.Blockers())
	assert.False(t, report.Repaired)
	for _, issue := range report.Issues {
		assert.NotEqual(t, AreaConsistency, issue.Area, "unexpected issue: %+v", issue)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	engine := Default()
	c := Context{Framework: frameworkABC()}
	artifacts := []struct {
		stage workflow.Stage
		a     workflow.Artifact
	}{
		{workflow.StageDiagram, diagramAB()},
		{workflow.StageFramework, frameworkABC()},
		{workflow.StageGoal, &workflow.GoalStatement{Title: "T"}},
	}
	for _, tt := range artifacts {
		first := engine.Validate(tt.stage, tt.a, c)
		second := engine.Validate(tt.stage, tt.a, c)
		assert.Equal(t, first.Passed, second.Passed)
		assert.Equal(t, first.Issues, second.Issues)
		assert.Equal(t, first.Artifact, second.Artifact)
	}
}

func TestValidate_DiagramRepairLimits(t *testing.T) {
	fw := &workflow.KnowledgeFramework{Title: "F", Nodes: []workflow.FrameworkNode{
		{ID: "A", Label: "a"}, {ID: "B", Label: "b", ParentID: "A"}, {ID: "C", Label: "c", ParentID: "A"},
		{ID: "D", Label: "d", ParentID: "A"}, {ID: "E", Label: "e", ParentID: "A"},
	}}
	d := &workflow.RelationshipDiagram{
		Chart:    "flowchart LR\n  A --> B",
		Nodes:    []workflow.DiagramNode{{ID: "A", Label: "a"}, {ID: "B", Label: "b"}},
		Metaphor: workflow.Metaphor{Title: "t", Narrative: "n"},
	}

	t.Run("above threshold blocks", func(t *testing.T) {
		r := New(Options{RepairThreshold: 2}).Validate(workflow.StageDiagram, d, Context{Framework: fw})
		assert.False(t, r.Passed)
		assert.False(t, r.Repaired)
		blockers := issuesIn(r, AreaConsistency, workflow.SeverityBlocker)
		require.Len(t, blockers, 1)
		assert.Contains(t, blockers[0].Hint, "C, D, E")
	})

	t.Run("at threshold repairs", func(t *testing.T) {
		r := New(Options{RepairThreshold: 3}).Validate(workflow.StageDiagram, d, Context{Framework: fw})
		assert.True(t, r.Passed)
		assert.Len(t, issuesIn(r, AreaConsistency, workflow.SeverityWarning), 3)
	})

	t.Run("strict never repairs", func(t *testing.T) {
		r := Default().Strict().Validate(workflow.StageDiagram, diagramAB(), Context{Framework: frameworkABC()})
		assert.False(t, r.Passed)
		assert.False(t, r.Repaired)
	})

	t.Run("zero threshold disables repair", func(t *testing.T) {
		r := New(Options{}).Validate(workflow.StageDiagram, diagramAB(), Context{Framework: frameworkABC()})
		assert.False(t, r.Passed)
	})
}

func TestValidate_DiagramRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *workflow.RelationshipDiagram)
		area   string
	}{
		{"bad directive", func(d *workflow.RelationshipDiagram) { d.Chart = "sequenceDiagram\n A->>B: hi" }, AreaChart},
		{"unknown chart id", func(d *workflow.RelationshipDiagram) { d.Chart += "\n    B --> Z[Zeta]" }, AreaConsistency},
		{"unknown node", func(d *workflow.RelationshipDiagram) {
			d.Nodes = append(d.Nodes, workflow.DiagramNode{ID: "Q", Label: "q"})
		}, AreaConsistency},
		{"dangling relation", func(d *workflow.RelationshipDiagram) {
			d.Relations = append(d.Relations, workflow.Relation{From: "A", To: "X"})
		}, AreaConsistency},
		{"missing metaphor", func(d *workflow.RelationshipDiagram) { d.Metaphor = workflow.Metaphor{} }, AreaSchema},
		{"duplicate node", func(d *workflow.RelationshipDiagram) { d.Nodes = append(d.Nodes, d.Nodes[0]) }, AreaSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := diagramAB()
			d.Chart += "\n    C"
			tt.mutate(d)
			r := Default().Validate(workflow.StageDiagram, d, Context{Framework: frameworkABC()})
			assert.False(t, r.Passed)
			assert.NotEmpty(t, issuesIn(r, tt.area, workflow.SeverityBlocker), "issues: %+v", r.Issues)
		})
	}
}

func TestValidate_Framework(t *testing.T) {
	r := Default().Validate(workflow.StageFramework, frameworkABC(), Context{})
	assert.True(t, r.Passed)
	assert.Empty(t, r.Issues)

	cyclic := &workflow.KnowledgeFramework{Title: "F", Nodes: []workflow.FrameworkNode{
		{ID: "R", Label: "root"},
		{ID: "A", Label: "a", ParentID: "B"},
		{ID: "B", Label: "b", ParentID: "A"},
		{ID: "C", Label: "c", ParentID: "missing"},
	}}
	r = Default().Validate(workflow.StageFramework, cyclic, Context{})
	assert.False(t, r.Passed)
	assert.Len(t, issuesIn(r, AreaStructure, workflow.SeverityBlocker), 3)

	noRoot := &workflow.KnowledgeFramework{Title: "F", Nodes: []workflow.FrameworkNode{{ID: "A", Label: "a", ParentID: "A"}}}
	r = Default().Validate(workflow.StageFramework, noRoot, Context{})
	found := false
	for _, is := range r.Issues {
		if strings.Contains(is.Hint, "no root") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_Goal(t *testing.T) {
	r := Default().Validate(workflow.StageGoal, &workflow.GoalStatement{
		Title: "Tracing", Statement: "Trace it", SuccessCriteria: []string{"p99", " "},
	}, Context{})
	assert.True(t, r.Passed)
	assert.Len(t, issuesIn(r, AreaWording, workflow.SeverityWarning), 1)

	r = Default().Validate(workflow.StageGoal, &workflow.GoalStatement{}, Context{})
	assert.False(t, r.Passed)
	assert.Equal(t, 3, r.Blockers())
}

func TestValidate_StageMismatch(t *testing.T) {
	r := Default().Validate(workflow.StageGoal, frameworkABC(), Context{})
	assert.False(t, r.Passed)
	assert.Equal(t, AreaSchema, r.Issues[0].Area)

	var nilGoal *workflow.GoalStatement
	r = Default().Validate(workflow.StageGoal, nilGoal, Context{})
	assert.False(t, r.Passed)

	r = Default().Validate(workflow.StageGoal, nil, Context{})
	assert.False(t, r.Passed)
}
