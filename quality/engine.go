// Package quality validates stage artifacts before they are accepted.
//
// Validation checks structure, stage-specific semantics and coverage of the
// identifiers introduced by earlier stages. Small, inferable omissions are
// auto-repaired on a copy of the artifact and reported as warnings.
// Validate is pure: the same inputs always produce the same Report.
package quality

import (
	"github.com/c360studio/stageflow/workflow"
)

// Issue areas.
const (
	AreaSchema      = "schema"
	AreaStructure   = "structure"
	AreaChart       = "chart"
	AreaConsistency = "consistency"
	AreaLinkage     = "linkage"
	AreaCoverage    = "coverage"
	AreaWording     = "wording"
)

// DefaultRepairThreshold is the largest number of missing identifiers that is
// repaired instead of failing the artifact.
const DefaultRepairThreshold = 3

// Context carries the prior-stage artifacts an artifact is checked against.
// Nil fields skip the corresponding cross-stage rules.
type Context struct {
	Goal       *workflow.GoalStatement
	Framework  *workflow.KnowledgeFramework
	Diagram    *workflow.RelationshipDiagram
	ActionPlan *workflow.ActionPlan
}

// Options tunes the engine.
type Options struct {
	// RepairThreshold caps auto-repair; 0 disables it.
	RepairThreshold int

	// Strict turns every repair into a blocker.
	Strict bool
}

// Report is the outcome of one validation.
type Report struct {
	Passed bool                    `json:"passed"`
	Issues []workflow.QualityIssue `json:"issues"`

	// Artifact is the input, or a repaired copy when Repaired is set.
	Artifact workflow.Artifact `json:"-"`
	Repaired bool              `json:"repaired,omitempty"`
}

// Blockers returns the number of blocker issues.
func (r Report) Blockers() int {
	return r.count(workflow.SeverityBlocker)
}

// Warnings returns the number of warning issues.
func (r Report) Warnings() int {
	return r.count(workflow.SeverityWarning)
}

func (r Report) count(sev workflow.Severity) int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == sev {
			n++
		}
	}
	return n
}

// Gate is the validation contract consumed by the orchestrator and the
// variant selector.
type Gate interface {
	Validate(stage workflow.Stage, artifact workflow.Artifact, c Context) Report
}

// Engine is the quality gate.
type Engine struct {
	opts Options
}

// New creates an engine. A negative threshold is treated as 0.
func New(opts Options) *Engine {
	if opts.RepairThreshold < 0 {
		opts.RepairThreshold = 0
	}
	return &Engine{opts: opts}
}

// Default returns an engine with the default repair threshold.
func Default() *Engine {
	return New(Options{RepairThreshold: DefaultRepairThreshold})
}

// Options returns the engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Strict returns a copy of the engine with auto-repair disabled.
func (e *Engine) Strict() *Engine {
	opts := e.opts
	opts.Strict = true
	return &Engine{opts: opts}
}

// Validate checks artifact as the output of stage against c.
func (e *Engine) Validate(stage workflow.Stage, artifact workflow.Artifact, c Context) Report {
	v := &validation{opts: e.opts}

	switch a := artifact.(type) {
	case *workflow.GoalStatement:
		if a == nil || stage != workflow.StageGoal {
			return mismatch(stage, artifact)
		}
		v.goal(a)
		return v.report(a)
	case *workflow.KnowledgeFramework:
		if a == nil || stage != workflow.StageFramework {
			return mismatch(stage, artifact)
		}
		v.framework(a)
		return v.report(a)
	case *workflow.RelationshipDiagram:
		if a == nil || stage != workflow.StageDiagram {
			return mismatch(stage, artifact)
		}
		return v.report(v.diagram(a, c.Framework))
	case *workflow.ActionPlan:
		if a == nil || stage != workflow.StageActionPlan {
			return mismatch(stage, artifact)
		}
		v.actionPlan(a, c.Diagram)
		return v.report(a)
	case *workflow.ProgressAnalysis:
		if a == nil || stage != workflow.StageProgress {
			return mismatch(stage, artifact)
		}
		v.progress(a, c.ActionPlan)
		return v.report(a)
	}
	return mismatch(stage, artifact)
}

func mismatch(stage workflow.Stage, artifact workflow.Artifact) Report {
	return Report{
		Issues: []workflow.QualityIssue{{
			Severity: workflow.SeverityBlocker,
			Area:     AreaSchema,
			Hint:     "artifact is missing or does not match stage " + string(stage),
		}},
		Artifact: artifact,
	}
}

// validation accumulates the issues of one Validate call.
type validation struct {
	opts     Options
	issues   []workflow.QualityIssue
	repaired bool
}

func (v *validation) blocker(area, path, hint string) {
	v.issues = append(v.issues, workflow.QualityIssue{Severity: workflow.SeverityBlocker, Area: area, Hint: hint, TargetPath: path})
}

func (v *validation) warning(area, path, hint string) {
	v.issues = append(v.issues, workflow.QualityIssue{Severity: workflow.SeverityWarning, Area: area, Hint: hint, TargetPath: path})
}

// canRepair reports whether n missing identifiers may be auto-repaired.
func (v *validation) canRepair(n int) bool {
	return !v.opts.Strict && n > 0 && n <= v.opts.RepairThreshold
}

func (v *validation) report(a workflow.Artifact) Report {
	r := Report{Issues: v.issues, Artifact: a, Repaired: v.repaired}
	if r.Issues == nil {
		r.Issues = []workflow.QualityIssue{}
	}
	r.Passed = r.Blockers() == 0
	return r
}
