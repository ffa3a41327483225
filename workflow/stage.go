// Package workflow defines the data model of the guided five-stage workflow:
// stages, run tiers, stage requests, cognitive steps and the artifacts each
// stage produces.
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage is returned when a stage identifier is not one of S0-S4.
var ErrUnknownStage = errors.New("unknown stage")

// ErrUnknownAction is returned when a request names an action that maps to no stage.
var ErrUnknownAction = errors.New("unknown stage action")

// Stage identifies one step of the guided workflow.
type Stage string

const (
	// StageGoal produces the goal statement.
	StageGoal Stage = "S0"
	// StageFramework produces the hierarchical knowledge framework.
	StageFramework Stage = "S1"
	// StageDiagram produces the relationship diagram and its narrative metaphor.
	StageDiagram Stage = "S2"
	// StageActionPlan produces the action plan with metrics.
	StageActionPlan Stage = "S3"
	// StageProgress produces the progress analysis.
	StageProgress Stage = "S4"
)

// Stages returns all stages in workflow order.
func Stages() []Stage {
	return []Stage{StageGoal, StageFramework, StageDiagram, StageActionPlan, StageProgress}
}

// Index returns the zero-based position of the stage, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	return s.Index() >= 0
}

// String returns the stage identifier.
func (s Stage) String() string {
	return string(s)
}

// ParseStage converts "S2" or "s2" to a Stage.
func ParseStage(v string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, v)
	}
	return s, nil
}

// Requires lists the prior stages whose artifacts this stage consumes.
func (s Stage) Requires() []Stage {
	switch s {
	case StageFramework:
		return []Stage{StageGoal}
	case StageDiagram:
		return []Stage{StageFramework}
	case StageActionPlan:
		return []Stage{StageFramework, StageDiagram}
	case StageProgress:
		return []Stage{StageActionPlan}
	}
	return nil
}

// SupportsVariants reports whether the stage runs N-best selection on the Pro tier.
func (s Stage) SupportsVariants() bool {
	switch s {
	case StageFramework, StageDiagram, StageActionPlan:
		return true
	}
	return false
}

// StreamsProse reports whether the stage emits its narrative as content chunks.
func (s Stage) StreamsProse() bool {
	return s == StageDiagram || s == StageProgress
}

// Action is the caller-facing name that invokes a stage.
type Action string

// Stage action names. Each maps 1:1 to a Stage.
const (
	ActionGenerateGoal       Action = "generate_goal"
	ActionGenerateFramework  Action = "generate_framework"
	ActionGenerateDiagram    Action = "generate_diagram"
	ActionGenerateActionPlan Action = "generate_action_plan"
	ActionAnalyzeProgress    Action = "analyze_progress"
)

var actionStages = map[Action]Stage{
	ActionGenerateGoal:       StageGoal,
	ActionGenerateFramework:  StageFramework,
	ActionGenerateDiagram:    StageDiagram,
	ActionGenerateActionPlan: StageActionPlan,
	ActionAnalyzeProgress:    StageProgress,
}

// StageForAction resolves an action name to its stage.
func StageForAction(a Action) (Stage, error) {
	if s, ok := actionStages[a]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, a)
}

// Action returns the action name that invokes the stage.
func (s Stage) Action() Action {
	for a, st := range actionStages {
		if st == s {
			return a
		}
	}
	return ""
}

// RunTier selects the cost/quality trade-off of a stage run.
type RunTier string

const (
	// TierLite is the cheapest and fastest tier. It is also the degrade target.
	TierLite RunTier = "lite"
	// TierPro uses the primary model and enables variant selection.
	TierPro RunTier = "pro"
	// TierReview uses the strongest model with strict quality gating.
	TierReview RunTier = "review"
)

// IsValid reports whether t is a known tier.
func (t RunTier) IsValid() bool {
	switch t {
	case TierLite, TierPro, TierReview:
		return true
	}
	return false
}

// ParseRunTier converts a string to a RunTier. Empty input selects TierLite.
func ParseRunTier(v string) (RunTier, error) {
	if strings.TrimSpace(v) == "" {
		return TierLite, nil
	}
	t := RunTier(strings.ToLower(strings.TrimSpace(v)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown run tier %q", v)
	}
	return t, nil
}
