package workflow

import (
	"fmt"
)

// StepStatus is the display status of a cognitive step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// Step identifiers shared by every stage.
const (
	StepGenerate = "generate"
	StepValidate = "validate"
)

// CognitiveStep is one user-facing progress item. Display-only telemetry.
type CognitiveStep struct {
	ID      string     `json:"id"`
	Message string     `json:"message"`
	Status  StepStatus `json:"status"`
}

// Steps is an ordered step list. Values are never mutated in place; every
// transition returns a new list.
type Steps []CognitiveStep

var stagePlans = map[Stage][]CognitiveStep{
	StageGoal: {
		{ID: "understand", Message: "Understanding your topic"},
		{ID: StepGenerate, Message: "Drafting the goal statement"},
		{ID: StepValidate, Message: "Checking the goal for completeness"},
	},
	StageFramework: {
		{ID: "analyze", Message: "Analyzing the goal"},
		{ID: StepGenerate, Message: "Building the knowledge framework"},
		{ID: StepValidate, Message: "Checking the framework structure"},
		{ID: "finalize", Message: "Finalizing the framework"},
	},
	StageDiagram: {
		{ID: "map", Message: "Mapping framework nodes"},
		{ID: StepGenerate, Message: "Drawing relationships and the metaphor"},
		{ID: StepValidate, Message: "Cross-checking the diagram against the framework"},
		{ID: "finalize", Message: "Finalizing the diagram"},
	},
	StageActionPlan: {
		{ID: "prioritize", Message: "Prioritizing diagram nodes"},
		{ID: StepGenerate, Message: "Drafting actions and metrics"},
		{ID: StepValidate, Message: "Checking metric coverage"},
		{ID: "finalize", Message: "Finalizing the plan"},
	},
	StageProgress: {
		{ID: "collect", Message: "Collecting progress entries"},
		{ID: StepGenerate, Message: "Analyzing progress"},
		{ID: StepValidate, Message: "Checking the analysis against the plan"},
	},
}

// StepsFor returns the fixed step list of stage with every step pending.
func StepsFor(stage Stage) Steps {
	plan := stagePlans[stage]
	steps := make(Steps, len(plan))
	for i, s := range plan {
		steps[i] = CognitiveStep{ID: s.ID, Message: s.Message, Status: StepPending}
	}
	return steps
}

// Clone returns an independent copy of the list.
func (s Steps) Clone() Steps {
	if s == nil {
		return nil
	}
	out := make(Steps, len(s))
	copy(out, s)
	return out
}

// Index returns the position of step id, or -1.
func (s Steps) Index(id string) int {
	for i, st := range s {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// Current returns the step that is in progress, if any.
func (s Steps) Current() (CognitiveStep, bool) {
	for _, st := range s {
		if st.Status == StepInProgress {
			return st, true
		}
	}
	return CognitiveStep{}, false
}

// Next returns the first pending step, if any.
func (s Steps) Next() (CognitiveStep, bool) {
	for _, st := range s {
		if st.Status == StepPending {
			return st, true
		}
	}
	return CognitiveStep{}, false
}

// Transition moves step id to status to and returns the new list.
//
// Allowed moves are pending -> in_progress (only when every earlier step is
// completed) and in_progress -> completed|error. Anything else is rejected, so
// steps can neither be skipped nor revisited.
func Transition(s Steps, id string, to StepStatus) (Steps, error) {
	i := s.Index(id)
	if i < 0 {
		return s, fmt.Errorf("unknown step %q", id)
	}
	from := s[i].Status

	switch {
	case from == StepPending && to == StepInProgress:
		for _, prev := range s[:i] {
			if prev.Status != StepCompleted {
				return s, fmt.Errorf("step %q cannot start before %q completes", id, prev.ID)
			}
		}
	case from == StepInProgress && (to == StepCompleted || to == StepError):
	default:
		return s, fmt.Errorf("illegal step transition %q: %s -> %s", id, from, to)
	}

	out := s.Clone()
	out[i].Status = to
	return out, nil
}
