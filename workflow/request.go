package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProgressEntry is a user-reported observation about one metric (S4 input).
type ProgressEntry struct {
	MetricID string `json:"metric_id"`
	Value    string `json:"value"`
	Note     string `json:"note,omitempty"`
}

// Payload carries the stage-specific inputs of a request: user parameters and
// any prior-stage artifacts the caller already holds.
type Payload struct {
	Topic      string `json:"topic,omitempty"`
	Background string `json:"background,omitempty"`
	Notes      string `json:"notes,omitempty"`

	Goal       *GoalStatement       `json:"goal,omitempty"`
	Framework  *KnowledgeFramework  `json:"framework,omitempty"`
	Diagram    *RelationshipDiagram `json:"diagram,omitempty"`
	ActionPlan *ActionPlan          `json:"action_plan,omitempty"`

	Progress []ProgressEntry `json:"progress,omitempty"`
}

// Prior returns the artifact of stage s carried in the payload, or nil.
func (p Payload) Prior(s Stage) Artifact {
	switch s {
	case StageGoal:
		if p.Goal != nil {
			return p.Goal
		}
	case StageFramework:
		if p.Framework != nil {
			return p.Framework
		}
	case StageDiagram:
		if p.Diagram != nil {
			return p.Diagram
		}
	case StageActionPlan:
		if p.ActionPlan != nil {
			return p.ActionPlan
		}
	}
	return nil
}

// StageRequest is one submitted stage invocation. It is passed by value and
// never modified after submission.
type StageRequest struct {
	FlowID  string
	Stage   Stage
	Tier    RunTier
	Payload Payload
	// AcceptDegraded lets the caller accept an artifact that fails quality gating.
	AcceptDegraded bool
	TraceID        string
}

// WireRequest is the caller-facing request contract: {action, payload}.
type WireRequest struct {
	Action         Action          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Tier           string          `json:"tier,omitempty"`
	AcceptDegraded bool            `json:"accept_degraded,omitempty"`
}

// ToStageRequest validates the wire request and resolves it for flowID.
func (w WireRequest) ToStageRequest(flowID string) (StageRequest, error) {
	if strings.TrimSpace(flowID) == "" {
		return StageRequest{}, fmt.Errorf("flow id is required")
	}
	stage, err := StageForAction(w.Action)
	if err != nil {
		return StageRequest{}, err
	}
	tier, err := ParseRunTier(w.Tier)
	if err != nil {
		return StageRequest{}, err
	}

	var payload Payload
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return StageRequest{}, fmt.Errorf("decode %s payload: %w", w.Action, err)
		}
	}

	if stage == StageGoal && strings.TrimSpace(payload.Topic) == "" {
		return StageRequest{}, fmt.Errorf("payload.topic is required for %s", w.Action)
	}

	return StageRequest{
		FlowID:         flowID,
		Stage:          stage,
		Tier:           tier,
		Payload:        payload,
		AcceptDegraded: w.AcceptDegraded,
	}, nil
}
