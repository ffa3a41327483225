package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Artifact is the structured output of one stage.
type Artifact interface {
	// Stage returns the stage that produces this artifact type.
	Stage() Stage
}

// GoalStatement is the S0 artifact.
type GoalStatement struct {
	Title           string   `json:"title"`
	Statement       string   `json:"statement"`
	Motivation      string   `json:"motivation,omitempty"`
	SuccessCriteria []string `json:"success_criteria"`
}

// Stage implements Artifact.
func (g *GoalStatement) Stage() Stage { return StageGoal }

// FrameworkNode is one node of the knowledge framework hierarchy.
type FrameworkNode struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Summary  string `json:"summary,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// KnowledgeFramework is the S1 artifact: a tree of knowledge nodes.
type KnowledgeFramework struct {
	Title string          `json:"title"`
	Nodes []FrameworkNode `json:"nodes"`
}

// Stage implements Artifact.
func (f *KnowledgeFramework) Stage() Stage { return StageFramework }

// NodeIDs returns the node identifiers in declaration order.
func (f *KnowledgeFramework) NodeIDs() []string {
	if f == nil {
		return nil
	}
	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Node returns the node with the given id.
func (f *KnowledgeFramework) Node(id string) (FrameworkNode, bool) {
	if f == nil {
		return FrameworkNode{}, false
	}
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return FrameworkNode{}, false
}

// DiagramNode is a node drawn in the relationship diagram.
type DiagramNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Placeholder marks nodes synthesized by quality-gate auto-repair.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Relation is a labelled edge between two diagram nodes.
type Relation struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Metaphor is the narrative that accompanies the diagram.
type Metaphor struct {
	Title     string `json:"title"`
	Narrative string `json:"narrative"`
}

// RelationshipDiagram is the S2 artifact.
type RelationshipDiagram struct {
	// Chart is the diagram source, starting with a directive such as "graph TD".
	Chart     string        `json:"chart"`
	Nodes     []DiagramNode `json:"nodes"`
	Relations []Relation    `json:"relations,omitempty"`
	Metaphor  Metaphor      `json:"metaphor"`
}

// Stage implements Artifact.
func (d *RelationshipDiagram) Stage() Stage { return StageDiagram }

// NodeIDs returns the diagram node identifiers in declaration order.
func (d *RelationshipDiagram) NodeIDs() []string {
	if d == nil {
		return nil
	}
	ids := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Clone returns a deep copy of the diagram.
func (d *RelationshipDiagram) Clone() *RelationshipDiagram {
	if d == nil {
		return nil
	}
	c := *d
	c.Nodes = append([]DiagramNode(nil), d.Nodes...)
	c.Relations = append([]Relation(nil), d.Relations...)
	return &c
}

// PlanAction is one concrete step of the action plan.
type PlanAction struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	NodeIDs     []string `json:"node_ids,omitempty"`
}

// Metric is a measurable KPI linked to diagram nodes.
type Metric struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Target  string   `json:"target"`
	NodeIDs []string `json:"node_ids"`
}

// ActionPlan is the S3 artifact.
type ActionPlan struct {
	Actions []PlanAction `json:"actions"`
	Metrics []Metric     `json:"metrics"`
}

// Stage implements Artifact.
func (p *ActionPlan) Stage() Stage { return StageActionPlan }

// MetricIDs returns the metric identifiers in declaration order.
func (p *ActionPlan) MetricIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		ids = append(ids, m.ID)
	}
	return ids
}

// Progress statuses recognised in metric progress entries.
const (
	ProgressOnTrack  = "on_track"
	ProgressAtRisk   = "at_risk"
	ProgressOffTrack = "off_track"
	ProgressDone     = "done"
)

// MetricProgress is the assessed progress of one metric.
type MetricProgress struct {
	MetricID string `json:"metric_id"`
	Status   string `json:"status"`
	Note     string `json:"note,omitempty"`
}

// ProgressAnalysis is the S4 artifact.
type ProgressAnalysis struct {
	Summary        string           `json:"summary"`
	MetricProgress []MetricProgress `json:"metric_progress"`
	Insights       []string         `json:"insights,omitempty"`
	NextSteps      []string         `json:"next_steps,omitempty"`
}

// Stage implements Artifact.
func (p *ProgressAnalysis) Stage() Stage { return StageProgress }

// NewArtifact returns an empty artifact of the type produced by stage.
func NewArtifact(stage Stage) (Artifact, error) {
	switch stage {
	case StageGoal:
		return &GoalStatement{}, nil
	case StageFramework:
		return &KnowledgeFramework{}, nil
	case StageDiagram:
		return &RelationshipDiagram{}, nil
	case StageActionPlan:
		return &ActionPlan{}, nil
	case StageProgress:
		return &ProgressAnalysis{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
}

// DecodeArtifact parses data as the artifact type of stage.
// Type mismatches (a string where an array is expected, for example) are errors.
func DecodeArtifact(stage Stage, data []byte) (Artifact, error) {
	a, err := NewArtifact(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode %s artifact: %w", stage, err)
	}
	return a, nil
}

// Severity grades a quality issue.
type Severity string

const (
	// SeverityBlocker prevents the artifact from being accepted.
	SeverityBlocker Severity = "blocker"
	// SeverityWarning allows acceptance with a flag.
	SeverityWarning Severity = "warning"
)

// QualityIssue is one finding of the quality gate.
type QualityIssue struct {
	Severity   Severity `json:"severity"`
	Area       string   `json:"area"`
	Hint       string   `json:"hint"`
	TargetPath string   `json:"target_path,omitempty"`
}

// StoredArtifact is the persisted form of a stage artifact.
type StoredArtifact struct {
	FlowID    string          `json:"flow_id"`
	Stage     Stage           `json:"stage"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	Degraded  bool            `json:"degraded,omitempty"`
	Issues    []QualityIssue  `json:"issues,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode returns the typed artifact held by the record.
func (s *StoredArtifact) Decode() (Artifact, error) {
	return DecodeArtifact(s.Stage, s.Data)
}

// Turn is one entry of a flow's conversation history.
type Turn struct {
	Stage   Stage     `json:"stage"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
