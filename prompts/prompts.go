// Package prompts builds the message list sent to the backend for each stage.
// Every system prompt starts with a "[stage:Sx]" marker so fixture backends can
// route by stage.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/workflow"
)

// maxHistoryTurns caps how much conversation history is replayed.
const maxHistoryTurns = 6

// Input is everything a stage prompt may draw on. Prior artifacts are the
// resolved ones (payload or store), not necessarily the payload's.
type Input struct {
	Stage   workflow.Stage
	Payload workflow.Payload

	Goal       *workflow.GoalStatement
	Framework  *workflow.KnowledgeFramework
	Diagram    *workflow.RelationshipDiagram
	ActionPlan *workflow.ActionPlan

	History []workflow.Turn
}

// Marker returns the routing marker of stage.
func Marker(stage workflow.Stage) string {
	return "[stage:" + string(stage) + "]"
}

// Build returns the prompt for in.Stage.
func Build(in Input) (generation.Prompt, error) {
	system, ok := systemPrompts[in.Stage]
	if !ok {
		return generation.Prompt{}, fmt.Errorf("%w: %q", workflow.ErrUnknownStage, in.Stage)
	}

	user, err := userPrompt(in)
	if err != nil {
		return generation.Prompt{}, err
	}

	msgs := []llm.Message{{Role: "system", Content: Marker(in.Stage) + "\n" + system}}
	msgs = append(msgs, history(in.History)...)
	msgs = append(msgs, llm.Message{Role: "user", Content: user})
	return generation.Prompt{Stage: in.Stage, Messages: msgs}, nil
}

func history(turns []workflow.Turn) []llm.Message {
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role != "assistant" {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}

func userPrompt(in Input) (string, error) {
	var b strings.Builder
	p := in.Payload

	section := func(title string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", title, err)
		}
		fmt.Fprintf(&b, "## %s\n\n```json\n%s\n```\n\n", title, data)
		return nil
	}

	if p.Topic != "" {
		fmt.Fprintf(&b, "## Topic\n\n%s\n\n", p.Topic)
	}
	if p.Background != "" {
		fmt.Fprintf(&b, "## Background\n\n%s\n\n", p.Background)
	}

	var err error
	switch in.Stage {
	case workflow.StageFramework:
		err = section("Goal", in.Goal)
	case workflow.StageDiagram:
		err = section("Knowledge framework", in.Framework)
	case workflow.StageActionPlan:
		if err = section("Knowledge framework", in.Framework); err == nil {
			err = section("Relationship diagram", in.Diagram)
		}
	case workflow.StageProgress:
		if err = section("Action plan", in.ActionPlan); err == nil && len(p.Progress) > 0 {
			err = section("Reported progress", p.Progress)
		}
	}
	if err != nil {
		return "", err
	}

	if p.Notes != "" {
		fmt.Fprintf(&b, "## Notes\n\n%s\n\n", p.Notes)
	}
	b.WriteString("Respond with a single JSON object only.")
	return b.String(), nil
}

var systemPrompts = map[workflow.Stage]string{
	workflow.StageGoal: `You turn a learning or work topic into a focused goal statement.

## Output Format

` + "```json" + `
{
  "title": "Short goal title",
  "statement": "One sentence describing the outcome",
  "motivation": "Why this matters to the user",
  "success_criteria": ["Observable criterion", "Another criterion"]
}
` + "```",

	workflow.StageFramework: `You break a goal into a hierarchical knowledge framework.

## Rules

- Every node has a short, unique id (A, B, C or kebab-case)
- Exactly the top-level nodes have no parent_id
- Every parent_id names another node

## Output Format

` + "```json" + `
{
  "title": "Framework title",
  "nodes": [
    {"id": "A", "label": "Root concept", "summary": "What it covers"},
    {"id": "B", "label": "Sub concept", "summary": "...", "parent_id": "A"}
  ]
}
` + "```",

	workflow.StageDiagram: `You draw how the framework's concepts relate and explain it with a metaphor.

## Rules

- The chart is mermaid source starting with graph, flowchart or mindmap
- Use only node ids from the framework, and include every one of them
- Relations connect diagram node ids

## Output Format

` + "```json" + `
{
  "chart": "graph TD\n  A[Root] --> B[Sub]",
  "nodes": [{"id": "A", "label": "Root"}, {"id": "B", "label": "Sub"}],
  "relations": [{"from": "A", "to": "B", "label": "enables"}],
  "metaphor": {"title": "Metaphor title", "narrative": "A short story that maps the diagram"}
}
` + "```",

	workflow.StageActionPlan: `You turn the diagram into concrete actions and measurable metrics.

## Rules

- Every metric lists the diagram node ids it measures in node_ids
- Together the metrics cover every diagram node
- Actions reference diagram node ids only

## Output Format

` + "```json" + `
{
  "actions": [{"id": "act-1", "title": "Action", "description": "...", "node_ids": ["A"]}],
  "metrics": [{"id": "m-1", "name": "Metric", "target": "Measurable target", "node_ids": ["A", "B"]}]
}
` + "```",

	workflow.StageProgress: `You assess reported progress against the action plan's metrics.

## Rules

- One metric_progress entry per plan metric
- status is one of on_track, at_risk, off_track, done

## Output Format

` + "```json" + `
{
  "summary": "Overall assessment",
  "metric_progress": [{"metric_id": "m-1", "status": "on_track", "note": "..."}],
  "insights": ["What the numbers suggest"],
  "next_steps": ["What to do next"]
}
` + "```",
}
