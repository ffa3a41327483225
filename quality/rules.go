package quality

import (
	"fmt"
	"strings"

	"github.com/c360studio/stageflow/workflow"
)

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// uniqueIDs checks that every id is present and distinct.
func (v *validation) uniqueIDs(path string, ids []string) {
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		p := fmt.Sprintf("%s[%d].id", path, i)
		switch {
		case blank(id):
			v.blocker(AreaSchema, p, "id is required")
		case seen[id]:
			v.blocker(AreaSchema, p, fmt.Sprintf("duplicate id %q", id))
		}
		seen[id] = true
	}
}

func (v *validation) goal(g *workflow.GoalStatement) {
	if blank(g.Title) {
		v.blocker(AreaSchema, "title", "goal title is required")
	}
	if blank(g.Statement) {
		v.blocker(AreaSchema, "statement", "goal statement is required")
	}
	if len(g.SuccessCriteria) == 0 {
		v.blocker(AreaSchema, "success_criteria", "at least one success criterion is required")
	}
	for i, c := range g.SuccessCriteria {
		if blank(c) {
			v.warning(AreaWording, fmt.Sprintf("success_criteria[%d]", i), "empty success criterion")
		}
	}
}

func (v *validation) framework(f *workflow.KnowledgeFramework) {
	if blank(f.Title) {
		v.blocker(AreaSchema, "title", "framework title is required")
	}
	if len(f.Nodes) == 0 {
		v.blocker(AreaSchema, "nodes", "framework needs at least one node")
		return
	}

	ids := f.NodeIDs()
	v.uniqueIDs("nodes", ids)
	known := idSet(ids)
	parents := make(map[string]string, len(f.Nodes))

	roots := 0
	for i, n := range f.Nodes {
		if blank(n.Label) {
			v.blocker(AreaSchema, fmt.Sprintf("nodes[%d].label", i), fmt.Sprintf("node %q needs a label", n.ID))
		}
		switch {
		case n.ParentID == "":
			roots++
		case n.ParentID == n.ID:
			v.blocker(AreaStructure, fmt.Sprintf("nodes[%d].parent_id", i), fmt.Sprintf("node %q is its own parent", n.ID))
		case !known[n.ParentID]:
			v.blocker(AreaStructure, fmt.Sprintf("nodes[%d].parent_id", i), fmt.Sprintf("node %q has unknown parent %q", n.ID, n.ParentID))
		default:
			parents[n.ID] = n.ParentID
		}
	}
	if roots == 0 {
		v.blocker(AreaStructure, "nodes", "framework has no root node")
	}

	for i, n := range f.Nodes {
		if inCycle(n.ID, parents, len(f.Nodes)) {
			v.blocker(AreaStructure, fmt.Sprintf("nodes[%d].parent_id", i), fmt.Sprintf("node %q is part of a parent cycle", n.ID))
		}
	}
}

func inCycle(id string, parents map[string]string, limit int) bool {
	cur := id
	for i := 0; i < limit; i++ {
		next, ok := parents[cur]
		if !ok {
			return false
		}
		if next == id {
			return true
		}
		cur = next
	}
	return false
}

// diagram validates d against the framework and returns the artifact to
// report: d itself, or a repaired copy.
func (v *validation) diagram(d *workflow.RelationshipDiagram, fw *workflow.KnowledgeFramework) workflow.Artifact {
	if blank(d.Chart) {
		v.blocker(AreaSchema, "chart", "diagram chart is required")
	}
	if len(d.Nodes) == 0 {
		v.blocker(AreaSchema, "nodes", "diagram needs at least one node")
	}
	v.uniqueIDs("nodes", d.NodeIDs())
	if blank(d.Metaphor.Title) || blank(d.Metaphor.Narrative) {
		v.blocker(AreaSchema, "metaphor", "metaphor title and narrative are required")
	}

	directive := chartDirective(d.Chart)
	if !blank(d.Chart) && !chartDirectives[directive] {
		v.blocker(AreaChart, "chart", fmt.Sprintf("chart must start with graph, flowchart or mindmap, got %q", directive))
	}

	diagramIDs := idSet(d.NodeIDs())
	for i, r := range d.Relations {
		for _, end := range []string{r.From, r.To} {
			if !diagramIDs[end] {
				v.blocker(AreaConsistency, fmt.Sprintf("relations[%d]", i), fmt.Sprintf("relation references unknown node %q", end))
			}
		}
	}

	if fw == nil {
		return d
	}
	known := idSet(fw.NodeIDs())

	for i, n := range d.Nodes {
		if n.ID != "" && !known[n.ID] {
			v.blocker(AreaConsistency, fmt.Sprintf("nodes[%d].id", i), fmt.Sprintf("node %q is not in the framework", n.ID))
		}
	}

	refs := chartRefs(d.Chart)
	for _, id := range refs {
		if !known[id] {
			v.blocker(AreaConsistency, "chart", fmt.Sprintf("chart references %q, which is not in the framework", id))
		}
	}

	if !chartDirectives[directive] {
		return d
	}
	inChart := idSet(refs)
	var missing []string
	for _, id := range fw.NodeIDs() {
		if !inChart[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return d
	}

	if !v.canRepair(len(missing)) {
		v.blocker(AreaConsistency, "chart", fmt.Sprintf("chart is missing framework nodes: %s", strings.Join(missing, ", ")))
		return d
	}

	repaired := d.Clone()
	lines := []string{strings.TrimRight(repaired.Chart, "\n")}
	for _, id := range missing {
		node, _ := fw.Node(id)
		lines = append(lines, placeholderLine(directive, id, node.Label))
		if !diagramIDs[id] {
			repaired.Nodes = append(repaired.Nodes, workflow.DiagramNode{ID: id, Label: node.Label, Placeholder: true})
		}
		v.warning(AreaConsistency, "chart", fmt.Sprintf("framework node %q was missing from the chart; placeholder added", id))
	}
	repaired.Chart = strings.Join(lines, "\n")
	v.repaired = true
	return repaired
}

func (v *validation) actionPlan(p *workflow.ActionPlan, d *workflow.RelationshipDiagram) {
	if len(p.Actions) == 0 {
		v.blocker(AreaSchema, "actions", "plan needs at least one action")
	}
	if len(p.Metrics) == 0 {
		v.blocker(AreaSchema, "metrics", "plan needs at least one metric")
	}

	actionIDs := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		actionIDs[i] = a.ID
		if blank(a.Title) {
			v.blocker(AreaSchema, fmt.Sprintf("actions[%d].title", i), fmt.Sprintf("action %q needs a title", a.ID))
		}
	}
	v.uniqueIDs("actions", actionIDs)
	v.uniqueIDs("metrics", p.MetricIDs())

	for i, m := range p.Metrics {
		if blank(m.Name) {
			v.blocker(AreaSchema, fmt.Sprintf("metrics[%d].name", i), fmt.Sprintf("metric %q needs a name", m.ID))
		}
		if blank(m.Target) {
			v.warning(AreaWording, fmt.Sprintf("metrics[%d].target", i), fmt.Sprintf("metric %q has no target", m.ID))
		}
		if len(m.NodeIDs) == 0 {
			v.blocker(AreaLinkage, fmt.Sprintf("metrics[%d].node_ids", i), fmt.Sprintf("metric %q is not linked to any node", m.ID))
		}
	}

	if d == nil {
		return
	}
	known := idSet(d.NodeIDs())

	for i, a := range p.Actions {
		for _, id := range a.NodeIDs {
			if !known[id] {
				v.blocker(AreaConsistency, fmt.Sprintf("actions[%d].node_ids", i), fmt.Sprintf("action %q references unknown node %q", a.ID, id))
			}
		}
	}
	covered := make(map[string]bool)
	for i, m := range p.Metrics {
		for _, id := range m.NodeIDs {
			if !known[id] {
				v.blocker(AreaConsistency, fmt.Sprintf("metrics[%d].node_ids", i), fmt.Sprintf("metric %q references unknown node %q", m.ID, id))
				continue
			}
			covered[id] = true
		}
	}

	var uncovered []string
	for _, id := range d.NodeIDs() {
		if !covered[id] {
			uncovered = append(uncovered, id)
		}
	}
	if len(uncovered) == 0 {
		return
	}
	hint := fmt.Sprintf("diagram nodes without a metric: %s", strings.Join(uncovered, ", "))
	if len(uncovered) <= v.opts.RepairThreshold {
		v.warning(AreaCoverage, "metrics", hint)
	} else {
		v.blocker(AreaCoverage, "metrics", hint)
	}
}

var progressStatuses = map[string]bool{
	workflow.ProgressOnTrack:  true,
	workflow.ProgressAtRisk:   true,
	workflow.ProgressOffTrack: true,
	workflow.ProgressDone:     true,
}

func (v *validation) progress(p *workflow.ProgressAnalysis, plan *workflow.ActionPlan) {
	if blank(p.Summary) {
		v.blocker(AreaSchema, "summary", "progress summary is required")
	}

	ids := make([]string, len(p.MetricProgress))
	for i, mp := range p.MetricProgress {
		ids[i] = mp.MetricID
		if !progressStatuses[mp.Status] {
			v.warning(AreaWording, fmt.Sprintf("metric_progress[%d].status", i),
				fmt.Sprintf("status %q of metric %q is not one of on_track, at_risk, off_track, done", mp.Status, mp.MetricID))
		}
	}
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		path := fmt.Sprintf("metric_progress[%d].metric_id", i)
		switch {
		case blank(id):
			v.blocker(AreaSchema, path, "metric_id is required")
		case seen[id]:
			v.blocker(AreaSchema, path, fmt.Sprintf("duplicate progress for metric %q", id))
		}
		seen[id] = true
	}

	if plan == nil {
		return
	}
	known := idSet(plan.MetricIDs())
	for i, id := range ids {
		if id != "" && !known[id] {
			v.blocker(AreaConsistency, fmt.Sprintf("metric_progress[%d].metric_id", i), fmt.Sprintf("metric %q is not in the action plan", id))
		}
	}

	var missing []string
	for _, id := range plan.MetricIDs() {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		v.warning(AreaCoverage, "metric_progress", fmt.Sprintf("metrics without progress: %s", strings.Join(missing, ", ")))
	}
}
