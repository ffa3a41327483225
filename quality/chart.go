package quality

import (
	"regexp"
	"strings"
)

// Chart directives accepted as the first token of a diagram chart.
var chartDirectives = map[string]bool{
	"graph":     true,
	"flowchart": true,
	"mindmap":   true,
}

var (
	// labelPattern matches node labels and edge texts, which never hold ids.
	labelPattern = regexp.MustCompile(`"[^"]*"|\|[^|]*\||\[[^\]]*\]|\([^)]*\)|\{[^}]*\}`)
	// edgeTextPattern matches "-- text -->" edge labels.
	edgeTextPattern = regexp.MustCompile(`--\s[^>]*?\s-->`)
	// arrowPattern matches link operators such as -->, ---, -.-> and ==>.
	arrowPattern = regexp.MustCompile(`<?[-=.]{2,}>?`)
	// classPattern matches ":::class" suffixes.
	classPattern = regexp.MustCompile(`:::[\w-]+`)
	// idPattern matches a node identifier.
	idPattern = regexp.MustCompile(`[A-Za-z0-9_][\w-]*`)
	// shapedIDPattern matches an identifier directly followed by a shape bracket.
	shapedIDPattern = regexp.MustCompile(`([A-Za-z0-9_][\w-]*)\s*[\[\(\{]`)
)

// Statement keywords whose lines declare no node references.
var chartKeywords = map[string]bool{
	"subgraph":  true,
	"end":       true,
	"classdef":  true,
	"class":     true,
	"style":     true,
	"linkstyle": true,
	"click":     true,
	"direction": true,
}

// chartDirective returns the lower-cased first token of the chart.
func chartDirective(chart string) string {
	for _, line := range strings.Split(chart, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			return strings.ToLower(strings.TrimRight(fields[0], ";"))
		}
	}
	return ""
}

// Orientations that may follow a graph or flowchart directive.
var chartOrientations = map[string]bool{
	"td": true, "tb": true, "bt": true, "rl": true, "lr": true,
}

// chartStatements splits the chart into trimmed statements. Flowcharts may
// separate statements with ";" as well as newlines. The directive and its
// orientation are dropped from the first statement.
func chartStatements(chart, directive string) []string {
	var out []string
	started := false
	for _, line := range strings.Split(chart, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "%%") {
			continue
		}
		parts := []string{trimmed}
		if directive != "mindmap" {
			parts = splitStatements(trimmed)
		}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if !started {
				started = true
				part = stripDirective(part)
			}
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// stripDirective removes the directive token and an orientation from stmt.
func stripDirective(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}
	fields = fields[1:]
	if len(fields) > 0 && chartOrientations[strings.ToLower(fields[0])] {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// splitStatements splits line on semicolons outside labels and quotes.
func splitStatements(line string) []string {
	var out []string
	depth := 0
	inQuote, inEdgeText := false, false
	last := 0
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '|' && depth == 0:
			inEdgeText = !inEdgeText
		case inEdgeText:
		case c == '[' || c == '(' || c == '{':
			depth++
		case c == ']' || c == ')' || c == '}':
			if depth > 0 {
				depth--
			}
		case c == ';' && depth == 0:
			out = append(out, line[last:i])
			last = i + 1
		}
	}
	return append(out, line[last:])
}

// chartRefs returns the node identifiers referenced by the chart body, in
// order of first appearance.
func chartRefs(chart string) []string {
	directive := chartDirective(chart)
	seen := make(map[string]bool)
	var refs []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}

	for _, stmt := range chartStatements(chart, directive) {
		if first := strings.ToLower(strings.Fields(stmt)[0]); chartKeywords[first] {
			continue
		}

		if directive == "mindmap" {
			if strings.HasPrefix(stmt, "::") {
				continue
			}
			if m := shapedIDPattern.FindStringSubmatch(stmt); m != nil {
				add(m[1])
			}
			continue
		}

		body := classPattern.ReplaceAllString(stmt, "")
		body = edgeTextPattern.ReplaceAllString(body, " --> ")
		body = labelPattern.ReplaceAllString(body, " ")
		body = arrowPattern.ReplaceAllString(body, " ")
		for _, id := range idPattern.FindAllString(body, -1) {
			add(id)
		}
	}
	return refs
}

// placeholderLine renders a node declaration appended by auto-repair.
func placeholderLine(directive, id, label string) string {
	if label == "" {
		label = id
	}
	if directive == "mindmap" {
		label = strings.NewReplacer("[", "(", "]", ")").Replace(label)
		return "    " + id + "[" + label + "]"
	}
	return "    " + id + `["` + strings.ReplaceAll(label, `"`, "'") + `"]`
}
