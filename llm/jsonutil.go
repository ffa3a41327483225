package llm

import (
	"regexp"
	"strings"
)

var (
	// fencePattern matches the body of a markdown code fence, optionally tagged json.
	fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts the first JSON object from an LLM response string.
// It prefers a fenced code block, tolerates prose around the object and
// strips line comments and trailing commas. Returns "" when no object is found.
func ExtractJSON(content string) string {
	return extract(content, '{', '}')
}

func extract(content string, opening, closing byte) string {
	var candidates []string
	for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, content)

	for _, c := range candidates {
		if span := balanced(stripComments(c), opening, closing); span != "" {
			return trailingCommaPattern.ReplaceAllString(span, "$1")
		}
	}
	return ""
}

// balanced returns the first opening..closing span whose delimiters balance,
// ignoring delimiters inside string literals. An unterminated span returns "".
func balanced(s string, opening, closing byte) string {
	start := strings.IndexByte(s, opening)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripComments removes // line comments outside string literals.
func stripComments(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return strings.Join(lines, "\n")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
//
//	"label": "Tracing",  // kept node   → "label": "Tracing",
//	"url": "http://example.com"         → unchanged
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
