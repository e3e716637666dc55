package textutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON object or array out of free-form model
// output. Models wrap JSON in code fences or lead with prose; we tolerate
// both rather than failing the stage on formatting noise.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("textutil: empty input")
	}

	if fenced, ok := extractFencedBlock(s); ok {
		s = fenced
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("textutil: no JSON object or array found")
	}

	candidate, ok := balancedJSONFrom(s[start:])
	if !ok {
		return "", fmt.Errorf("textutil: unbalanced JSON starting at offset %d", start)
	}
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("textutil: extracted candidate is not valid JSON")
	}
	return candidate, nil
}

func extractFencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...) on the fence line.
		rest = rest[nl+1:]
	}
	close := strings.Index(rest, "```")
	if close < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:close]), true
}

// balancedJSONFrom returns the shortest prefix of s that closes the opening
// bracket, honoring string literals and escapes.
func balancedJSONFrom(s string) (string, bool) {
	if len(s) == 0 {
		return "", false
	}
	openCh := s[0]
	var closeCh byte
	switch openCh {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
