package agent

import (
	"encoding/json"
	"regexp"

	"github.com/harun/kurir/pkg/skills"
)

// toolCallMarker matches the opening of an embedded tool call, tolerating
// whitespace between tokens.
var toolCallMarker = regexp.MustCompile(`\{\s*"type"\s*:\s*"tool_call"`)

// HasToolCallMarker reports whether text contains the start of an embedded
// tool call, complete or not.
func HasToolCallMarker(text string) bool {
	return toolCallMarker.MatchString(text)
}

// ExtractToolCall finds the last embedded {"type":"tool_call",...} object in
// text. Leading prose is ignored. A truncated or malformed object, or a tool
// name that is not namespaced, yields ok=false and the text should be treated
// as a plain message.
func ExtractToolCall(text string) (ToolCallRequest, bool) {
	matches := toolCallMarker.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return ToolCallRequest{}, false
	}
	start := matches[len(matches)-1][0]

	end := matchBrace(text, start)
	if end < 0 {
		return ToolCallRequest{}, false
	}

	var raw struct {
		Type string                 `json:"type"`
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal([]byte(text[start:end]), &raw); err != nil {
		return ToolCallRequest{}, false
	}
	if raw.Type != "tool_call" || !skills.NamePattern.MatchString(raw.Tool) {
		return ToolCallRequest{}, false
	}
	if raw.Args == nil {
		raw.Args = map[string]interface{}{}
	}
	return ToolCallRequest{Tool: raw.Tool, Args: raw.Args}, true
}

// matchBrace returns the index just past the brace closing the object that
// opens at text[start], or -1. Braces inside strings are skipped.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
