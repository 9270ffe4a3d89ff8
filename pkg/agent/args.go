package agent

import (
	"strings"
	"unicode"

	"github.com/harun/kurir/pkg/skills"
)

// normalizeArgs renames snake_case and camelCase spellings of declared
// parameters to their declared form and fills the skill's context parameter
// with the conversation id when the model left it out. The input is not
// modified. Keys matching nothing are kept so validation can report them.
func normalizeArgs(s *skills.Skill, args map[string]interface{}, conversationID string) map[string]interface{} {
	declared := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		declared[p.Name] = true
	}

	out := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		out[k] = v
	}

	for k, v := range args {
		if declared[k] {
			continue
		}
		for _, alias := range []string{snakeToCamel(k), camelToSnake(k)} {
			if alias == k || !declared[alias] {
				continue
			}
			if _, taken := out[alias]; taken {
				continue
			}
			out[alias] = v
			delete(out, k)
			break
		}
	}

	if s.ContextParam != "" && conversationID != "" {
		if v, ok := out[s.ContextParam]; !ok || v == nil || v == "" {
			out[s.ContextParam] = conversationID
		}
	}
	return out
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
