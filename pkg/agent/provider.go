package agent

import (
	"fmt"
	"strings"

	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/skills"
	"github.com/harun/kurir/pkg/tier"
)

// nearestTier returns the configured entry for t. When t has none, the next
// more capable tier is preferred, then the next cheaper one, widening until
// something is found.
func nearestTier[T any](configured map[tier.Tier]T, t tier.Tier) (T, tier.Tier, bool) {
	if v, ok := configured[t]; ok {
		return v, t, true
	}

	idx := -1
	for i, known := range tier.All {
		if known == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(tier.All) - 1
		if v, ok := configured[tier.All[idx]]; ok {
			return v, tier.All[idx], true
		}
	}

	for d := 1; d < len(tier.All); d++ {
		for _, i := range []int{idx + d, idx - d} {
			if i < 0 || i >= len(tier.All) {
				continue
			}
			if v, ok := configured[tier.All[i]]; ok {
				return v, tier.All[i], true
			}
		}
	}

	var zero T
	return zero, "", false
}

// wireToolName encodes a skill name for APIs that reject dots.
func wireToolName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

// toolNameIndex maps wire names back to skill names for one request.
func toolNameIndex(list []*skills.Skill) map[string]string {
	idx := make(map[string]string, len(list))
	for _, s := range list {
		idx[wireToolName(s.Name)] = s.Name
	}
	return idx
}

func skillFromWire(idx map[string]string, wire string) string {
	if name, ok := idx[wire]; ok {
		return name
	}
	return strings.Replace(wire, "__", ".", 1)
}

// mergeTurns folds consecutive turns with the same role into one and drops
// leading assistant turns, for APIs that expect alternating roles starting
// with the user.
func mergeTurns(turns []session.Turn) []session.Turn {
	merged := make([]session.Turn, 0, len(turns))
	for _, t := range turns {
		if len(merged) == 0 && t.Role != session.RoleUser {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Role == t.Role {
			merged[n-1].Content += "\n\n" + t.Content
			continue
		}
		merged = append(merged, t)
	}
	return merged
}

// toolInstructions describes the embedded tool-call convention and the
// available skills for providers without native function calling.
func toolInstructions(list []*skills.Skill) string {
	if len(list) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You can use tools. To call one, reply with a single JSON object of the form\n")
	b.WriteString(`{"type":"tool_call","tool":"<namespace.action>","args":{...}}`)
	b.WriteString("\nand nothing after it. The result will be sent back to you. Available tools:\n")
	for _, s := range list {
		fmt.Fprintf(&b, "- %s: %s", s.Name, s.Description)
		if len(s.Params) > 0 {
			parts := make([]string, 0, len(s.Params))
			for _, p := range s.Params {
				part := p.Name + " (" + p.Type
				if p.Required {
					part += ", required"
				}
				part += ")"
				parts = append(parts, part)
			}
			fmt.Fprintf(&b, " Args: %s", strings.Join(parts, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
