package skills

import "strings"

// Policy decides which skills the model may call. Entries are exact names,
// "*" or a namespace wildcard such as "files.*". Deny wins over allow.
type Policy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// IsAllowed checks name against the policy. A nil policy allows everything;
// a non-nil policy without a matching allow entry denies.
func (p *Policy) IsAllowed(name string) bool {
	if p == nil {
		return true
	}
	for _, d := range p.Deny {
		if matchPattern(d, name) {
			return false
		}
	}
	for _, a := range p.Allow {
		if matchPattern(a, name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if ns, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, ns+".")
	}
	return false
}
