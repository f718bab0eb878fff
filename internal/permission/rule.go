package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Action is the outcome of evaluating a rule.
type Action string

const (
	// ActionAllow lets the call proceed without asking.
	ActionAllow Action = "allow"
	// ActionDeny blocks the call.
	ActionDeny Action = "deny"
	// ActionAsk suspends the call until a reply arrives.
	ActionAsk Action = "ask"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return true
	}
	return false
}

// Rule binds a permission and pattern (both wildcards) to an action.
type Rule struct {
	Permission string `json:"permission" yaml:"permission"`
	Pattern    string `json:"pattern" yaml:"pattern"`
	Action     Action `json:"action" yaml:"action"`
}

// Ruleset is an ordered list of rules. Later rules take precedence.
type Ruleset []Rule

// editTools share the "edit" permission key.
var editTools = map[string]bool{
	"edit":      true,
	"write":     true,
	"patch":     true,
	"multiedit": true,
}

// PermissionFor returns the permission key a tool is checked under.
func PermissionFor(toolID string) string {
	if editTools[toolID] {
		return "edit"
	}
	return toolID
}

var patternCache sync.Map // string -> *regexp.Regexp

// Match reports whether str matches the wildcard pattern. "*" matches any run
// of characters and "?" a single character. A pattern ending in " *" also
// matches the bare prefix, so "ls *" matches "ls".
func Match(str, pattern string) bool {
	if pattern == "*" || pattern == str {
		return true
	}
	re, ok := patternCache.Load(pattern)
	if !ok {
		re, _ = patternCache.LoadOrStore(pattern, compilePattern(pattern))
	}
	return re.(*regexp.Regexp).MatchString(str)
}

func compilePattern(pattern string) *regexp.Regexp {
	optionalTail := strings.HasSuffix(pattern, " *")
	if optionalTail {
		pattern = strings.TrimSuffix(pattern, " *")
	}

	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if optionalTail {
		b.WriteString("( .*)?")
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Merge flattens rulesets in argument order.
func Merge(rulesets ...Ruleset) Ruleset {
	var size int
	for _, rs := range rulesets {
		size += len(rs)
	}
	merged := make(Ruleset, 0, size)
	for _, rs := range rulesets {
		merged = append(merged, rs...)
	}
	return merged
}

// Evaluate returns the last rule across the merged rulesets whose permission
// and pattern both match. When nothing matches the result is an ask rule.
func Evaluate(permission, pattern string, rulesets ...Ruleset) Rule {
	merged := Merge(rulesets...)
	for i := len(merged) - 1; i >= 0; i-- {
		rule := merged[i]
		if Match(permission, rule.Permission) && Match(pattern, rule.Pattern) {
			return rule
		}
	}
	return Rule{Permission: permission, Pattern: "*", Action: ActionAsk}
}

// Disabled returns the tools that a ruleset blocks outright: the last rule
// for the tool's permission denies every pattern.
func Disabled(toolIDs []string, ruleset Ruleset) map[string]bool {
	disabled := make(map[string]bool)
	for _, id := range toolIDs {
		permission := PermissionFor(id)
		for i := len(ruleset) - 1; i >= 0; i-- {
			rule := ruleset[i]
			if !Match(permission, rule.Permission) {
				continue
			}
			if rule.Pattern == "*" && rule.Action == ActionDeny {
				disabled[id] = true
			}
			break
		}
	}
	return disabled
}

// Config is the ordered configuration form of a ruleset:
//
//	permission:
//	  "*": allow
//	  bash:
//	    "*": ask
//	    "git status *": allow
//
// Entries keep document order, which matters because later rules win.
type Config []ConfigEntry

// ConfigEntry is one permission key with either a single action or a list of
// pattern actions.
type ConfigEntry struct {
	Permission string
	Action     Action
	Patterns   []PatternAction
}

// PatternAction is a pattern with its action.
type PatternAction struct {
	Pattern string
	Action  Action
}

// UnmarshalYAML decodes a mapping while preserving key order.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("permission config must be a mapping, got %s", kindName(node))
	}
	entries := make(Config, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		entry := ConfigEntry{Permission: key.Value}
		switch value.Kind {
		case yaml.ScalarNode:
			entry.Action = Action(value.Value)
			if !entry.Action.Valid() {
				return fmt.Errorf("permission %q: invalid action %q", key.Value, value.Value)
			}
		case yaml.MappingNode:
			for j := 0; j+1 < len(value.Content); j += 2 {
				pattern, action := value.Content[j], value.Content[j+1]
				act := Action(action.Value)
				if action.Kind != yaml.ScalarNode || !act.Valid() {
					return fmt.Errorf("permission %q pattern %q: invalid action %q", key.Value, pattern.Value, action.Value)
				}
				entry.Patterns = append(entry.Patterns, PatternAction{Pattern: pattern.Value, Action: act})
			}
		default:
			return fmt.Errorf("permission %q: expected action or mapping, got %s", key.Value, kindName(value))
		}
		entries = append(entries, entry)
	}
	*c = entries
	return nil
}

// MarshalYAML writes the config back as an ordered mapping.
func (c Config) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range c {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: entry.Permission}
		if len(entry.Patterns) == 0 {
			node.Content = append(node.Content, key, &yaml.Node{Kind: yaml.ScalarNode, Value: string(entry.Action)})
			continue
		}
		inner := &yaml.Node{Kind: yaml.MappingNode}
		for _, p := range entry.Patterns {
			inner.Content = append(inner.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: p.Pattern},
				&yaml.Node{Kind: yaml.ScalarNode, Value: string(p.Action)})
		}
		node.Content = append(node.Content, key, inner)
	}
	return node, nil
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// FromConfig converts the ordered config into a ruleset. A bare action applies
// to every pattern. Patterns beginning with "~/" or "$HOME/" are expanded to
// the user's home directory.
func FromConfig(cfg Config) Ruleset {
	var rules Ruleset
	for _, entry := range cfg {
		if len(entry.Patterns) == 0 {
			rules = append(rules, Rule{Permission: entry.Permission, Pattern: "*", Action: entry.Action})
			continue
		}
		for _, p := range entry.Patterns {
			rules = append(rules, Rule{
				Permission: entry.Permission,
				Pattern:    expandHome(p.Pattern),
				Action:     p.Action,
			})
		}
	}
	return rules
}

func expandHome(pattern string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return pattern
	}
	switch {
	case strings.HasPrefix(pattern, "~/"):
		return filepath.Join(home, pattern[2:])
	case strings.HasPrefix(pattern, "$HOME/"):
		return filepath.Join(home, pattern[len("$HOME/"):])
	}
	return pattern
}
