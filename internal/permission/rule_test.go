package permission

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		str     string
		pattern string
		want    bool
	}{
		{"bash", "*", true},
		{"bash", "bash", true},
		{"bash", "ba*", true},
		{"bash", "*sh", true},
		{"bash", "b?sh", true},
		{"bash", "edit", false},
		{"ls -la", "ls *", true},
		{"ls", "ls *", true},
		{"lsof", "ls *", false},
		{"git push origin", "git push *", true},
		{"/home/u/.env", "*.env", true},
		{"/home/u/.env.local", "*.env", false},
		{"/home/u/.env.local", "*.env.*", true},
		{"a.b", "a?b", true},
		{"a(b)", "a(b)", true},
		{"a+b", "a+*", true},
		{"line1\nline2", "line1*", true},
	}
	for _, tt := range tests {
		if got := Match(tt.str, tt.pattern); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.str, tt.pattern, got, tt.want)
		}
	}
}

func TestEvaluateLastMatchWins(t *testing.T) {
	base := Ruleset{
		{Permission: "*", Pattern: "*", Action: ActionAllow},
		{Permission: "bash", Pattern: "*", Action: ActionAsk},
	}
	override := Ruleset{
		{Permission: "bash", Pattern: "git *", Action: ActionAllow},
		{Permission: "bash", Pattern: "rm *", Action: ActionDeny},
	}

	tests := []struct {
		permission string
		pattern    string
		want       Action
	}{
		{"read", "/tmp/x", ActionAllow},
		{"bash", "ls", ActionAsk},
		{"bash", "git status", ActionAllow},
		{"bash", "rm -rf /", ActionDeny},
	}
	for _, tt := range tests {
		got := Evaluate(tt.permission, tt.pattern, base, override)
		if got.Action != tt.want {
			t.Errorf("Evaluate(%q, %q) = %s, want %s", tt.permission, tt.pattern, got.Action, tt.want)
		}
	}
}

func TestEvaluateDefaultsToAsk(t *testing.T) {
	got := Evaluate("webfetch", "https://example.com", Ruleset{{Permission: "bash", Pattern: "*", Action: ActionAllow}})
	if got.Action != ActionAsk || got.Permission != "webfetch" || got.Pattern != "*" {
		t.Fatalf("unexpected default rule %+v", got)
	}
	if got := Evaluate("anything", "x"); got.Action != ActionAsk {
		t.Fatalf("empty rulesets should ask, got %s", got.Action)
	}
}

func TestDisabled(t *testing.T) {
	rules := Ruleset{
		{Permission: "*", Pattern: "*", Action: ActionAllow},
		{Permission: "edit", Pattern: "*", Action: ActionDeny},
		{Permission: "bash", Pattern: "*", Action: ActionDeny},
		{Permission: "bash", Pattern: "git *", Action: ActionAllow},
		{Permission: "webfetch", Pattern: "*", Action: ActionDeny},
	}
	got := Disabled([]string{"read", "write", "edit", "bash", "webfetch"}, rules)

	want := map[string]bool{"write": true, "edit": true, "webfetch": true}
	if len(got) != len(want) {
		t.Fatalf("Disabled() = %v, want %v", got, want)
	}
	for id := range want {
		if !got[id] {
			t.Errorf("expected %s disabled", id)
		}
	}
}

func TestConfigPreservesOrder(t *testing.T) {
	var cfg struct {
		Permission Config `yaml:"permission"`
	}
	doc := `
permission:
  bash:
    "*": ask
    "git *": allow
  "*": allow
  read:
    "~/secrets/*": deny
`
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	rules := FromConfig(cfg.Permission)
	if len(rules) != 4 {
		t.Fatalf("expected 4 rules, got %d: %+v", len(rules), rules)
	}
	if rules[0].Permission != "bash" || rules[1].Pattern != "git *" || rules[2].Permission != "*" {
		t.Fatalf("unexpected order %+v", rules)
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		if rules[3].Pattern != filepath.Join(home, "secrets/*") {
			t.Fatalf("home not expanded: %q", rules[3].Pattern)
		}
	}

	// "*": allow comes after the bash rules, so it wins for bash too.
	if got := Evaluate("bash", "ls", rules); got.Action != ActionAllow {
		t.Fatalf("expected allow, got %s", got.Action)
	}
}

func TestConfigRejectsInvalidAction(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(`bash: maybe`), &cfg); err == nil {
		t.Fatal("expected invalid action error")
	}
	if err := yaml.Unmarshal([]byte(`- bash`), &cfg); err == nil {
		t.Fatal("expected mapping error")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	in := Config{
		{Permission: "*", Action: ActionAllow},
		{Permission: "bash", Patterns: []PatternAction{{Pattern: "*", Action: ActionAsk}}},
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(out) != 2 || out[1].Patterns[0].Action != ActionAsk {
		t.Fatalf("unexpected round trip %+v", out)
	}
}
